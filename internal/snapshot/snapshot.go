// Package snapshot implements the self-describing TLV wire format every
// stateful device uses for save_state()/load_state(): a fixed device-id
// and version header followed by a stream of (tag, length, payload)
// records. Readers reject a device-id or major-version mismatch,
// tolerate minor-version drift, and skip unknown tags.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// headerSize is the fixed 4-byte magic plus major/minor version pair
// every device snapshot starts with.
const headerSize = 4 + 2 + 2

// Header identifies a device snapshot stream: a 4-byte magic unique to
// the device type, and a (major, minor) version pair. Readers reject a
// magic or major-version mismatch; a minor-version difference is
// accepted (the format is meant to be additive within a major version).
type Header struct {
	Magic [4]byte
	Major uint16
	Minor uint16
}

// Record is one (tag, payload) entry in a snapshot body. Unknown tags
// are preserved by readers that don't recognize them (Writer round-
// trips whatever Records it's given) and ignored by readers that do
// recognize the stream but not that particular tag.
type Record struct {
	Tag     uint16
	Payload []byte
}

// Writer accumulates records for one device's save_state() call.
type Writer struct {
	header  Header
	records []Record
}

func NewWriter(magic [4]byte, major, minor uint16) *Writer {
	return &Writer{header: Header{Magic: magic, Major: major, Minor: minor}}
}

// Put appends a record. Payload is copied defensively so the caller's
// buffer may be reused.
func (w *Writer) Put(tag uint16, payload []byte) {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	w.records = append(w.records, Record{Tag: tag, Payload: buf})
}

// PutUint32/PutUint64 are convenience wrappers for the common scalar
// case.
func (w *Writer) PutUint32(tag uint16, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	w.Put(tag, buf[:])
}

func (w *Writer) PutUint64(tag uint16, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	w.Put(tag, buf[:])
}

// Bytes serializes the header followed by every record as
// (tag uint16, len uint32, payload).
func (w *Writer) Bytes() []byte {
	var buf bytes.Buffer
	buf.Write(w.header.Magic[:])
	writeUint16(&buf, w.header.Major)
	writeUint16(&buf, w.header.Minor)

	for _, r := range w.records {
		writeUint16(&buf, r.Tag)
		writeUint32(&buf, uint32(len(r.Payload)))
		buf.Write(r.Payload)
	}
	return buf.Bytes()
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

// ErrDeviceMismatch is returned when a snapshot's magic doesn't match
// the expected device id.
var ErrDeviceMismatch = fmt.Errorf("snapshot: device id mismatch")

// ErrMajorVersionMismatch is returned when a snapshot's major version
// doesn't match what the reader expects.
var ErrMajorVersionMismatch = fmt.Errorf("snapshot: major version mismatch")

// Reader parses a snapshot produced by Writer, exposing each record by
// tag for the device's load_state() to consume in whatever order it
// likes.
type Reader struct {
	Header  Header
	records map[uint16][]byte
	order   []uint16
}

// Load parses data, validating it against the expected device id and
// major version. Unknown tags are retained (ignored by the caller
// unless it asks for them by tag), satisfying "ignore unknown tags."
func Load(data []byte, wantMagic [4]byte, wantMajor uint16) (*Reader, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("snapshot: truncated header (%d bytes)", len(data))
	}
	var hdr Header
	copy(hdr.Magic[:], data[0:4])
	hdr.Major = binary.LittleEndian.Uint16(data[4:6])
	hdr.Minor = binary.LittleEndian.Uint16(data[6:8])

	if hdr.Magic != wantMagic {
		return nil, ErrDeviceMismatch
	}
	if hdr.Major != wantMajor {
		return nil, ErrMajorVersionMismatch
	}

	r := &Reader{Header: hdr, records: make(map[uint16][]byte)}

	cursor := headerSize
	for cursor < len(data) {
		if cursor+6 > len(data) {
			return nil, fmt.Errorf("snapshot: truncated record header at offset %d", cursor)
		}
		tag := binary.LittleEndian.Uint16(data[cursor : cursor+2])
		length := binary.LittleEndian.Uint32(data[cursor+2 : cursor+6])
		cursor += 6
		if uint64(cursor)+uint64(length) > uint64(len(data)) {
			return nil, fmt.Errorf("snapshot: record tag %d length %d overruns stream", tag, length)
		}
		payload := data[cursor : cursor+int(length)]
		cursor += int(length)

		if _, exists := r.records[tag]; !exists {
			r.order = append(r.order, tag)
		}
		r.records[tag] = payload
	}
	return r, nil
}

// Get returns the raw payload for tag, or ok=false if the record is
// absent (a reader on an older-minor-version stream must tolerate
// this).
func (r *Reader) Get(tag uint16) ([]byte, bool) {
	v, ok := r.records[tag]
	return v, ok
}

func (r *Reader) GetUint32(tag uint16) (uint32, bool) {
	v, ok := r.Get(tag)
	if !ok || len(v) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(v), true
}

func (r *Reader) GetUint64(tag uint16) (uint64, bool) {
	v, ok := r.Get(tag)
	if !ok || len(v) < 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(v), true
}

// Tags returns the set of tags present in the stream, in encounter
// order, for devices that want to iterate rather than look up by tag.
func (r *Reader) Tags() []uint16 { return r.order }
