// Package debug is a low-overhead binary trace logger. The CPU engine
// uses it to record JIT lifecycle events (compile installs, stale
// rejections, invalidations, deopts); when no sink is open every write
// is a cheap no-op, so tracing can stay compiled into hot paths.
//
// Each record is framed as:
//   - 2 bytes kind (0 = invalid, 1 = bytes, 2 = string)
//   - 2 bytes source length
//   - 4 bytes message length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - source bytes, then message bytes
package debug

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

type Kind uint16

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
)

var (
	mu   sync.Mutex
	sink io.WriteCloser
)

// OpenFile starts tracing to filename, truncating any previous run's
// log so stale trailing entries never survive a restart.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	Open(f)
	return nil
}

// Open starts tracing to w. Opening while a sink is already installed
// replaces it without closing it (the caller owns the old writer).
func Open(w io.WriteCloser) {
	mu.Lock()
	defer mu.Unlock()
	sink = w
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if sink == nil {
		return nil
	}
	err := sink.Close()
	sink = nil
	return err
}

func writeRecord(kind Kind, source string, data []byte) {
	mu.Lock()
	defer mu.Unlock()
	if sink == nil {
		return
	}

	var header [16]byte
	binary.LittleEndian.PutUint16(header[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(header[8:16], uint64(time.Now().UnixNano()))

	// A partially written record corrupts the stream for readers, but
	// tracing must never take the emulator down; drop the sink instead.
	if _, err := sink.Write(header[:]); err != nil {
		sink = nil
		return
	}
	if _, err := sink.Write([]byte(source)); err != nil {
		sink = nil
		return
	}
	if _, err := sink.Write(data); err != nil {
		sink = nil
	}
}

func WriteBytes(source string, data []byte) { writeRecord(KindBytes, source, data) }

func Write(source string, data string) { writeRecord(KindString, source, []byte(data)) }

func Writef(source string, format string, args ...any) {
	writeRecord(KindString, source, fmt.Appendf(nil, format, args...))
}

// Debug is a source-bound handle, so a subsystem can tag every record
// it emits without repeating its name.
type Debug interface {
	WriteBytes(data []byte)
	Write(data string)
	Writef(format string, args ...any)
}

type debugImpl struct {
	source string
}

func (d *debugImpl) WriteBytes(data []byte) { writeRecord(KindBytes, d.source, data) }
func (d *debugImpl) Write(data string)      { writeRecord(KindString, d.source, []byte(data)) }
func (d *debugImpl) Writef(format string, args ...any) {
	writeRecord(KindString, d.source, fmt.Appendf(nil, format, args...))
}

func WithSource(source string) Debug {
	return &debugImpl{source: source}
}

// Each replays every record in a trace stream in write order.
func Each(r io.Reader, fn func(ts time.Time, kind Kind, source string, data []byte) error) error {
	br := bufio.NewReader(r)
	var header [16]byte
	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("debug: read header: %w", err)
		}
		kind := Kind(binary.LittleEndian.Uint16(header[0:2]))
		if kind == KindInvalid {
			return fmt.Errorf("debug: invalid record kind")
		}
		sourceLen := binary.LittleEndian.Uint16(header[2:4])
		dataLen := binary.LittleEndian.Uint32(header[4:8])
		ts := time.Unix(0, int64(binary.LittleEndian.Uint64(header[8:16])))

		buf := make([]byte, int(sourceLen)+int(dataLen))
		if _, err := io.ReadFull(br, buf); err != nil {
			return fmt.Errorf("debug: read record body: %w", err)
		}
		if err := fn(ts, kind, string(buf[:sourceLen]), buf[sourceLen:]); err != nil {
			return err
		}
	}
}
