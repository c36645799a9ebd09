package cpuengine

import "sync"

// compileResult is what a finished compile job hands back to the engine
// for installation, regardless of tier.
type compileResult struct {
	key      cacheKey
	block    CompiledBlock
	region   CompiledRegion
	snapshot []PageVersionEntry
	ok       bool
}

// compileQueue is the sink for compile requests: the driver loop must
// never block on a result, and must never enqueue a second request for
// an entry that already has one in flight. Results are drained and installed at the top of the next
// dispatch iteration, mirroring an async JIT worker pool feeding a
// single-threaded VM loop.
type compileQueue struct {
	mu       sync.Mutex
	inFlight map[cacheKey]bool
	results  chan compileResult
}

func newCompileQueue() *compileQueue {
	return &compileQueue{
		inFlight: make(map[cacheKey]bool),
		results:  make(chan compileResult, 256),
	}
}

// submit runs job synchronously on a separate goroutine and sinks its
// result to the results channel; it is a no-op if a request for key is
// already in flight.
func (q *compileQueue) submit(key cacheKey, job func() compileResult) bool {
	q.mu.Lock()
	if q.inFlight[key] {
		q.mu.Unlock()
		return false
	}
	q.inFlight[key] = true
	q.mu.Unlock()

	go func() {
		res := job()
		q.results <- res
	}()
	return true
}

// drain returns every result available without blocking, clearing the
// in-flight marker for each so a later hotness crossing may re-request.
func (q *compileQueue) drain() []compileResult {
	var out []compileResult
	for {
		select {
		case res := <-q.results:
			q.mu.Lock()
			delete(q.inFlight, res.key)
			q.mu.Unlock()
			out = append(out, res)
		default:
			return out
		}
	}
}

func (q *compileQueue) isInFlight(key cacheKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight[key]
}
