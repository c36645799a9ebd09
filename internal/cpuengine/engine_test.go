package cpuengine

import (
	"fmt"
	"testing"
	"time"
)

// fakeBlock is a trivial CompiledBlock that always continues to the
// same RIP and retires one instruction, marking itself as the source of
// the outcome for assertions.
type fakeBlock struct{ rip uint64 }

func (b *fakeBlock) Execute(rip uint64) Outcome {
	out := ContinueAt(b.rip)
	out.RetiredInstructions = 1
	return out
}
func (b *fakeBlock) SizeBytes() int { return 64 }

type fakeRegion struct {
	rip     uint64
	deoptAt int
	execCnt *int
	deopted bool
}

func (r *fakeRegion) Execute(rip uint64) Outcome {
	*r.execCnt++
	if r.deoptAt > 0 && *r.execCnt == r.deoptAt && !r.deopted {
		r.deopted = true
		return DeoptAt(r.rip)
	}
	out := ContinueAt(r.rip)
	out.RetiredInstructions = 1
	return out
}
func (r *fakeRegion) SizeBytes() int { return 256 }

// fakeSource is a BlockSource that loops on a single RIP forever via
// the interpreter, and compiles both tiers as simple self-looping blobs.
type fakeSource struct {
	engine       *Engine
	tier2ExecCnt int
	tier2DeoptAt int
}

func (s *fakeSource) Interpret(rip uint64) Outcome {
	out := ContinueAt(rip)
	out.RetiredInstructions = 1
	return out
}

func (s *fakeSource) CompileTier1(rip uint64) (CompiledBlock, []PageVersionEntry, error) {
	snap := s.engine.SnapshotPages([]uint64{rip >> pageShift})
	return &fakeBlock{rip: rip}, snap, nil
}

func (s *fakeSource) CompileTier2(rip uint64, prof BlockProfile) (CompiledRegion, []PageVersionEntry, error) {
	snap := s.engine.SnapshotPages([]uint64{rip >> pageShift})
	return &fakeRegion{rip: rip, deoptAt: s.tier2DeoptAt, execCnt: &s.tier2ExecCnt}, snap, nil
}

// pumpUntil repeatedly steps the engine at rip (driving drainCompiles,
// which only runs inside Step) until cond is satisfied or timeout
// elapses.
func pumpUntil(t *testing.T, e *Engine, rip uint64, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		e.Step(rip)
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

func TestTier1PromotedAndExecuted(t *testing.T) {
	src := &fakeSource{}
	cfg := DefaultConfig()
	cfg.Tier1Threshold = 2
	cfg.Tier2Threshold = 1_000_000
	e := NewEngine(src, cfg)
	src.engine = e

	for i := 0; i < 3; i++ {
		e.Step(0x1000)
	}

	pumpUntil(t, e, 0x1000, time.Second, func() bool {
		return e.Stats().Tier1BlocksCompiled > 0
	})

	e.Step(0x1000)
	if e.Stats().CacheHits == 0 {
		t.Fatalf("expected a Tier-1 cache hit after compile landed")
	}
}

func TestTier2PriorityAndDeopt(t *testing.T) {
	src := &fakeSource{tier2DeoptAt: 2}
	cfg := DefaultConfig()
	cfg.Tier1Threshold = 1
	cfg.Tier2Threshold = 1
	e := NewEngine(src, cfg)
	src.engine = e

	e.Step(0x2000)

	pumpUntil(t, e, 0x2000, time.Second, func() bool {
		return e.Stats().Tier2RegionsCompiled > 0
	})

	e.Step(0x2000) // tier2 exec #1
	e.Step(0x2000) // tier2 exec #2 -> deopt

	if e.Stats().Tier2DeoptCount == 0 {
		t.Fatalf("expected a tier2 deopt")
	}
	if _, ok := e.cache.lookup(0x2000, Tier2); ok {
		t.Fatalf("deopt should have evicted the tier2 region")
	}
}

func TestOnGuestWriteInvalidatesAndRecompiles(t *testing.T) {
	src := &fakeSource{}
	cfg := DefaultConfig()
	cfg.Tier1Threshold = 1
	cfg.Tier2Threshold = 1_000_000
	e := NewEngine(src, cfg)
	src.engine = e

	e.Step(0x6000)
	pumpUntil(t, e, 0x6000, time.Second, func() bool { return e.CacheLen() > 0 })

	e.OnGuestWrite(0x6000, 1)
	if _, ok := e.cache.lookup(0x6000, Tier1); ok {
		t.Fatalf("on_guest_write should have evicted the block covering the written page")
	}
}

func TestResetClearsCacheAndHotness(t *testing.T) {
	src := &fakeSource{}
	cfg := DefaultConfig()
	cfg.Tier1Threshold = 1
	e := NewEngine(src, cfg)
	src.engine = e

	e.Step(0x3000)
	pumpUntil(t, e, 0x3000, time.Second, func() bool { return e.CacheLen() > 0 })

	e.Reset()
	if e.CacheLen() != 0 {
		t.Fatalf("cache_len = %d, want 0 after reset", e.CacheLen())
	}
	if e.HotnessLen() != 0 {
		t.Fatalf("hotness length = %d, want 0 after reset", e.HotnessLen())
	}
}

func TestHotnessBoundedByLRU(t *testing.T) {
	src := &fakeSource{}
	cfg := DefaultConfig()
	cfg.CodeCacheBlockCapacity = 4 // hotness capacity = 8
	cfg.Tier1Threshold = 1_000_000
	cfg.Tier2Threshold = 1_000_000
	e := NewEngine(src, cfg)
	src.engine = e

	for i := 0; i < 20; i++ {
		e.Step(uint64(i))
	}
	if e.HotnessLen() > 8 {
		t.Fatalf("hotness length = %d, want <= 8", e.HotnessLen())
	}
}

func TestRunReturnsValue(t *testing.T) {
	retAt := uint64(0x9000)
	src := &returningSource{retAt: retAt}
	e := NewEngine(src, DefaultConfig())
	got := Run(e, 0x8000, 100, nil)
	if got != 0xABCD {
		t.Fatalf("Run returned %#x, want 0xABCD", got)
	}
}

type returningSource struct{ retAt uint64 }

func (s *returningSource) Interpret(rip uint64) Outcome {
	if rip == s.retAt {
		return ReturnValue(0xABCD)
	}
	out := ContinueAt(s.retAt)
	out.RetiredInstructions = 1
	return out
}
func (s *returningSource) CompileTier1(rip uint64) (CompiledBlock, []PageVersionEntry, error) {
	return nil, nil, fmt.Errorf("not compiled in this test")
}
func (s *returningSource) CompileTier2(rip uint64, prof BlockProfile) (CompiledRegion, []PageVersionEntry, error) {
	return nil, nil, fmt.Errorf("not compiled in this test")
}
