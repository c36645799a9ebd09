package cpuengine

import (
	"github.com/aerovm/aerocore/internal/debug"
)

// Config is the tiered engine's tuning knobs.
type Config struct {
	Tier1Threshold uint64
	Tier2Threshold uint64

	CodeCacheBlockCapacity int
	CodeCacheByteCapacity  int
	CodeVersionMaxPages    int
}

func DefaultConfig() Config {
	return Config{
		Tier1Threshold:         10,
		Tier2Threshold:         1000,
		CodeCacheBlockCapacity: 4096,
		CodeCacheByteCapacity:  256 * 1024 * 1024,
		CodeVersionMaxPages:    4096,
	}
}

// EngineStats is the observable counter set: per-tier compile counts,
// cache hit/miss traffic, and the install-rejection, deopt, and
// guard-fail events the invalidation machinery produces.
type EngineStats struct {
	Tier1BlocksCompiled   int
	Tier2RegionsCompiled  int
	Tier2ExecCount        uint64
	Tier2DeoptCount       uint64
	GuardFailCount        uint64
	InstallRejectedStale  int
	CacheHits             uint64
	CacheMisses           uint64
	MalformedCompileSkips int
}

// BlockProfile is the read-only hotness view a Tier-2 compiler is given
// to decide which branches/calls are worth specializing on.
type BlockProfile struct {
	ExecCount uint64
}

// BlockSource supplies the guest-ISA-specific behavior the engine
// dispatches: interpreting a block, and (when requested) compiling it
// at Tier-1 or Tier-2. CompileTier1/CompileTier2 run on a worker
// goroutine and must not touch engine state directly; they return the
// compiled artifact plus the page-version snapshot it depends on.
type BlockSource interface {
	Interpret(rip uint64) Outcome
	CompileTier1(rip uint64) (CompiledBlock, []PageVersionEntry, error)
	CompileTier2(rip uint64, prof BlockProfile) (CompiledRegion, []PageVersionEntry, error)
}

// Engine is the tiered dispatcher: hotness profile, code cache, page
// versioning, an async compile queue, and block-boundary interrupt
// delivery.
type Engine struct {
	config Config
	source BlockSource

	hotness  *hotnessProfile
	cache    *codeCache
	versions *pageVersions
	queue    *compileQueue

	interrupts interruptState
	stats      EngineStats

	trace debug.Debug
}

func NewEngine(source BlockSource, config Config) *Engine {
	versions := newPageVersions(config.CodeVersionMaxPages)
	return &Engine{
		config:     config,
		source:     source,
		hotness:    newHotnessProfile(config.CodeCacheBlockCapacity),
		cache:      newCodeCache(config.CodeCacheBlockCapacity, config.CodeCacheByteCapacity, versions),
		versions:   versions,
		queue:      newCompileQueue(),
		interrupts: interruptState{enabled: true},
		trace:      debug.WithSource("cpuengine"),
	}
}

func (e *Engine) Stats() EngineStats { return e.stats }

// RaiseInterrupt increments pending_interrupt_count.
func (e *Engine) RaiseInterrupt() { e.interrupts.raise() }

// SetInterruptsEnabled mirrors writes to the IF-equivalent flag.
func (e *Engine) SetInterruptsEnabled(enabled bool) { e.interrupts.setEnabled(enabled) }

// drainCompiles installs any compile results that finished since the
// last call, applying the stale-install guard.
func (e *Engine) drainCompiles() {
	for _, res := range e.queue.drain() {
		if !res.ok {
			e.stats.MalformedCompileSkips++
			continue
		}
		if e.cache.install(res.key, res.block, res.region, res.snapshot) {
			if res.key.tier == Tier1 {
				e.stats.Tier1BlocksCompiled++
			} else {
				e.stats.Tier2RegionsCompiled++
			}
			e.trace.Writef("install tier=%d rip=%#x", res.key.tier, res.key.rip)
		} else {
			e.stats.InstallRejectedStale++
			e.trace.Writef("install_rejected_stale tier=%d rip=%#x", res.key.tier, res.key.rip)
			// A fresh compile request is emitted for the now-current version.
			e.requestCompile(res.key.tier, res.key.rip)
		}
	}
}

func (e *Engine) requestCompile(tier Tier, rip uint64) {
	key := cacheKey{rip, tier}
	switch tier {
	case Tier1:
		e.queue.submit(key, func() compileResult {
			blk, snap, err := e.source.CompileTier1(rip)
			if err != nil {
				return compileResult{key: key, ok: false}
			}
			return compileResult{key: key, block: blk, snapshot: snap, ok: true}
		})
	case Tier2:
		prof := BlockProfile{}
		if he, ok := e.hotness.entries[rip]; ok {
			prof.ExecCount = he.count
		}
		e.queue.submit(key, func() compileResult {
			reg, snap, err := e.source.CompileTier2(rip, prof)
			if err != nil {
				return compileResult{key: key, ok: false}
			}
			return compileResult{key: key, region: reg, snapshot: snap, ok: true}
		})
	}
}

// Step runs exactly one dispatch iteration: tier lookup, execution,
// hotness recording, and threshold-triggered compile requests. Interrupt
// delivery at the resulting block boundary is the caller's
// responsibility via MaybeDeliverInterrupt, so the embedder's driver
// loop decides where deliveries land relative to execution.
func (e *Engine) Step(rip uint64) Outcome {
	e.drainCompiles()

	he := e.hotness.recordEntry(rip)

	if he.count >= e.config.Tier1Threshold && !he.tier1Requested {
		he.tier1Requested = true
		e.requestCompile(Tier1, rip)
	}
	if he.count >= e.config.Tier2Threshold && !he.tier2Requested {
		he.tier2Requested = true
		e.requestCompile(Tier2, rip)
	}

	// Tier-2 has priority.
	if entry, ok := e.cache.lookup(rip, Tier2); ok {
		e.stats.CacheHits++
		e.stats.Tier2ExecCount++
		out := entry.execute(rip)
		e.afterExecute(out)
		if out.Kind == Deopt {
			e.cache.invalidate(rip, Tier2)
			e.stats.Tier2DeoptCount++
			e.trace.Writef("deopt rip=%#x next=%#x", rip, out.NextRIP)
		} else if out.Kind == GuardFailed {
			e.stats.GuardFailCount++
		}
		return out
	}

	if entry, ok := e.cache.lookup(rip, Tier1); ok {
		e.stats.CacheHits++
		out := entry.execute(rip)
		e.afterExecute(out)
		return out
	}

	e.stats.CacheMisses++
	out := e.source.Interpret(rip)
	e.afterExecute(out)
	return out
}

func (e *Engine) afterExecute(out Outcome) {
	e.interrupts.retire(out.RetiredInstructions)
	if out.InhibitInterruptsAfter {
		e.interrupts.inhibit()
	}
}

// MaybeDeliverInterrupt checks the block-boundary delivery condition
// (pending>0, enabled, shadow==0) and, if it holds, consumes one
// pending interrupt and reports true. The caller is responsible for
// actually vectoring into the guest's handler.
func (e *Engine) MaybeDeliverInterrupt() bool {
	return e.interrupts.mayDeliver()
}

// OnGuestWrite bumps the version of every physical page covered by
// [paddr, paddr+n) and evicts every cached block whose snapshot
// includes one of them, emitting a recompile request for each.
func (e *Engine) OnGuestWrite(paddr uint64, n int) {
	pages := e.versions.bump(paddr, n)
	if len(pages) == 0 {
		return
	}
	evicted := e.cache.invalidatePages(pages)
	for _, key := range evicted {
		e.trace.Writef("invalidate tier=%d rip=%#x on_guest_write", key.tier, key.rip)
		if he, ok := e.hotness.entries[key.rip]; ok {
			if key.tier == Tier1 {
				he.tier1Requested = false
			} else {
				he.tier2Requested = false
			}
		}
		e.requestCompile(key.tier, key.rip)
	}
}

// SnapshotPages records the current version of every page a compiled
// blob depends on; called by BlockSource implementations while
// compiling, before handing the result back through the queue.
func (e *Engine) SnapshotPages(pages []uint64) []PageVersionEntry {
	snap := make([]PageVersionEntry, len(pages))
	for i, p := range pages {
		snap[i] = PageVersionEntry{Page: p, Version: e.versions.snapshot(p)}
	}
	return snap
}

func (e *Engine) CacheLen() int { return e.cache.len() }

func (e *Engine) HotnessLen() int { return e.hotness.len() }

// Reset implements the JIT runtime's reset(): cache_len = 0 and
// hotness = 0 for every entry.
func (e *Engine) Reset() {
	e.cache.reset()
	e.hotness.reset()
	e.interrupts.reset()
	e.stats = EngineStats{}
}
