package cpuengine

// Deliver is invoked when MaybeDeliverInterrupt reports a pending
// interrupt may fire at the current block boundary; it returns the RIP
// execution should resume at (typically the guest's ISR entry).
type Deliver func(atRIP uint64) uint64

// Run drives the engine's single dispatch loop starting at entry,
// returning the eventual Return value. maxSteps bounds iterations
// (0 means unbounded) so embedders and tests can cap runaway guest code.
func Run(e *Engine, entry uint64, maxSteps int, deliver Deliver) uint64 {
	rip := entry
	steps := 0
	for {
		out := e.Step(rip)
		switch out.Kind {
		case Return:
			return out.ReturnValue
		case Continue, ExitToInterpreter, Deopt, GuardFailed:
			rip = out.NextRIP
		}

		if e.MaybeDeliverInterrupt() && deliver != nil {
			rip = deliver(rip)
		}

		steps++
		if maxSteps > 0 && steps >= maxSteps {
			return 0
		}
	}
}
