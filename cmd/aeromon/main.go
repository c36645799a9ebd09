// Command aeromon runs a machine against a synthetic guest workload
// and renders a live status view of the core: JIT tier activity, code
// cache occupancy, ring fences, and USB frame progress. Useful for
// eyeballing tier promotion and fence pacing without a real guest.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	aerocore "github.com/aerovm/aerocore"
	"github.com/aerovm/aerocore/internal/config"
	"github.com/aerovm/aerocore/internal/cpuengine"
)

// loopSource is a synthetic guest: a handful of blocks that jump in a
// cycle, hot enough to cross both compile thresholds.
type loopSource struct {
	blocks uint64
}

func (s *loopSource) Interpret(rip uint64) cpuengine.Outcome {
	next := (rip + 0x40) % (s.blocks * 0x40)
	return cpuengine.Outcome{Kind: cpuengine.Continue, NextRIP: next, RetiredInstructions: 8, Committed: true}
}

type loopBlock struct{ s *loopSource }

func (b loopBlock) Execute(rip uint64) cpuengine.Outcome { return b.s.Interpret(rip) }

func (b loopBlock) SizeBytes() int { return 64 }

func (s *loopSource) CompileTier1(rip uint64) (cpuengine.CompiledBlock, []cpuengine.PageVersionEntry, error) {
	return loopBlock{s: s}, []cpuengine.PageVersionEntry{{Page: rip >> 12}}, nil
}

func (s *loopSource) CompileTier2(rip uint64, prof cpuengine.BlockProfile) (cpuengine.CompiledRegion, []cpuengine.PageVersionEntry, error) {
	return loopBlock{s: s}, []cpuengine.PageVersionEntry{{Page: rip >> 12}}, nil
}

func main() {
	configPath := flag.String("config", config.DefaultFilename, "machine config file")
	interval := flag.Duration("interval", 250*time.Millisecond, "refresh interval")
	flag.Parse()

	cfg := config.Default()
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("aeromon: %v", err)
		}
		cfg = loaded
	}

	source := &loopSource{blocks: 16}
	m, err := aerocore.NewMachine(cfg, source, nil, nil)
	if err != nil {
		log.Fatalf("aeromon: %v", err)
	}

	// Warm the workload past both tier thresholds before the live view
	// starts, so the first frame already shows compiled code.
	warm := int(cfg.JIT.Tier2Threshold) * 2
	pb := progressbar.Default(int64(warm), "warming")
	rip := uint64(0)
	for i := 0; i < warm; i++ {
		out := m.CPU().Step(rip)
		rip = out.NextRIP
		pb.Add(1)
	}
	pb.Close()

	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		log.Fatalf("aeromon: raw mode: %v", err)
	}
	defer term.Restore(int(os.Stdin.Fd()), oldState)

	quit := make(chan struct{})
	go func() {
		buf := make([]byte, 1)
		for {
			if _, err := os.Stdin.Read(buf); err != nil || buf[0] == 'q' || buf[0] == 3 {
				close(quit)
				return
			}
		}
	}()

	fmt.Print(ansi.EraseDisplay(2))
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			fmt.Print(ansi.EraseDisplay(2), ansi.CursorPosition(1, 1))
			return
		case <-ticker.C:
		}

		// Advance the machine: a burst of CPU steps plus one vblank
		// and one USB frame per refresh.
		for i := 0; i < 1024; i++ {
			out := m.CPU().Step(rip)
			rip = out.NextRIP
		}
		m.TickVblank()
		m.TickUSBFrame()

		render(m, rip)
	}
}

func render(m *aerocore.Machine, rip uint64) {
	stats := m.CPU().Stats()
	gpu := m.GPU().Regs()

	fmt.Print(ansi.CursorPosition(1, 1))
	line := func(format string, args ...any) {
		fmt.Printf(format, args...)
		fmt.Print(ansi.EraseLine(0), "\r\n")
	}

	line("aerocore monitor — q to quit")
	line("")
	line("cpu   rip=%#x  cache=%d blocks  hotness=%d entries", rip, m.CPU().CacheLen(), m.CPU().HotnessLen())
	line("jit   t1=%d t2=%d  hits=%d misses=%d  deopt=%d stale=%d",
		stats.Tier1BlocksCompiled, stats.Tier2RegionsCompiled,
		stats.CacheHits, stats.CacheMisses,
		stats.Tier2DeoptCount, stats.InstallRejectedStale)
	line("gpu   fence=%d  vblank=%d  irq=%v  malformed=%d",
		gpu.Interrupts.FenceCompleted, gpu.Vblank.Seq,
		m.Interrupts().Level(aerocore.GSIGPU), m.GPU().MalformedSubmissions())
	line("nvme  fence=%d  malformed=%d",
		m.NVMe().Regs().Interrupts.FenceCompleted, m.NVMe().MalformedSubmissions())
	line("usb   frame=%d  status=%#x  pending=%d",
		m.UHCI().FrameIndex(), m.UHCI().Status(), m.Passthrough().PendingCount())
}
