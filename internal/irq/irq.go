// Package irq carries device interrupt lines to the CPU without giving
// any device ownership of the interrupt controller: the controller owns
// a map from GSI to level, devices hold a Line handle (a GSI number
// plus a reference back here) and set levels through it.
package irq

// Sink receives rising edges from the controller. The CPU engine's
// RaiseInterrupt is the production sink; tests substitute a recorder.
type Sink interface {
	InterruptRaised(gsi uint32)
}

type noopSink struct{}

func (noopSink) InterruptRaised(uint32) {}

// Controller tracks the level of every allocated line and forwards
// rising edges to its sink. Set(true) on a line that is already high
// delivers nothing; only a false→true transition reaches the sink.
type Controller struct {
	sink   Sink
	levels map[uint32]bool
}

func NewController(sink Sink) *Controller {
	if sink == nil {
		sink = noopSink{}
	}
	return &Controller{sink: sink, levels: make(map[uint32]bool)}
}

// AllocateLine returns the handle a device stores for the given GSI.
// Allocating the same GSI twice returns handles that share one level;
// the last Set wins, matching two functions wired to one shared INTx
// line only when they genuinely share it.
func (c *Controller) AllocateLine(gsi uint32) *Line {
	if _, ok := c.levels[gsi]; !ok {
		c.levels[gsi] = false
	}
	return &Line{owner: c, gsi: gsi}
}

// Level reports the current level of a line; lines never allocated
// read as deasserted.
func (c *Controller) Level(gsi uint32) bool { return c.levels[gsi] }

func (c *Controller) set(gsi uint32, level bool) {
	prev := c.levels[gsi]
	c.levels[gsi] = level
	if level && !prev {
		c.sink.InterruptRaised(gsi)
	}
}

// Line is the weak handle a device keeps: it can change its own line's
// level and nothing else.
type Line struct {
	owner *Controller
	gsi   uint32
}

func (l *Line) GSI() uint32 { return l.gsi }

// Set drives the line to the given level. A false→true transition is
// delivered to the sink as one edge; holding the line high is not.
func (l *Line) Set(level bool) { l.owner.set(l.gsi, level) }
