package tracker

import "sync"

// Gate emits AllDownloadsComplete once per registry generation when every tracked
// download is terminal.
type Gate struct {
	mu sync.Mutex

	reg  *Registry
	sink Sink

	fired     bool
	firedAtGn uint64
}

// NewGate returns a gate observing reg.
func NewGate(reg *Registry, sink Sink) *Gate {
	if sink == nil {
		sink = discardSink{}
	}

	return &Gate{reg: reg, sink: sink}
}

// Check emits AllDownloadsComplete if needed and reports whether it did.
func (g *Gate) Check() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.reg.Len() == 0 || !g.reg.AllTerminal() {
		return false
	}

	gen := g.reg.Generation()
	if g.fired && g.firedAtGn == gen {
		return false
	}

	g.fired = true
	g.firedAtGn = gen

	completed, failed := g.reg.counts()
	g.sink.Emit(AllDownloadsComplete{Completed: completed, Failed: failed})

	return true
}
