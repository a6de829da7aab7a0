package capture

import "sync"

// gateState tags a fallback mechanism as enabled or disabled.
type gateState int

const (
	gateEnabled gateState = iota
	gateDisabled
)

// gate tracks repeated failures of one capture mechanism and flips it off
// permanently once the threshold is crossed, so a broken trigger path cannot
// cascade errors. Successes reset the count while still enabled.
type gate struct {
	mu       sync.Mutex
	state    gateState
	failures int
	limit    int
}

func newGate(limit int) *gate {
	return &gate{limit: limit}
}

func (g *gate) enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == gateEnabled
}

// recordFailure counts one failure and reports whether the gate just
// disabled itself.
func (g *gate) recordFailure() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == gateDisabled {
		return false
	}
	g.failures++
	if g.failures >= g.limit {
		g.state = gateDisabled
		return true
	}
	return false
}

func (g *gate) recordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == gateEnabled {
		g.failures = 0
	}
}

func (g *gate) failureCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures
}
