package callback

import (
	"fmt"
	"sync"
)

// FirstEventPolicy decides how the first reading for a port is treated.
type FirstEventPolicy string

const (
	// PolicyBaseline records the first reading without charging it. Traffic
	// counted before this process started is not billed twice.
	PolicyBaseline FirstEventPolicy = "baseline"

	// PolicyCount charges the first reading in full.
	PolicyCount FirstEventPolicy = "count"
)

// ParseFirstEventPolicy validates a configured policy name.
func ParseFirstEventPolicy(s string) (FirstEventPolicy, error) {
	switch FirstEventPolicy(s) {
	case PolicyBaseline, "":
		return PolicyBaseline, nil
	case PolicyCount:
		return PolicyCount, nil
	default:
		return "", fmt.Errorf("unknown first event policy %q", s)
	}
}

type counterState struct {
	in  int64
	out int64
}

// CounterTracker turns the engine's cumulative counters into deltas. State
// is per source port and local to this process.
type CounterTracker struct {
	policy FirstEventPolicy

	mu   sync.Mutex
	last map[int]counterState
}

// NewCounterTracker creates a tracker.
func NewCounterTracker(policy FirstEventPolicy) *CounterTracker {
	if policy == "" {
		policy = PolicyBaseline
	}
	return &CounterTracker{policy: policy, last: make(map[int]counterState)}
}

// Delta records the cumulative readings for port and returns how much each
// direction grew. A reading below the previous one means the engine's
// counter restarted: the new reading itself is the delta, the direction's
// baseline drops to zero and reset reports the rollback.
func (t *CounterTracker) Delta(port int, in, out int64) (deltaIn, deltaOut int64, reset bool) {
	if in < 0 {
		in = 0
	}
	if out < 0 {
		out = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	prev, seen := t.last[port]
	if !seen {
		t.last[port] = counterState{in: in, out: out}
		if t.policy == PolicyCount {
			return in, out, false
		}
		return 0, 0, false
	}

	var next counterState
	var r1, r2 bool
	deltaIn, next.in, r1 = directionDelta(prev.in, in)
	deltaOut, next.out, r2 = directionDelta(prev.out, out)
	t.last[port] = next
	return deltaIn, deltaOut, r1 || r2
}

// directionDelta returns the growth from last to now and the baseline to
// keep. After a rollback the baseline restarts at zero, so the reading that
// revealed the rollback and every later one are counted from zero.
func directionDelta(last, now int64) (delta, baseline int64, rolledBack bool) {
	if now < last {
		return now, 0, true
	}
	return now - last, now, false
}

// Reset forgets the readings for ports. The next reading for each is a
// first event again.
func (t *CounterTracker) Reset(ports ...int) {
	t.mu.Lock()
	for _, p := range ports {
		delete(t.last, p)
	}
	t.mu.Unlock()
}

// ResetAll forgets every reading.
func (t *CounterTracker) ResetAll() {
	t.mu.Lock()
	t.last = make(map[int]counterState)
	t.mu.Unlock()
}

// Len returns the number of tracked ports.
func (t *CounterTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.last)
}
