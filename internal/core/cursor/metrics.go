package cursor

import (
	"time"
)

const maxTransitions = 10

// advance is one applied batch as seen by the cursor.
type advance struct {
	block uint64
	at    time.Time
}

// Metrics summarizes how a chain's cursor has been moving.
type Metrics struct {
	// BlocksPerSecond is the block throughput over the sampled batches.
	BlocksPerSecond float64
	// BatchInterval is the mean time between two applied batches.
	BatchInterval time.Duration
	LastAdvanceAt *time.Time
	LastHaltAt    *time.Time
	LastHalt      string
	StateHistory  []Transition
}

// MetricsCollector keeps a sliding window of cursor advances. Callers
// serialize access.
type MetricsCollector struct {
	windowSize  int
	advances    []advance
	transitions []Transition
	lastHaltAt  *time.Time
	lastHalt    string
}

// RecordAdvance records that the cursor reached block at the given time.
// A batch spans many blocks, so throughput is measured by block delta.
func (mc *MetricsCollector) RecordAdvance(block uint64, at time.Time) {
	a := advance{block: block, at: at}
	if len(mc.advances) < mc.windowSize {
		mc.advances = append(mc.advances, a)
		return
	}
	copy(mc.advances, mc.advances[1:])
	mc.advances[len(mc.advances)-1] = a
}

// RecordTransition records a state transition.
func (mc *MetricsCollector) RecordTransition(t Transition) {
	if len(mc.transitions) >= maxTransitions {
		copy(mc.transitions, mc.transitions[1:])
		mc.transitions[len(mc.transitions)-1] = t
	} else {
		mc.transitions = append(mc.transitions, t)
	}

	if t.To == StateHalted {
		at := t.Timestamp
		mc.lastHaltAt = &at
		mc.lastHalt = t.Reason
	}
}

// GetMetrics returns a snapshot.
func (mc *MetricsCollector) GetMetrics() Metrics {
	m := Metrics{
		LastHaltAt:   mc.lastHaltAt,
		LastHalt:     mc.lastHalt,
		StateHistory: append([]Transition(nil), mc.transitions...),
	}
	n := len(mc.advances)
	if n == 0 {
		return m
	}

	last := mc.advances[n-1]
	at := last.at
	m.LastAdvanceAt = &at

	if n >= 2 {
		first := mc.advances[0]
		elapsed := last.at.Sub(first.at)
		if elapsed > 0 && last.block > first.block {
			m.BlocksPerSecond = float64(last.block-first.block) / elapsed.Seconds()
			m.BatchInterval = elapsed / time.Duration(n-1)
		}
	}
	return m
}

// Reset clears all collected metrics.
func (mc *MetricsCollector) Reset() {
	mc.advances = mc.advances[:0]
	mc.transitions = mc.transitions[:0]
	mc.lastHaltAt = nil
	mc.lastHalt = ""
}
