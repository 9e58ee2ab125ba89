package chain

import (
	"sync"

	"github.com/time-coin/timecoin/pkg/types"
)

// ReorgMetricRingSize bounds how many reorg events are retained for
// introspection.
const ReorgMetricRingSize = 100

// ReorgMetric records one completed (or refused) reorganization attempt.
type ReorgMetric struct {
	Timestamp      int64      `json:"timestamp"`
	FromHeight     uint64     `json:"from_height"`
	ToHeight       uint64     `json:"to_height"`
	CommonAncestor uint64     `json:"common_ancestor"`
	NewTipHash     types.Hash `json:"new_tip_hash"`
	BlocksRemoved  uint64     `json:"blocks_removed"`
	BlocksAdded    uint64     `json:"blocks_added"`
	TxsToReplay    int        `json:"txs_to_replay"`
	DurationMS     int64      `json:"duration_ms"`
	Refused        bool       `json:"refused"`
	RefuseReason   string     `json:"refuse_reason,omitempty"`
}

// ReorgMetrics is a bounded ring buffer of the most recent reorg events.
type ReorgMetrics struct {
	mu     sync.Mutex
	events []ReorgMetric
	next   int
	full   bool
}

// NewReorgMetrics creates an empty metrics ring.
func NewReorgMetrics() *ReorgMetrics {
	return &ReorgMetrics{events: make([]ReorgMetric, ReorgMetricRingSize)}
}

// Record appends a metric entry, overwriting the oldest once the ring fills.
func (m *ReorgMetrics) Record(ev ReorgMetric) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[m.next] = ev
	m.next = (m.next + 1) % ReorgMetricRingSize
	if m.next == 0 {
		m.full = true
	}
}

// Recent returns the recorded events, oldest first.
func (m *ReorgMetrics) Recent() []ReorgMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.full {
		out := make([]ReorgMetric, m.next)
		copy(out, m.events[:m.next])
		return out
	}
	out := make([]ReorgMetric, ReorgMetricRingSize)
	copy(out, m.events[m.next:])
	copy(out[ReorgMetricRingSize-m.next:], m.events[:m.next])
	return out
}
