// Package stats implements per-worker local counters and the
// session-wide aggregator they merge into. Each worker accumulates
// its own counters lock-free, since only its own goroutine ever
// touches them, and folds them into the shared Aggregator on a fixed
// interval — after which its local counters reset to zero, so the
// aggregator's running totals are never double-counted.
package stats

import (
	"sync"
	"time"
)

// SyncInterval is how often a worker folds its local counters into
// the session aggregator and, on worker 0, syncs with the server.
const SyncInterval = 100_000 * time.Microsecond

// Counters holds one snapshot of the fields tracked per worker:
// completed fuzz cases, time spent in the reset engine, total wall cycles
// spent in a case (including reset and injection), cycles spent
// actually executing inside the guest, and the number of VM exits
// handled.
type Counters struct {
	FuzzCases   uint64
	ResetCycles uint64
	TotalCycles uint64
	VmCycles    uint64
	VmExits     uint64
}

// Add returns the field-wise sum of c and other.
func (c Counters) Add(other Counters) Counters {
	return Counters{
		FuzzCases:   c.FuzzCases + other.FuzzCases,
		ResetCycles: c.ResetCycles + other.ResetCycles,
		TotalCycles: c.TotalCycles + other.TotalCycles,
		VmCycles:    c.VmCycles + other.VmCycles,
		VmExits:     c.VmExits + other.VmExits,
	}
}

// Sub returns the field-wise difference c - other, used to turn two
// cumulative Aggregator snapshots into the delta a monotonic exporter
// (e.g. Prometheus counters, which only move forward) can Add.
func (c Counters) Sub(other Counters) Counters {
	return Counters{
		FuzzCases:   c.FuzzCases - other.FuzzCases,
		ResetCycles: c.ResetCycles - other.ResetCycles,
		TotalCycles: c.TotalCycles - other.TotalCycles,
		VmCycles:    c.VmCycles - other.VmCycles,
		VmExits:     c.VmExits - other.VmExits,
	}
}

// Local is one worker's own, single-goroutine-owned counters.
type Local struct {
	Counters
}

// Aggregator holds the session-wide running totals every worker's
// Local counters are periodically folded into.
type Aggregator struct {
	mu    sync.Mutex
	total Counters
}

// NewAggregator returns a zeroed session aggregator.
func NewAggregator() *Aggregator { return &Aggregator{} }

// SyncFrom folds l into the aggregator's running totals and resets l
// to zero, returning the delta that was just merged (the reset-to-zero
// "sync_into" semantics: whatever a worker had accumulated since its
// last sync becomes the aggregator's problem, and the worker starts
// counting from scratch).
func (a *Aggregator) SyncFrom(l *Local) Counters {
	delta := l.Counters
	a.mu.Lock()
	a.total = a.total.Add(delta)
	a.mu.Unlock()
	l.Counters = Counters{}
	return delta
}

// Snapshot returns the aggregator's current running totals.
func (a *Aggregator) Snapshot() Counters {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}
