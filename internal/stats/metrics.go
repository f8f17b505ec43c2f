package stats

import "github.com/prometheus/client_golang/prometheus"

// Exporter publishes the session aggregator's counters as Prometheus
// counters, registered once and advanced with Add on each Observe.
type Exporter struct {
	fuzzCases   prometheus.Counter
	resetCycles prometheus.Counter
	totalCycles prometheus.Counter
	vmCycles    prometheus.Counter
	vmExits     prometheus.Counter
}

// NewExporter creates an Exporter and registers its metrics with reg.
func NewExporter(reg prometheus.Registerer) *Exporter {
	e := &Exporter{
		fuzzCases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapfuzz_fuzz_cases_total",
			Help: "Total fuzz cases completed across all workers.",
		}),
		resetCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapfuzz_reset_cycles_total",
			Help: "Total cycles spent in the reset engine.",
		}),
		totalCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapfuzz_case_cycles_total",
			Help: "Total cycles spent per fuzz case, including reset and injection.",
		}),
		vmCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapfuzz_vm_cycles_total",
			Help: "Total cycles spent executing inside the guest.",
		}),
		vmExits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapfuzz_vm_exits_total",
			Help: "Total VM exits handled across all workers.",
		}),
	}
	reg.MustRegister(e.fuzzCases, e.resetCycles, e.totalCycles, e.vmCycles, e.vmExits)
	return e
}

// Observe adds a delta to the exported counters. Callers pass a delta,
// such as the difference of two Aggregator.Snapshot results, not the
// running total, since prometheus.Counter only ever moves forward by Add.
func (e *Exporter) Observe(delta Counters) {
	e.fuzzCases.Add(float64(delta.FuzzCases))
	e.resetCycles.Add(float64(delta.ResetCycles))
	e.totalCycles.Add(float64(delta.TotalCycles))
	e.vmCycles.Add(float64(delta.VmCycles))
	e.vmExits.Add(float64(delta.VmExits))
}
