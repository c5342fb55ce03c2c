package snapshot

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Operations *prometheus.CounterVec
	Skipped    prometheus.Counter
}

// NewMetrics creates the pipeline counters and registers them with reg. A
// nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trackx",
			Subsystem: "snapshots",
			Name:      "operations_total",
			Help:      "Snapshot pipeline operations by kind and outcome.",
		}, []string{"op", "result"}),
		Skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trackx",
			Subsystem: "snapshots",
			Name:      "skipped_total",
			Help:      "Captured items dropped because their order matched no location.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Operations, m.Skipped)
	}
	return m
}
