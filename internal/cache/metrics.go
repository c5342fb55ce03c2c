package cache

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts cache activity per dataset key.
type Metrics struct {
	Hits        *prometheus.CounterVec
	Misses      *prometheus.CounterVec
	Fetches     *prometheus.CounterVec
	FetchErrors *prometheus.CounterVec
}

// NewMetrics creates the cache counters and registers them with reg. A nil
// reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trackx",
			Subsystem: "points_cache",
			Name:      "hits_total",
			Help:      "Cache hits by dataset and tier (memory or durable).",
		}, []string{"dataset", "tier"}),
		Misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trackx",
			Subsystem: "points_cache",
			Name:      "misses_total",
			Help:      "Lookups that found no fresh entry in either tier.",
		}, []string{"dataset"}),
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trackx",
			Subsystem: "points_cache",
			Name:      "fetches_total",
			Help:      "Remote fetches started on behalf of the cache.",
		}, []string{"dataset"}),
		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trackx",
			Subsystem: "points_cache",
			Name:      "fetch_errors_total",
			Help:      "Remote fetches that failed.",
		}, []string{"dataset"}),
	}
	if reg != nil {
		reg.MustRegister(m.Hits, m.Misses, m.Fetches, m.FetchErrors)
	}
	return m
}
