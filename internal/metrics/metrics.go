// Package metrics registers the dispatcher's Prometheus collectors at
// startup, the same "named counters created once, incremented from call
// sites" shape as the teacher's stats package (stats/target_stats.go).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/xenonnt/dispatcher/internal/store"
)

// Registry is the dispatcher's metric set, constructed once by
// cmd/dispatcher and threaded into the components that increment it.
type Registry struct {
	CommandsPublished  *prometheus.CounterVec
	CooldownBlocks     *prometheus.CounterVec
	StopRetriesSpent   *prometheus.CounterVec
	StopRetriesExhaust *prometheus.CounterVec
	DetectorStatus     *prometheus.GaugeVec
	TickDuration       prometheus.Histogram
}

// New registers every collector against reg and returns the handle used to
// increment them. Call once at process startup.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		CommandsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatcher",
			Name:      "commands_published_total",
			Help:      "Commands handed to the command pipeline, by detector and command.",
		}, []string{"detector", "command"}),
		CooldownBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatcher",
			Name:      "cooldown_blocks_total",
			Help:      "Times a command was withheld by its cooldown gate.",
		}, []string{"detector", "command"}),
		StopRetriesSpent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatcher",
			Name:      "stop_retries_total",
			Help:      "Stop retries issued while escalating a stuck stop.",
		}, []string{"detector"}),
		StopRetriesExhaust: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatcher",
			Name:      "stop_retries_exhausted_total",
			Help:      "Times stop retries were exhausted and STOP_TIMEOUT was logged.",
		}, []string{"detector"}),
		DetectorStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dispatcher",
			Name:      "detector_status",
			Help:      "Current folded status enum value per logical detector (spec §3 Status enum).",
		}, []string{"detector"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dispatcher",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one reconciliation tick (aggregate + decide).",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.CommandsPublished, m.CooldownBlocks, m.StopRetriesSpent,
		m.StopRetriesExhaust, m.DetectorStatus, m.TickDuration,
	)
	return m
}

// ObserveStatus records the folded status enum as a gauge value so it's
// queryable the same way as the other detector-keyed metrics.
func (m *Registry) ObserveStatus(detector string, status store.Status) {
	m.DetectorStatus.WithLabelValues(detector).Set(float64(status))
}
