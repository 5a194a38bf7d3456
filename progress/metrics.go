package progress

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes tracker state to Prometheus.
type Metrics struct {
	transitionsTotal *prometheus.CounterVec
	itemsByStage     *prometheus.GaugeVec
	stageDuration    *prometheus.HistogramVec
}

// NewMetrics registers the progress collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dossier",
			Subsystem: "pipeline",
			Name:      "stage_transitions_total",
			Help:      "Stage transitions recorded, by destination stage.",
		}, []string{"run_id", "to_stage"}),
		itemsByStage: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dossier",
			Subsystem: "pipeline",
			Name:      "items_by_stage",
			Help:      "Current number of items in each stage.",
		}, []string{"run_id", "stage"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dossier",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Observed time items spend in each stage.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
	}
}
