package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

const metricsNamespace = "credits"

// Metrics counts ledger operations by outcome.
type Metrics struct {
	operations *prometheus.CounterVec
	credits    *prometheus.CounterVec
	attempts   *prometheus.HistogramVec
}

// NewMetrics registers the operation collectors with registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "operations_total",
				Help:      "Ledger and slot operations by outcome.",
			},
			[]string{"operation", "status"},
		),
		credits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "credits_moved_total",
				Help:      "Credits moved by successful operations.",
			},
			[]string{"operation"},
		),
		attempts: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "transaction_attempts",
				Help:      "Serializable transaction attempts per operation.",
				Buckets:   []float64{1, 2, 3, 4, 5},
			},
			[]string{"operation"},
		),
	}
}

// LogOperation implements ledger.OperationLogger.
func (metrics *Metrics) LogOperation(_ context.Context, entry ledger.OperationLog) {
	metrics.operations.WithLabelValues(entry.Operation, entry.Status).Inc()
	if entry.Attempts > 0 {
		metrics.attempts.WithLabelValues(entry.Operation).Observe(float64(entry.Attempts))
	}
	if entry.Status == statusOK && entry.Amount != 0 {
		metrics.credits.WithLabelValues(entry.Operation).Add(float64(entry.Amount.Abs()))
	}
}
