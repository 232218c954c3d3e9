// Package metrics exposes Prometheus instrumentation for the gauge core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"gauge-tracking-backend/internal/apperr"
)

// Recorder observes core operations.
type Recorder interface {
	Observe(operation string, started time.Time, err error)
	ConsistencyWarning(operation string)
}

// Prometheus is a Recorder backed by client_golang collectors.
type Prometheus struct {
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	warnings   *prometheus.CounterVec
}

// NewPrometheus creates the collectors and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gauge_core_operations_total",
			Help: "Core service operations by outcome.",
		}, []string{"operation", "outcome"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gauge_core_operation_seconds",
			Help:    "Core service operation latency, including lock waits.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gauge_set_consistency_warnings_total",
			Help: "Set members found without a live companion.",
		}, []string{"operation"}),
	}
	reg.MustRegister(p.operations, p.durations, p.warnings)
	return p
}

func (p *Prometheus) Observe(operation string, started time.Time, err error) {
	p.operations.WithLabelValues(operation, Outcome(err)).Inc()
	p.durations.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func (p *Prometheus) ConsistencyWarning(operation string) {
	p.warnings.WithLabelValues(operation).Inc()
}

// Outcome labels an operation result: "ok", the error kind, or "error".
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := apperr.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}

type nop struct{}

func (nop) Observe(string, time.Time, error) {}
func (nop) ConsistencyWarning(string)        {}

// Nop returns a Recorder that discards observations.
func Nop() Recorder { return nop{} }
