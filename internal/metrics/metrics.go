package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"quote-engine/internal/errs"
)

var (
	engineOnce sync.Once
	engineReg  *EngineMetrics
)

// EngineMetrics tracks quote and trade operations.
type EngineMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	errors   *prometheus.CounterVec
	custody  *prometheus.CounterVec
}

// Engine returns the process-wide metrics registry for the engine.
func Engine() *EngineMetrics {
	engineOnce.Do(func() {
		engineReg = &EngineMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "quoted",
				Subsystem: "engine",
				Name:      "requests_total",
				Help:      "Count of engine operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "quoted",
				Subsystem: "engine",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "quoted",
				Subsystem: "engine",
				Name:      "errors_total",
				Help:      "Count of engine failures segmented by operation and error code.",
			}, []string{"operation", "code"}),
			custody: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "quoted",
				Subsystem: "custody",
				Name:      "notifications_total",
				Help:      "Custody notifications segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			engineReg.requests,
			engineReg.latency,
			engineReg.errors,
			engineReg.custody,
		)
	})
	return engineReg
}

// Observe records one engine operation.
func (m *EngineMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		m.errors.WithLabelValues(op, strings.ToLower(string(errs.CodeOf(err)))).Inc()
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// Custody counts a custody notification outcome: sent, failed or dropped.
func (m *EngineMetrics) Custody(outcome string) {
	if m == nil {
		return
	}
	m.custody.WithLabelValues(outcome).Inc()
}
