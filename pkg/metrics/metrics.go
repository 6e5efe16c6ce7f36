// Package metrics exposes Prometheus instrumentation for the submission
// engine: the Concurrency Limiter's active/queued gauges and counters for
// retry attempts, authority rejection codes and transport failures. The
// module depends on github.com/prometheus/client_golang for this; pkg/client,
// pkg/transport and cmd/verifactu-cli are its real callers, wiring a
// Registry through client.New, transport.New and the CLI's -metrics-addr
// flag respectively.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every metric the submission engine emits. Callers embed
// it into their own process-wide prometheus.Registerer, or use NewRegistry
// for the default global registry.
type Registry struct {
	LimiterActive *prometheus.GaugeVec
	LimiterQueued *prometheus.GaugeVec

	RetryAttemptsTotal   *prometheus.CounterVec
	AeatRejectionsTotal  *prometheus.CounterVec
	TransportErrorsTotal *prometheus.CounterVec
}

// NewRegistry registers every metric against reg (prometheus.DefaultRegisterer
// if reg is nil) and returns the handles callers update.
func NewRegistry(reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Registry{
		LimiterActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "verifactu",
			Subsystem: "limiter",
			Name:      "active",
			Help:      "Number of submission requests currently holding a concurrency slot.",
		}, []string{"environment"}),

		LimiterQueued: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "verifactu",
			Subsystem: "limiter",
			Name:      "queued",
			Help:      "Number of submission requests currently waiting for a concurrency slot.",
		}, []string{"environment"}),

		RetryAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "verifactu",
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Total retry attempts made, labeled by the error kind that triggered them.",
		}, []string{"environment", "operation", "error_kind"}),

		AeatRejectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "verifactu",
			Subsystem: "aeat",
			Name:      "rejections_total",
			Help:      "Total authority rejections, labeled by the authority's error code.",
		}, []string{"environment", "error_code"}),

		TransportErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "verifactu",
			Subsystem: "transport",
			Name:      "errors_total",
			Help:      "Total transport-level failures, labeled by error kind.",
		}, []string{"environment", "error_kind"}),
	}
}

// ObserveLimiterSnapshot records a limiter.Snapshot's active/queued counts
// under environment's label.
func (r *Registry) ObserveLimiterSnapshot(environment string, active, queued int64) {
	r.LimiterActive.WithLabelValues(environment).Set(float64(active))
	r.LimiterQueued.WithLabelValues(environment).Set(float64(queued))
}

// ObserveRetryAttempt increments the retry-attempt counter for operation
// ("submit", "cancel", "queryStatus") and the triggering error's kind.
func (r *Registry) ObserveRetryAttempt(environment, operation, errorKind string) {
	r.RetryAttemptsTotal.WithLabelValues(environment, operation, errorKind).Inc()
}

// ObserveAeatRejection increments the authority-rejection counter for
// errorCode.
func (r *Registry) ObserveAeatRejection(environment, errorCode string) {
	r.AeatRejectionsTotal.WithLabelValues(environment, errorCode).Inc()
}

// ObserveTransportError increments the transport-error counter for
// errorKind.
func (r *Registry) ObserveTransportError(environment, errorKind string) {
	r.TransportErrorsTotal.WithLabelValues(environment, errorKind).Inc()
}
