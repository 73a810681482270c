package gss

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks Prometheus metrics for RPCSEC_GSS processing: context
// creation/destruction, authentication failures by reason, DATA requests by
// service level, and operation latency. Every method is nil-receiver safe,
// so a nil *Metrics is a no-op.
type Metrics struct {
	ContextCreations    *prometheus.CounterVec
	ContextDestructions prometheus.Counter
	ActiveContexts      prometheus.Gauge
	AuthFailures        *prometheus.CounterVec
	DataRequests        *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
}

var (
	metricsOnceGSS sync.Once
	metricsGSS     *Metrics
)

// NewMetrics creates and registers the RPCSEC_GSS Prometheus metrics,
// defaulting to prometheus.DefaultRegisterer when registerer is nil.
// Idempotent: repeated calls return the same registered instance.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	metricsOnceGSS.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}

		m := &Metrics{
			ContextCreations: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "rpcd_gss_context_creations_total",
					Help: "Total RPCSEC_GSS context creation attempts by result",
				},
				[]string{"result"},
			),
			ContextDestructions: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "rpcd_gss_context_destructions_total",
					Help: "Total RPCSEC_GSS context destructions",
				},
			),
			ActiveContexts: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "rpcd_gss_active_contexts",
					Help: "Current number of active RPCSEC_GSS contexts",
				},
			),
			AuthFailures: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "rpcd_gss_auth_failures_total",
					Help: "Total RPCSEC_GSS authentication failures by reason",
				},
				[]string{"reason"},
			),
			DataRequests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "rpcd_gss_data_requests_total",
					Help: "Total RPCSEC_GSS DATA requests by service level",
				},
				[]string{"service"},
			),
			RequestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "rpcd_gss_request_duration_seconds",
					Help:    "RPCSEC_GSS request processing duration in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"operation"},
			),
		}

		registerer.MustRegister(
			m.ContextCreations,
			m.ContextDestructions,
			m.ActiveContexts,
			m.AuthFailures,
			m.DataRequests,
			m.RequestDuration,
		)
		metricsGSS = m
	})
	return metricsGSS
}

func (m *Metrics) recordContextCreation(success bool) {
	if m == nil {
		return
	}
	if success {
		m.ContextCreations.WithLabelValues("success").Inc()
		m.ActiveContexts.Inc()
	} else {
		m.ContextCreations.WithLabelValues("failure").Inc()
	}
}

func (m *Metrics) recordContextDestruction() {
	if m == nil {
		return
	}
	m.ContextDestructions.Inc()
	m.ActiveContexts.Dec()
}

func (m *Metrics) recordAuthFailure(reason string) {
	if m == nil {
		return
	}
	m.AuthFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) recordDataRequest(service string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DataRequests.WithLabelValues(service).Inc()
	m.RequestDuration.WithLabelValues("data").Observe(duration.Seconds())
}

func (m *Metrics) recordInitDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues("init").Observe(duration.Seconds())
}

func (m *Metrics) recordDestroyDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues("destroy").Observe(duration.Seconds())
}

// serviceLevelName returns the label value for a GSS service level.
func serviceLevelName(service uint32) string {
	switch service {
	case RPCGSSSvcNone:
		return "none"
	case RPCGSSSvcIntegrity:
		return "integrity"
	case RPCGSSSvcPrivacy:
		return "privacy"
	default:
		return "unknown"
	}
}
