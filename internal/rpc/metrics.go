package rpc

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks Prometheus metrics for the dispatcher and framers.
//
// All metrics use the "rpcd_" prefix. Methods handle a nil receiver
// gracefully, so a nil *Metrics acts as a no-op (zero overhead when
// metrics are disabled).
type Metrics struct {
	// CallsTotal counts dispatched calls by outcome.
	// Labels: outcome=[success, prog_unavail, prog_mismatch, proc_unavail,
	//                   garbage_args, system_err]
	CallsTotal *prometheus.CounterVec

	// HandlerErrors counts handler invocations that returned a non-nil
	// error, by program/version.
	HandlerErrors *prometheus.CounterVec

	// FramingErrors counts fatal TCP record-marking violations.
	FramingErrors prometheus.Counter

	// ActiveConnections tracks the current number of open TCP connections.
	ActiveConnections prometheus.Gauge
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// NewMetrics creates and registers dispatcher Prometheus metrics.
//
// If registerer is nil, prometheus.DefaultRegisterer is used. Idempotent:
// uses sync.Once so repeated calls (e.g. server restart in tests) never
// attempt a duplicate registration.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}

		m := &Metrics{
			CallsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "rpcd_calls_total",
					Help: "Total dispatched RPC calls by outcome",
				},
				[]string{"outcome"},
			),
			HandlerErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "rpcd_handler_errors_total",
					Help: "Total handler errors by program key",
				},
				[]string{"program_key"},
			),
			FramingErrors: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "rpcd_framing_errors_total",
					Help: "Total fatal TCP record-marking violations",
				},
			),
			ActiveConnections: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "rpcd_active_connections",
					Help: "Current number of open TCP connections",
				},
			),
		}

		registerer.MustRegister(
			m.CallsTotal,
			m.HandlerErrors,
			m.FramingErrors,
			m.ActiveConnections,
		)

		metricsInstance = m
	})

	return metricsInstance
}

// acceptStatLabel maps an AcceptStat to the label value used by CallsTotal.
func acceptStatLabel(stat AcceptStat) string {
	switch stat {
	case Success:
		return "success"
	case ProgUnavail:
		return "prog_unavail"
	case ProgMismatch:
		return "prog_mismatch"
	case ProcUnavail:
		return "proc_unavail"
	case GarbageArgs:
		return "garbage_args"
	case SystemErr:
		return "system_err"
	default:
		return "unknown"
	}
}

func (m *Metrics) recordOutcome(stat AcceptStat) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(acceptStatLabel(stat)).Inc()
}

func (m *Metrics) recordHandlerError(key ProgramKey, err error) {
	if m == nil {
		return
	}
	m.HandlerErrors.WithLabelValues(key.String()).Inc()
}

// RecordFramingError increments the fatal-framing-violation counter; called
// by internal/rpc/server when a TCPFramer.Feed call returns ErrFraming.
func (m *Metrics) RecordFramingError() {
	if m == nil {
		return
	}
	m.FramingErrors.Inc()
}

// RecordConnectionAccepted increments the active-connection gauge; called
// by internal/rpc/server on every accepted TCP connection.
func (m *Metrics) RecordConnectionAccepted() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

// RecordConnectionClosed decrements the active-connection gauge.
func (m *Metrics) RecordConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}
