// Package metrics exposes Prometheus instrumentation for the control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, which keeps tests free of global registry collisions.
type Metrics struct {
	// Session metrics
	SessionsCreated    *prometheus.CounterVec
	SessionTransitions *prometheus.CounterVec
	SessionsActive     prometheus.Gauge
	SessionBytes       *prometheus.GaugeVec
	SessionRate        *prometheus.GaugeVec

	// Callback metrics
	CallbacksTotal *prometheus.CounterVec

	// Certificate metrics
	CertificatesIssued *prometheus.CounterVec

	// Agent notification metrics
	NotificationsTotal *prometheus.CounterVec

	// Staging metrics
	StagingProvisions *prometheus.CounterVec
	StagingReleases   *prometheus.CounterVec

	// Partition operation metrics
	OperationsQueued   *prometheus.CounterVec
	OperationsApplied  *prometheus.CounterVec
	OperationDurations *prometheus.HistogramVec

	// Sweeper metrics
	SweepsTotal   prometheus.Counter
	StaleSessions prometheus.Counter
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ironpxe_sessions_created_total",
				Help: "Total number of clone sessions created",
			},
			[]string{"mode"},
		),

		SessionTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ironpxe_session_transitions_total",
				Help: "Total number of clone session status transitions",
			},
			[]string{"from", "to"},
		),

		SessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ironpxe_sessions_active",
				Help: "Number of clone sessions in a non-terminal status",
			},
		),

		SessionBytes: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ironpxe_session_bytes_transferred",
				Help: "Bytes transferred per active clone session",
			},
			[]string{"session_id"},
		),

		SessionRate: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ironpxe_session_transfer_rate_bps",
				Help: "Last reported transfer rate per active clone session",
			},
			[]string{"session_id"},
		),

		CallbacksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ironpxe_callbacks_total",
				Help: "Total number of agent callbacks ingested",
			},
			[]string{"type", "outcome"},
		),

		CertificatesIssued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ironpxe_certificates_issued_total",
				Help: "Total number of session certificates issued",
			},
			[]string{"role"},
		),

		NotificationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ironpxe_agent_notifications_total",
				Help: "Total number of outbound agent notifications",
			},
			[]string{"outcome"},
		),

		StagingProvisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ironpxe_staging_provisions_total",
				Help: "Total number of staging area provisions",
			},
			[]string{"kind", "outcome"},
		),

		StagingReleases: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ironpxe_staging_releases_total",
				Help: "Total number of staging area releases",
			},
			[]string{"kind", "outcome"},
		),

		OperationsQueued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ironpxe_operations_queued_total",
				Help: "Total number of partition operations queued",
			},
			[]string{"operation"},
		),

		OperationsApplied: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ironpxe_operations_applied_total",
				Help: "Total number of partition operations applied",
			},
			[]string{"operation", "status"},
		),

		OperationDurations: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ironpxe_operation_duration_seconds",
				Help:    "Duration of partition operation execution",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		SweepsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ironpxe_sweeps_total",
				Help: "Total number of stale-session sweeps run",
			},
		),

		StaleSessions: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ironpxe_stale_sessions_total",
				Help: "Total number of sessions failed by the stale sweeper",
			},
		),
	}
}

// RecordSessionCreated records a session creation.
func (m *Metrics) RecordSessionCreated(mode string) {
	if m == nil {
		return
	}
	m.SessionsCreated.WithLabelValues(mode).Inc()
}

// RecordTransition records a session status transition.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(from, to).Inc()
}

// SetSessionsActive updates the active session count.
func (m *Metrics) SetSessionsActive(count int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(count))
}

// RecordProgress updates per-session transfer gauges.
func (m *Metrics) RecordProgress(sessionID string, bytesTransferred, rateBps int64) {
	if m == nil {
		return
	}
	m.SessionBytes.WithLabelValues(sessionID).Set(float64(bytesTransferred))
	m.SessionRate.WithLabelValues(sessionID).Set(float64(rateBps))
}

// ClearSession drops per-session gauges once the session is terminal.
func (m *Metrics) ClearSession(sessionID string) {
	if m == nil {
		return
	}
	m.SessionBytes.DeleteLabelValues(sessionID)
	m.SessionRate.DeleteLabelValues(sessionID)
}

// RecordCallback records an ingested agent callback.
func (m *Metrics) RecordCallback(callbackType, outcome string) {
	if m == nil {
		return
	}
	m.CallbacksTotal.WithLabelValues(callbackType, outcome).Inc()
}

// RecordCertificateIssued records a certificate issuance.
func (m *Metrics) RecordCertificateIssued(role string) {
	if m == nil {
		return
	}
	m.CertificatesIssued.WithLabelValues(role).Inc()
}

// RecordNotification records an outbound agent notification outcome.
func (m *Metrics) RecordNotification(outcome string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(outcome).Inc()
}

// RecordStagingProvision records a staging allocation attempt.
func (m *Metrics) RecordStagingProvision(kind, outcome string) {
	if m == nil {
		return
	}
	m.StagingProvisions.WithLabelValues(kind, outcome).Inc()
}

// RecordStagingRelease records a staging release attempt.
func (m *Metrics) RecordStagingRelease(kind, outcome string) {
	if m == nil {
		return
	}
	m.StagingReleases.WithLabelValues(kind, outcome).Inc()
}

// RecordOperationQueued records a queued partition operation.
func (m *Metrics) RecordOperationQueued(operation string) {
	if m == nil {
		return
	}
	m.OperationsQueued.WithLabelValues(operation).Inc()
}

// RecordOperationApplied records an executed partition operation.
func (m *Metrics) RecordOperationApplied(operation, status string, seconds float64) {
	if m == nil {
		return
	}
	m.OperationsApplied.WithLabelValues(operation, status).Inc()
	m.OperationDurations.WithLabelValues(operation).Observe(seconds)
}

// RecordSweep records one sweeper run and how many sessions it failed.
func (m *Metrics) RecordSweep(stale int) {
	if m == nil {
		return
	}
	m.SweepsTotal.Inc()
	m.StaleSessions.Add(float64(stale))
}
