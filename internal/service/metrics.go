package service

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are no-ops until Register is called, so tests and tools can use a
// zero value.
type Metrics struct {
	decisions       *prometheus.CounterVec
	signatures      *prometheus.CounterVec
	vetoes          *prometheus.CounterVec
	emergencies     *prometheus.CounterVec
	auditAppends    *prometheus.CounterVec
	retries         *prometheus.CounterVec
	statusPublished *prometheus.CounterVec
	decisionLatency prometheus.Histogram
	auditCorrupted  prometheus.Gauge
	overdue         prometheus.Gauge

	registerOnce sync.Once
}

// Register registers the collectors with registry. A nil registry is a
// no-op; repeated calls are ignored.
func (m *Metrics) Register(registry prometheus.Registerer) {
	if m == nil || registry == nil {
		return
	}
	m.registerOnce.Do(func() {
		factory := promauto.With(registry)

		m.decisions = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "governance_decisions_total",
			Help: "Rendered decisions by verdict",
		}, []string{"verdict"})

		m.signatures = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "governance_signatures_total",
			Help: "Maintainer signature submissions by outcome",
		}, []string{"status"})

		m.vetoes = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "governance_veto_signals_total",
			Help: "Economic node signals by outcome",
		}, []string{"outcome"})

		m.emergencies = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "governance_emergency_transitions_total",
			Help: "Emergency state transitions by kind",
		}, []string{"transition"})

		m.auditAppends = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "governance_audit_appends_total",
			Help: "Audit log entries appended by job type",
		}, []string{"job_type"})

		m.retries = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "governance_conflict_retries_total",
			Help: "Transactions retried after a write conflict",
		}, []string{"op"})

		m.statusPublished = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "governance_status_publish_total",
			Help: "Status check publish attempts by result",
		}, []string{"result"})

		m.decisionLatency = factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "governance_decision_duration_seconds",
			Help:    "Time to evaluate and persist a decision",
			Buckets: prometheus.DefBuckets,
		})

		m.auditCorrupted = factory.NewGauge(prometheus.GaugeOpts{
			Name: "governance_audit_corrupted",
			Help: "1 when audit verification failed and writes are disabled",
		})

		m.overdue = factory.NewGauge(prometheus.GaugeOpts{
			Name: "governance_emergency_obligations_overdue",
			Help: "Post-emergency obligations past their deadline",
		})
	})
}

func (m *Metrics) IncDecision(verdict string) {
	if m != nil && m.decisions != nil {
		m.decisions.WithLabelValues(verdict).Inc()
	}
}

func (m *Metrics) IncSignature(status string) {
	if m != nil && m.signatures != nil {
		m.signatures.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) IncVeto(outcome string) {
	if m != nil && m.vetoes != nil {
		m.vetoes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncEmergency(transition string) {
	if m != nil && m.emergencies != nil {
		m.emergencies.WithLabelValues(transition).Inc()
	}
}

func (m *Metrics) IncAuditAppend(jobType string) {
	if m != nil && m.auditAppends != nil {
		m.auditAppends.WithLabelValues(jobType).Inc()
	}
}

func (m *Metrics) IncRetry(op string) {
	if m != nil && m.retries != nil {
		m.retries.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) IncStatusPublish(result string) {
	if m != nil && m.statusPublished != nil {
		m.statusPublished.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ObserveDecision(d time.Duration) {
	if m != nil && m.decisionLatency != nil {
		m.decisionLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) SetAuditCorrupted(corrupted bool) {
	if m == nil || m.auditCorrupted == nil {
		return
	}
	if corrupted {
		m.auditCorrupted.Set(1)
		return
	}
	m.auditCorrupted.Set(0)
}

func (m *Metrics) SetOverdueObligations(n int) {
	if m != nil && m.overdue != nil {
		m.overdue.Set(float64(n))
	}
}
