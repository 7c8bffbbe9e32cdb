package usecase

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arklim/iam-access-core/internal/core/domain"
)

// MetricsOptions configures the core service collectors.
type MetricsOptions struct {
	Registerer prometheus.Registerer
	Namespace  string
	Buckets    []float64
}

// Metrics holds the collectors shared by the decision, audit, and federation services.
type Metrics struct {
	Decisions        *prometheus.CounterVec
	DecisionDuration prometheus.Histogram
	AuditFailures    *prometheus.CounterVec
	Federation       *prometheus.CounterVec
	ExpiredSwept     prometheus.Counter
}

// NewMetrics constructs collectors and registers them, reusing collectors that are already registered.
func NewMetrics(opts MetricsOptions) (*Metrics, error) {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "iam"
	}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	buckets := opts.Buckets
	if len(buckets) == 0 {
		buckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1}
	}

	decisions, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "authorization_decisions_total",
		Help:      "Authorization decisions partitioned by outcome.",
	}, []string{"decision"}))
	if err != nil {
		return nil, err
	}

	duration, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "authorization_decision_duration_seconds",
		Help:      "Latency of authorization decisions in seconds.",
		Buckets:   buckets,
	}))
	if err != nil {
		return nil, err
	}

	auditFailures, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_write_failures_total",
		Help:      "Audit entries that could not be appended, partitioned by event type.",
	}, []string{"event_type"}))
	if err != nil {
		return nil, err
	}

	federation, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "federation_callbacks_total",
		Help:      "OIDC callbacks partitioned by provider and outcome.",
	}, []string{"provider", "outcome"}))
	if err != nil {
		return nil, err
	}

	swept, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "assignments_expired_total",
		Help:      "Role assignments persisted as EXPIRED.",
	}))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		Decisions:        decisions,
		DecisionDuration: duration,
		AuditFailures:    auditFailures,
		Federation:       federation,
		ExpiredSwept:     swept,
	}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, collector C) (C, error) {
	if err := reg.Register(collector); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return collector, fmt.Errorf("register collector: %w", err)
		}
		existing, ok := already.ExistingCollector.(C)
		if !ok {
			return collector, fmt.Errorf("existing collector has unexpected type %T", already.ExistingCollector)
		}
		return existing, nil
	}
	return collector, nil
}

func (m *Metrics) observeDecision(decision domain.Decision, took time.Duration) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(string(decision)).Inc()
	m.DecisionDuration.Observe(took.Seconds())
}

func (m *Metrics) auditFailed(eventType domain.EventType) {
	if m == nil {
		return
	}
	m.AuditFailures.WithLabelValues(string(eventType)).Inc()
}

func (m *Metrics) federationOutcome(provider, outcome string) {
	if m == nil {
		return
	}
	m.Federation.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) expired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ExpiredSwept.Add(float64(n))
}
