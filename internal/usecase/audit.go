package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/core/port"
)

const (
	defaultAuditTimeout    = 3 * time.Second
	defaultAuditQueryLimit = 100
	maxAuditQueryLimit     = 1000
)

// Auditor appends audit entries and mirrors them onto the event stream.
// Append failures are logged and counted; callers decide whether they matter.
type Auditor struct {
	sink      port.AuditSink
	publisher port.EventPublisher
	logger    *zap.Logger
	metrics   *Metrics
	timeout   time.Duration
	now       func() time.Time
}

// NewAuditor constructs an Auditor writing to sink.
func NewAuditor(sink port.AuditSink) *Auditor {
	return &Auditor{
		sink:    sink,
		logger:  zap.NewNop(),
		timeout: defaultAuditTimeout,
		now:     time.Now,
	}
}

// WithPublisher mirrors appended entries onto the audit topic.
func (a *Auditor) WithPublisher(publisher port.EventPublisher) *Auditor {
	a.publisher = publisher
	return a
}

// WithLogger sets the logger.
func (a *Auditor) WithLogger(logger *zap.Logger) *Auditor {
	if logger != nil {
		a.logger = logger
	}
	return a
}

// WithMetrics sets the failure counters.
func (a *Auditor) WithMetrics(metrics *Metrics) *Auditor {
	a.metrics = metrics
	return a
}

// WithTimeout bounds each append.
func (a *Auditor) WithTimeout(timeout time.Duration) *Auditor {
	if timeout > 0 {
		a.timeout = timeout
	}
	return a
}

// WithClock overrides the time source.
func (a *Auditor) WithClock(now func() time.Time) *Auditor {
	if now != nil {
		a.now = now
	}
	return a
}

// Record appends entry. The write runs on a context detached from the caller's
// cancellation so an abandoned request still leaves its audit trail.
func (a *Auditor) Record(ctx context.Context, entry domain.AuditEntry) error {
	if a == nil {
		return fmt.Errorf("append audit entry: auditor not configured")
	}
	if entry.ID.IsZero() {
		entry.ID = domain.NewID[domain.AuditEntry]()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = a.now().UTC()
	}
	if entry.CorrelationID == "" {
		entry.CorrelationID = domain.NewCorrelationID()
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()

	if a.sink == nil {
		a.failed(entry, fmt.Errorf("audit sink not configured"))
		return fmt.Errorf("append audit entry: sink not configured")
	}

	if err := a.sink.Append(writeCtx, entry); err != nil {
		a.failed(entry, err)
		return fmt.Errorf("append audit entry: %w", err)
	}

	if a.publisher != nil {
		if err := a.publisher.PublishAuditRecorded(writeCtx, domain.AuditRecordedEvent{Entry: entry}); err != nil {
			a.logger.Warn("publish audit entry failed",
				zap.String("audit_id", entry.ID.String()),
				zap.String("event_type", string(entry.EventType)),
				zap.Error(err),
			)
		}
	}

	return nil
}

func (a *Auditor) failed(entry domain.AuditEntry, err error) {
	a.metrics.auditFailed(entry.EventType)
	a.logger.Error("audit write failed",
		zap.String("audit_id", entry.ID.String()),
		zap.String("event_type", string(entry.EventType)),
		zap.String("correlation_id", entry.CorrelationID),
		zap.String("actor_id", entry.ActorID),
		zap.String("decision", string(entry.Decision)),
		zap.Error(err),
	)
}

// recordBestEffort appends entry and swallows the error after it has been logged and counted.
func (a *Auditor) recordBestEffort(ctx context.Context, entry domain.AuditEntry) bool {
	if a == nil {
		return false
	}
	return a.Record(ctx, entry) == nil
}

// AuditService exposes read access to the audit trail.
type AuditService struct {
	query port.AuditQuery
}

// NewAuditService constructs an AuditService.
func NewAuditService(query port.AuditQuery) *AuditService {
	return &AuditService{query: query}
}

// Find returns entries matching filter, newest first.
func (s *AuditService) Find(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, fmt.Errorf("%w: time range end precedes start", domain.ErrInvalidInput)
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultAuditQueryLimit
	case filter.Limit > maxAuditQueryLimit:
		filter.Limit = maxAuditQueryLimit
	}

	entries, err := s.query.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("find audit entries: %w", err)
	}
	return entries, nil
}
