package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/arklim/iam-access-core/internal/core/domain"
)

type auditQueryMock struct {
	filter domain.AuditFilter
}

func (m *auditQueryMock) Find(_ context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	m.filter = filter
	return nil, nil
}

func TestAuditor_RecordFillsDefaultsAndMirrors(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	sink := &auditSinkMock{}
	publisher := &publisherMock{}
	auditor := NewAuditor(sink).WithPublisher(publisher).WithClock(fixedClock(now))

	if err := auditor.Record(context.Background(), domain.AuditEntry{EventType: domain.EventUserCreated}); err != nil {
		t.Fatalf("Record returned error: %v", err)
	}

	entry := sink.entries[0]
	if entry.ID.IsZero() || entry.CorrelationID == "" || !entry.Timestamp.Equal(now) {
		t.Fatalf("expected id, correlation id and timestamp to be filled, got %+v", entry)
	}
	if publisher.audited != 1 {
		t.Fatalf("expected entry to be mirrored to the event stream")
	}
}

func TestAuditor_FailureIsCountedAndReturned(t *testing.T) {
	metrics, err := NewMetrics(MetricsOptions{Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	sink := &auditSinkMock{appendErr: errors.New("disk full")}
	publisher := &publisherMock{}
	auditor := NewAuditor(sink).WithMetrics(metrics).WithPublisher(publisher)

	if err := auditor.Record(context.Background(), domain.AuditEntry{EventType: domain.EventRoleAssigned}); err == nil {
		t.Fatalf("expected append error to be returned")
	}
	if ok := auditor.recordBestEffort(context.Background(), domain.AuditEntry{EventType: domain.EventRoleAssigned}); ok {
		t.Fatalf("expected best-effort write to report failure")
	}
	if got := testutil.ToFloat64(metrics.AuditFailures.WithLabelValues(string(domain.EventRoleAssigned))); got != 2 {
		t.Fatalf("expected 2 failures counted, got %v", got)
	}
	if publisher.audited != 0 {
		t.Fatalf("failed entries must not be mirrored")
	}

	var nilAuditor *Auditor
	if err := nilAuditor.Record(context.Background(), domain.AuditEntry{}); err == nil {
		t.Fatalf("expected nil auditor to report an error")
	}
}

func TestAuditService_FindClampsLimit(t *testing.T) {
	query := &auditQueryMock{}
	service := NewAuditService(query)
	ctx := context.Background()

	if _, err := service.Find(ctx, domain.AuditFilter{}); err != nil {
		t.Fatalf("Find returned error: %v", err)
	}
	if query.filter.Limit != defaultAuditQueryLimit {
		t.Fatalf("expected default limit, got %d", query.filter.Limit)
	}

	if _, err := service.Find(ctx, domain.AuditFilter{Limit: 50000}); err != nil {
		t.Fatalf("Find returned error: %v", err)
	}
	if query.filter.Limit != maxAuditQueryLimit {
		t.Fatalf("expected limit to be capped, got %d", query.filter.Limit)
	}

	now := time.Now()
	if _, err := service.Find(ctx, domain.AuditFilter{From: now, To: now.Add(-time.Hour)}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected inverted range to be rejected, got %v", err)
	}
}

func TestNewMetrics_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewMetrics(MetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("first NewMetrics: %v", err)
	}
	second, err := NewMetrics(MetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("second NewMetrics: %v", err)
	}

	second.Decisions.WithLabelValues("PERMIT").Inc()
	if got := testutil.ToFloat64(first.Decisions.WithLabelValues("PERMIT")); got != 1 {
		t.Fatalf("expected collectors to be shared, got %v", got)
	}
}
