package postgres

import (
	"context"
	"fmt"

	squirrel "github.com/Masterminds/squirrel"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/core/port"
)

const auditTable = "iam.audit_log"

var auditColumns = []string{
	"id",
	"occurred_at",
	"event_type",
	"actor_id",
	"actor_type",
	"subject_id",
	"resource",
	"action",
	"decision",
	"policy_version",
	"context",
	"ip",
	"user_agent",
	"correlation_id",
}

// AuditRepository is the append-only audit log. Rows are never updated or deleted here.
type AuditRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewAuditRepository constructs the repository.
func NewAuditRepository(exec pgExecutor) *AuditRepository {
	return &AuditRepository{exec: exec, builder: newBuilder()}
}

// Append writes one entry.
func (r *AuditRepository) Append(ctx context.Context, entry domain.AuditEntry) error {
	payload, err := encodeJSON(entry.Context)
	if err != nil {
		return err
	}

	stmt, args, err := r.builder.Insert(auditTable).
		Columns(auditColumns...).
		Values(
			entry.ID.String(),
			entry.Timestamp,
			string(entry.EventType),
			entry.ActorID,
			string(entry.ActorType),
			nullableString(entry.SubjectID),
			nullableString(entry.Resource),
			nullableString(entry.Action),
			nullableString(string(entry.Decision)),
			nullableString(entry.PolicyVersion),
			payload,
			nullableString(entry.IP),
			nullableString(entry.UserAgent),
			nullableString(entry.CorrelationID),
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert audit entry sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Find returns entries matching filter, newest first.
func (r *AuditRepository) Find(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	query := r.builder.Select(
		"id",
		"occurred_at",
		"event_type",
		"actor_id",
		"actor_type",
		"COALESCE(subject_id, '')",
		"COALESCE(resource, '')",
		"COALESCE(action, '')",
		"COALESCE(decision, '')",
		"COALESCE(policy_version, '')",
		"context",
		"COALESCE(ip, '')",
		"COALESCE(user_agent, '')",
		"COALESCE(correlation_id, '')",
	).From(auditTable)

	if filter.ActorID != "" {
		query = query.Where(squirrel.Eq{"actor_id": filter.ActorID})
	}
	if filter.SubjectID != "" {
		query = query.Where(squirrel.Eq{"subject_id": filter.SubjectID})
	}
	if filter.EventType != "" {
		query = query.Where(squirrel.Eq{"event_type": string(filter.EventType)})
	}
	if filter.CorrelationID != "" {
		query = query.Where(squirrel.Eq{"correlation_id": filter.CorrelationID})
	}
	if !filter.From.IsZero() {
		query = query.Where(squirrel.GtOrEq{"occurred_at": filter.From})
	}
	if !filter.To.IsZero() {
		query = query.Where(squirrel.Lt{"occurred_at": filter.To})
	}
	query = query.OrderBy("occurred_at DESC", "id DESC")
	if filter.Limit > 0 {
		query = query.Limit(uint64(filter.Limit))
	}

	stmt, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build find audit entries sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.AuditEntry, 0)
	for rows.Next() {
		var (
			entry     domain.AuditEntry
			id        string
			eventType string
			actorType string
			decision  string
			payload   []byte
		)
		if err := rows.Scan(
			&id,
			&entry.Timestamp,
			&eventType,
			&entry.ActorID,
			&actorType,
			&entry.SubjectID,
			&entry.Resource,
			&entry.Action,
			&decision,
			&entry.PolicyVersion,
			&payload,
			&entry.IP,
			&entry.UserAgent,
			&entry.CorrelationID,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}

		decoded, err := decodeStringMap(payload)
		if err != nil {
			return nil, err
		}
		entry.ID = domain.AuditID(id)
		entry.EventType = domain.EventType(eventType)
		entry.ActorType = domain.ActorType(actorType)
		entry.Decision = domain.Decision(decision)
		entry.Context = decoded
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

var (
	_ port.AuditSink  = (*AuditRepository)(nil)
	_ port.AuditQuery = (*AuditRepository)(nil)
)
