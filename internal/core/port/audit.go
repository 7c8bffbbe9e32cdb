package port

import (
	"context"

	"github.com/arklim/iam-access-core/internal/core/domain"
)

// AuditSink appends audit entries. Implementations never update or delete.
type AuditSink interface {
	Append(ctx context.Context, entry domain.AuditEntry) error
}

// AuditQuery reads back audit entries.
type AuditQuery interface {
	Find(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error)
}
