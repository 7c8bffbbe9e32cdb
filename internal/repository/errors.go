package repository

import (
	"fmt"

	"github.com/arklim/iam-access-core/internal/core/domain"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = fmt.Errorf("repository: %w", domain.ErrNotFound)
	// ErrDuplicate indicates a unique constraint rejected the write.
	ErrDuplicate = fmt.Errorf("repository: duplicate: %w", domain.ErrConflict)
	// ErrVersionMismatch indicates an optimistic concurrency check failed.
	ErrVersionMismatch = fmt.Errorf("repository: %w", domain.ErrStaleVersion)
)
