package domain

import (
	"fmt"
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// ID is an opaque identifier tagged with the entity it names.
type ID[T any] string

// NewID returns a time-ordered identifier for T.
func NewID[T any]() ID[T] {
	return ID[T](newULID(time.Now()))
}

// ParseID validates the textual form of an identifier.
func ParseID[T any](raw string) (ID[T], error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: identifier is required", ErrInvalidInput)
	}
	parsed, err := ulid.ParseStrict(raw)
	if err != nil {
		return "", fmt.Errorf("%w: malformed identifier %q", ErrInvalidInput, raw)
	}
	return ID[T](parsed.String()), nil
}

// String returns the canonical representation.
func (id ID[T]) String() string { return string(id) }

// IsZero reports whether the identifier is unset.
func (id ID[T]) IsZero() bool { return id == "" }

// NewCorrelationID returns an identifier used to tie audit records to one request.
func NewCorrelationID() string {
	return newULID(time.Now())
}

func newULID(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), entropy).String()
}

type (
	UserID              = ID[User]
	RoleID              = ID[Role]
	PermissionID        = ID[Permission]
	AssignmentID        = ID[UserRoleAssignment]
	PolicyID            = ID[Policy]
	ProviderID          = ID[OIDCProviderConfig]
	FederatedIdentityID = ID[FederatedIdentity]
	AuditID             = ID[AuditEntry]
)

// Meta carries bookkeeping fields shared by persisted entities.
type Meta struct {
	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

// Stamp initialises the metadata of a freshly created entity.
func (m *Meta) Stamp(now time.Time) {
	now = now.UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.Version == 0 {
		m.Version = 1
	}
}

// Touch records a modification and bumps the version.
func (m *Meta) Touch(now time.Time) {
	m.UpdatedAt = now.UTC()
	m.Version++
}
