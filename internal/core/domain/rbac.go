package domain

import (
	"strings"
	"time"
)

// RoleType distinguishes platform-owned roles from administrator and federation managed ones.
type RoleType string

const (
	RoleTypeSystem    RoleType = "SYSTEM"
	RoleTypeCustom    RoleType = "CUSTOM"
	RoleTypeFederated RoleType = "FEDERATED"
)

// Valid reports whether t is a known role type.
func (t RoleType) Valid() bool {
	return t == RoleTypeSystem || t == RoleTypeCustom || t == RoleTypeFederated
}

// Role defines a set of permissions.
type Role struct {
	ID            RoleID
	Name          string
	DisplayName   string
	Description   *string
	Type          RoleType
	PermissionIDs []PermissionID
	ParentIDs     []RoleID
	Meta
}

// Deletable reports whether administrators may remove the role.
func (r Role) Deletable() bool { return r.Type != RoleTypeSystem }

// Permission defines a named capability on a resource.
type Permission struct {
	ID          PermissionID
	Resource    string
	Action      string
	Scope       string
	Description *string
	Meta
}

// Name renders the permission as resource:action.
func (p Permission) Name() string {
	return p.Resource + ":" + p.Action
}

// Scope qualifies where a role assignment applies.
type Scope string

const (
	ScopeGlobal   Scope = "GLOBAL"
	ScopeTenant   Scope = "TENANT"
	ScopeResource Scope = "RESOURCE"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeGlobal || s == ScopeTenant || s == ScopeResource
}

// AssignmentStatus is the persisted lifecycle marker of an assignment.
type AssignmentStatus string

const (
	AssignmentActive  AssignmentStatus = "ACTIVE"
	AssignmentRevoked AssignmentStatus = "REVOKED"
	AssignmentExpired AssignmentStatus = "EXPIRED"
)

// UserRoleAssignment grants a role to a user within a scope for a validity window.
type UserRoleAssignment struct {
	ID             AssignmentID
	UserID         UserID
	RoleID         RoleID
	Scope          Scope
	ScopeContext   string
	EffectiveFrom  time.Time
	EffectiveUntil *time.Time
	Status         AssignmentStatus
	AssignedBy     string
	RevokedBy      *string
	RevokedAt      *time.Time
	RevokeReason   *string
	Meta
}

// IsEffective is the single source of truth for whether the assignment grants its role at t.
// The stored status is only an advisory cache of this predicate.
func (a UserRoleAssignment) IsEffective(t time.Time) bool {
	if a.Status != AssignmentActive {
		return false
	}
	if t.Before(a.EffectiveFrom) {
		return false
	}
	return a.EffectiveUntil == nil || t.Before(*a.EffectiveUntil)
}

// Lapsed reports whether an ACTIVE assignment has passed the end of its window at t.
func (a UserRoleAssignment) Lapsed(t time.Time) bool {
	return a.Status == AssignmentActive && a.EffectiveUntil != nil && !t.Before(*a.EffectiveUntil)
}

// StatusAt derives the observable status at t.
func (a UserRoleAssignment) StatusAt(t time.Time) AssignmentStatus {
	if a.Lapsed(t) {
		return AssignmentExpired
	}
	return a.Status
}

// AppliesTo reports whether the assignment covers a request made in scope/scopeContext.
// GLOBAL assignments apply everywhere.
func (a UserRoleAssignment) AppliesTo(scope Scope, scopeContext string) bool {
	if a.Scope == ScopeGlobal {
		return true
	}
	if scope == "" || scope == ScopeGlobal {
		return false
	}
	return a.Scope == scope && a.ScopeContext == scopeContext
}

// ValidateScope checks the scope/context pairing of a new assignment.
func ValidateScope(scope Scope, scopeContext string) error {
	if !scope.Valid() {
		return ErrInvalidScope
	}
	if scope != ScopeGlobal && strings.TrimSpace(scopeContext) == "" {
		return ErrInvalidScope
	}
	return nil
}

// ValidateWindow checks that the effective window is non-empty.
func ValidateWindow(from time.Time, until *time.Time) error {
	if until != nil && !until.After(from) {
		return ErrInvalidWindow
	}
	return nil
}
