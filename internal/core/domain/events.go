package domain

import "time"

// RoleAssignment captures individual role changes associated with an event.
type RoleAssignment struct {
	AssignmentID string
	RoleID       string
	RoleName     string
	Scope        Scope
	ScopeContext string
}

// RolesAssignedEvent represents the payload for iam.user.roles.assigned messages.
type RolesAssignedEvent struct {
	EventID    string
	UserID     string
	RolesAdded []RoleAssignment
	AssignedBy string
	AssignedAt time.Time
	Metadata   map[string]any
}

// RolesRevokedEvent represents the payload for iam.user.roles.revoked messages.
type RolesRevokedEvent struct {
	EventID      string
	UserID       string
	RolesRemoved []RoleAssignment
	RevokedBy    string
	RevokedAt    time.Time
	Reason       string
	Metadata     map[string]any
}

// UserProvisionedEvent represents the payload for iam.user.provisioned messages.
type UserProvisionedEvent struct {
	EventID       string
	UserID        string
	Username      string
	ProviderID    string
	Outcome       FederationState
	ProvisionedAt time.Time
	Metadata      map[string]any
}

// AuditRecordedEvent mirrors an appended audit entry onto the audit stream.
type AuditRecordedEvent struct {
	Entry AuditEntry
}
