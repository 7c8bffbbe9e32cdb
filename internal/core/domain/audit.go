package domain

import "time"

// EventType enumerates audit event kinds.
type EventType string

const (
	EventAuthenticationSuccess EventType = "AUTHENTICATION_SUCCESS"
	EventAuthenticationFailure EventType = "AUTHENTICATION_FAILURE"
	EventAuthorizationDecision EventType = "AUTHORIZATION_DECISION"
	EventUserCreated           EventType = "USER_CREATED"
	EventUserUpdated           EventType = "USER_UPDATED"
	EventUserDeleted           EventType = "USER_DELETED"
	EventRoleAssigned          EventType = "ROLE_ASSIGNED"
	EventRoleRevoked           EventType = "ROLE_REVOKED"
	EventRoleExpired           EventType = "ROLE_EXPIRED"
	EventPolicyCreated         EventType = "POLICY_CREATED"
	EventPolicyUpdated         EventType = "POLICY_UPDATED"
	EventPolicyDeleted         EventType = "POLICY_DELETED"
	EventProviderCreated       EventType = "OIDC_PROVIDER_CREATED"
	EventProviderUpdated       EventType = "OIDC_PROVIDER_UPDATED"
	EventIdentityLinked        EventType = "IDENTITY_LINKED"
	EventIdentityUnlinked      EventType = "IDENTITY_UNLINKED"
	EventJITProvisioning       EventType = "JIT_PROVISIONING"
	EventTokenIssued           EventType = "TOKEN_ISSUED"
	EventTokenRevoked          EventType = "TOKEN_REVOKED"
)

// ActorType distinguishes who performed an action.
type ActorType string

const (
	ActorUser    ActorType = "USER"
	ActorSystem  ActorType = "SYSTEM"
	ActorService ActorType = "SERVICE"
)

// Actor is the identity on whose behalf a mutation runs.
type Actor struct {
	ID   string
	Type ActorType
}

// SystemActor is used by background jobs.
var SystemActor = Actor{ID: "system", Type: ActorSystem}

// UserActor wraps a user id.
func UserActor(id UserID) Actor { return Actor{ID: id.String(), Type: ActorUser} }

// AuditEntry is an append-only record. Values in Context must never carry secrets or tokens.
type AuditEntry struct {
	ID            AuditID
	Timestamp     time.Time
	EventType     EventType
	ActorID       string
	ActorType     ActorType
	SubjectID     string
	Resource      string
	Action        string
	Decision      Decision
	PolicyVersion string
	Context       map[string]string
	IP            string
	UserAgent     string
	CorrelationID string
}

// AuditFilter narrows audit queries. Zero fields are ignored.
type AuditFilter struct {
	ActorID       string
	SubjectID     string
	EventType     EventType
	CorrelationID string
	From          time.Time
	To            time.Time
	Limit         int
}
