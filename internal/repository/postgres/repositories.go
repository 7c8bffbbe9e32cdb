package postgres

import "github.com/jackc/pgx/v5/pgxpool"

// Repositories groups concrete PostgreSQL repository implementations.
type Repositories struct {
	Users         *UserRepository
	Identities    *FederatedIdentityRepository
	Roles         *RoleRepository
	Permissions   *PermissionRepository
	Assignments   *AssignmentRepository
	Policies      *PolicyRepository
	Relationships *RelationshipRepository
	Providers     *ProviderRepository
	Audit         *AuditRepository
}

// NewRepositories wires all repositories backed by the provided pool.
func NewRepositories(pool *pgxpool.Pool) *Repositories {
	return &Repositories{
		Users:         NewUserRepository(pool),
		Identities:    NewFederatedIdentityRepository(pool),
		Roles:         NewRoleRepository(pool),
		Permissions:   NewPermissionRepository(pool),
		Assignments:   NewAssignmentRepository(pool),
		Policies:      NewPolicyRepository(pool),
		Relationships: NewRelationshipRepository(pool),
		Providers:     NewProviderRepository(pool),
		Audit:         NewAuditRepository(pool),
	}
}
