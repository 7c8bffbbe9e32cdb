package usecase

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/core/port"
	"github.com/arklim/iam-access-core/internal/repository"
)

// Hand-written in-memory repositories shared by the usecase tests.

type userRepoMock struct {
	mu        sync.Mutex
	users     map[domain.UserID]domain.User
	createErr error
	getErr    error
	deleted   []domain.UserID
}

func newUserRepoMock(users ...domain.User) *userRepoMock {
	m := &userRepoMock{users: make(map[domain.UserID]domain.User)}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *userRepoMock) Create(_ context.Context, user domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	for _, existing := range m.users {
		if existing.Username == user.Username || existing.Email == user.Email {
			return repository.ErrDuplicate
		}
	}
	m.users[user.ID] = user
	return nil
}

func (m *userRepoMock) GetByID(_ context.Context, id domain.UserID) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	if user, ok := m.users[id]; ok {
		return &user, nil
	}
	return nil, repository.ErrNotFound
}

func (m *userRepoMock) GetByUsername(_ context.Context, username string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Username == username {
			return &user, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *userRepoMock) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Email == email {
			return &user, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *userRepoMock) Update(_ context.Context, user domain.User, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.users[user.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if current.Version != expectedVersion {
		return repository.ErrVersionMismatch
	}
	m.users[user.ID] = user
	return nil
}

func (m *userRepoMock) UpdateStatus(_ context.Context, id domain.UserID, status domain.UserStatus, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	if current.Version != expectedVersion {
		return repository.ErrVersionMismatch
	}
	current.Status = status
	current.Version++
	m.users[id] = current
	return nil
}

func (m *userRepoMock) Delete(_ context.Context, id domain.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return repository.ErrNotFound
	}
	delete(m.users, id)
	m.deleted = append(m.deleted, id)
	return nil
}

type identityRepoMock struct {
	mu           sync.Mutex
	identities   map[domain.FederatedIdentityID]domain.FederatedIdentity
	beforeCreate func()
	touched      int
}

func newIdentityRepoMock() *identityRepoMock {
	return &identityRepoMock{identities: make(map[domain.FederatedIdentityID]domain.FederatedIdentity)}
}

func (m *identityRepoMock) Create(_ context.Context, identity domain.FederatedIdentity) error {
	if m.beforeCreate != nil {
		hook := m.beforeCreate
		m.beforeCreate = nil
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.identities {
		if existing.ProviderID == identity.ProviderID && existing.SubjectID == identity.SubjectID {
			return repository.ErrDuplicate
		}
	}
	m.identities[identity.ID] = identity
	return nil
}

func (m *identityRepoMock) GetByProviderSubject(_ context.Context, providerID domain.ProviderID, subjectID string) (*domain.FederatedIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, identity := range m.identities {
		if identity.ProviderID == providerID && identity.SubjectID == subjectID {
			return &identity, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *identityRepoMock) ListByUser(_ context.Context, userID domain.UserID) ([]domain.FederatedIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.FederatedIdentity
	for _, identity := range m.identities {
		if identity.UserID == userID {
			out = append(out, identity)
		}
	}
	return out, nil
}

func (m *identityRepoMock) Touch(_ context.Context, id domain.FederatedIdentityID, syncedAt time.Time, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[id]
	if !ok {
		return repository.ErrNotFound
	}
	identity.LastSyncedAt = syncedAt
	identity.Metadata = metadata
	m.identities[id] = identity
	m.touched++
	return nil
}

func (m *identityRepoMock) Delete(_ context.Context, id domain.FederatedIdentityID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.identities[id]; !ok {
		return repository.ErrNotFound
	}
	delete(m.identities, id)
	return nil
}

type roleRepoMock struct {
	roles           map[domain.RoleID]domain.Role
	rolePermissions map[domain.RoleID][]domain.PermissionID
	listErr         error
	deleteErr       error
}

func newRoleRepoMock(roles ...domain.Role) *roleRepoMock {
	m := &roleRepoMock{
		roles:           make(map[domain.RoleID]domain.Role),
		rolePermissions: make(map[domain.RoleID][]domain.PermissionID),
	}
	for _, r := range roles {
		m.roles[r.ID] = r
	}
	return m
}

func (m *roleRepoMock) Create(_ context.Context, role domain.Role) error {
	for _, existing := range m.roles {
		if existing.Name == role.Name {
			return repository.ErrDuplicate
		}
	}
	m.roles[role.ID] = role
	return nil
}

func (m *roleRepoMock) List(_ context.Context) ([]domain.Role, error) {
	out := make([]domain.Role, 0, len(m.roles))
	for _, role := range m.roles {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *roleRepoMock) GetByID(_ context.Context, id domain.RoleID) (*domain.Role, error) {
	if role, ok := m.roles[id]; ok {
		return &role, nil
	}
	return nil, repository.ErrNotFound
}

func (m *roleRepoMock) GetByName(_ context.Context, name string) (*domain.Role, error) {
	for _, role := range m.roles {
		if role.Name == name {
			return &role, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *roleRepoMock) ListByIDs(_ context.Context, ids []domain.RoleID) ([]domain.Role, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []domain.Role
	for _, id := range ids {
		if role, ok := m.roles[id]; ok {
			out = append(out, role)
		}
	}
	return out, nil
}

func (m *roleRepoMock) Update(_ context.Context, role domain.Role) error {
	if _, ok := m.roles[role.ID]; !ok {
		return repository.ErrNotFound
	}
	m.roles[role.ID] = role
	return nil
}

func (m *roleRepoMock) Delete(_ context.Context, id domain.RoleID) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	if _, ok := m.roles[id]; !ok {
		return repository.ErrNotFound
	}
	delete(m.roles, id)
	return nil
}

func (m *roleRepoMock) AddParent(_ context.Context, roleID, parentID domain.RoleID) error {
	role, ok := m.roles[roleID]
	if !ok {
		return repository.ErrNotFound
	}
	role.ParentIDs = append(role.ParentIDs, parentID)
	m.roles[roleID] = role
	return nil
}

func (m *roleRepoMock) RemoveParent(_ context.Context, roleID, parentID domain.RoleID) error {
	role, ok := m.roles[roleID]
	if !ok {
		return repository.ErrNotFound
	}
	kept := role.ParentIDs[:0]
	for _, id := range role.ParentIDs {
		if id != parentID {
			kept = append(kept, id)
		}
	}
	role.ParentIDs = kept
	m.roles[roleID] = role
	return nil
}

func (m *roleRepoMock) AttachPermissions(_ context.Context, roleID domain.RoleID, permissionIDs []domain.PermissionID) error {
	if _, ok := m.roles[roleID]; !ok {
		return repository.ErrNotFound
	}
	m.rolePermissions[roleID] = append(m.rolePermissions[roleID], permissionIDs...)
	return nil
}

type permissionRepoMock struct {
	permissions map[domain.PermissionID]domain.Permission
	roles       *roleRepoMock
	created     int
}

func newPermissionRepoMock(roles *roleRepoMock) *permissionRepoMock {
	return &permissionRepoMock{permissions: make(map[domain.PermissionID]domain.Permission), roles: roles}
}

func (m *permissionRepoMock) Create(_ context.Context, permission domain.Permission) error {
	m.permissions[permission.ID] = permission
	m.created++
	return nil
}

func (m *permissionRepoMock) GetByResourceAction(_ context.Context, resource, action string) (*domain.Permission, error) {
	for _, p := range m.permissions {
		if p.Resource == resource && p.Action == action {
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *permissionRepoMock) ListByRoles(_ context.Context, roleIDs []domain.RoleID) ([]domain.Permission, error) {
	var out []domain.Permission
	for _, roleID := range roleIDs {
		for _, id := range m.roles.rolePermissions[roleID] {
			if p, ok := m.permissions[id]; ok {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

type assignmentRepoMock struct {
	mu          sync.Mutex
	assignments map[domain.AssignmentID]domain.UserRoleAssignment
	listErr     error
	markErr     error
	marked      []domain.AssignmentID
}

func newAssignmentRepoMock(assignments ...domain.UserRoleAssignment) *assignmentRepoMock {
	m := &assignmentRepoMock{assignments: make(map[domain.AssignmentID]domain.UserRoleAssignment)}
	for _, a := range assignments {
		m.assignments[a.ID] = a
	}
	return m
}

func (m *assignmentRepoMock) Create(_ context.Context, assignment domain.UserRoleAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[assignment.ID] = assignment
	return nil
}

func (m *assignmentRepoMock) GetByID(_ context.Context, id domain.AssignmentID) (*domain.UserRoleAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.assignments[id]; ok {
		return &a, nil
	}
	return nil, repository.ErrNotFound
}

func (m *assignmentRepoMock) filter(keep func(domain.UserRoleAssignment) bool) []domain.UserRoleAssignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.UserRoleAssignment
	for _, a := range m.assignments {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *assignmentRepoMock) ListByUser(_ context.Context, userID domain.UserID) ([]domain.UserRoleAssignment, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.filter(func(a domain.UserRoleAssignment) bool { return a.UserID == userID }), nil
}

func (m *assignmentRepoMock) ListByRole(_ context.Context, roleID domain.RoleID) ([]domain.UserRoleAssignment, error) {
	return m.filter(func(a domain.UserRoleAssignment) bool { return a.RoleID == roleID }), nil
}

func (m *assignmentRepoMock) ListByUserAndRole(_ context.Context, userID domain.UserID, roleID domain.RoleID) ([]domain.UserRoleAssignment, error) {
	return m.filter(func(a domain.UserRoleAssignment) bool { return a.UserID == userID && a.RoleID == roleID }), nil
}

func (m *assignmentRepoMock) ListByStatus(_ context.Context, status domain.AssignmentStatus) ([]domain.UserRoleAssignment, error) {
	return m.filter(func(a domain.UserRoleAssignment) bool { return a.Status == status }), nil
}

func (m *assignmentRepoMock) ListByScope(_ context.Context, scope domain.Scope, scopeContext string) ([]domain.UserRoleAssignment, error) {
	return m.filter(func(a domain.UserRoleAssignment) bool { return a.Scope == scope && a.ScopeContext == scopeContext }), nil
}

func (m *assignmentRepoMock) Revoke(_ context.Context, id domain.AssignmentID, revokedBy, reason string, at time.Time) (*domain.UserRoleAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if a.Status != domain.AssignmentActive || a.Lapsed(at) {
		return nil, domain.ErrAlreadyTerminal
	}
	a.Status = domain.AssignmentRevoked
	a.RevokedBy = &revokedBy
	a.RevokedAt = &at
	if reason != "" {
		a.RevokeReason = &reason
	}
	a.Touch(at)
	m.assignments[id] = a
	return &a, nil
}

func (m *assignmentRepoMock) MarkExpired(_ context.Context, id domain.AssignmentID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return false, m.markErr
	}
	a, ok := m.assignments[id]
	if !ok || !a.Lapsed(at) {
		return false, nil
	}
	a.Status = domain.AssignmentExpired
	a.Touch(at)
	m.assignments[id] = a
	m.marked = append(m.marked, id)
	return true, nil
}

func (m *assignmentRepoMock) ExpireDue(ctx context.Context, at time.Time, limit int) ([]domain.UserRoleAssignment, error) {
	due := m.filter(func(a domain.UserRoleAssignment) bool { return a.Lapsed(at) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, a := range due {
		if _, err := m.MarkExpired(ctx, a.ID, at); err != nil {
			return nil, err
		}
	}
	return due, nil
}

func (m *assignmentRepoMock) DeleteByUser(_ context.Context, userID domain.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, a := range m.assignments {
		if a.UserID == userID {
			delete(m.assignments, id)
		}
	}
	return nil
}

func (m *assignmentRepoMock) DeleteByRole(_ context.Context, roleID domain.RoleID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, a := range m.assignments {
		if a.RoleID == roleID {
			delete(m.assignments, id)
		}
	}
	return nil
}

type policyRepoMock struct {
	policies map[string]domain.Policy
	listErr  error
}

func newPolicyRepoMock(policies ...domain.Policy) *policyRepoMock {
	m := &policyRepoMock{policies: make(map[string]domain.Policy)}
	for _, p := range policies {
		if p.Version == 0 {
			p.Version = 1
		}
		m.policies[p.Name] = p
	}
	return m
}

func (m *policyRepoMock) Create(_ context.Context, policy domain.Policy) error {
	if _, ok := m.policies[policy.Name]; ok {
		return repository.ErrDuplicate
	}
	m.policies[policy.Name] = policy
	return nil
}

func (m *policyRepoMock) Update(_ context.Context, policy domain.Policy, expectedVersion int64) error {
	current, ok := m.policies[policy.Name]
	if !ok {
		return repository.ErrNotFound
	}
	if current.Version != expectedVersion {
		return repository.ErrVersionMismatch
	}
	m.policies[policy.Name] = policy
	return nil
}

func (m *policyRepoMock) GetByName(_ context.Context, name string) (*domain.Policy, error) {
	if p, ok := m.policies[name]; ok {
		return &p, nil
	}
	return nil, repository.ErrNotFound
}

func (m *policyRepoMock) ListEnabled(_ context.Context) ([]domain.Policy, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []domain.Policy
	for _, p := range m.policies {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *policyRepoMock) ListByType(_ context.Context, policyType domain.PolicyType) ([]domain.Policy, error) {
	var out []domain.Policy
	for _, p := range m.policies {
		if p.Type == policyType {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *policyRepoMock) Delete(_ context.Context, name string) error {
	if _, ok := m.policies[name]; !ok {
		return repository.ErrNotFound
	}
	delete(m.policies, name)
	return nil
}

type relationshipRepoMock struct {
	tuples  []domain.RelationshipTuple
	listErr error
}

func (m *relationshipRepoMock) ListByObject(_ context.Context, object, relation string) ([]domain.RelationshipTuple, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []domain.RelationshipTuple
	for _, t := range m.tuples {
		if t.Object == object && t.Relation == relation {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *relationshipRepoMock) Write(_ context.Context, tuple domain.RelationshipTuple) error {
	m.tuples = append(m.tuples, tuple)
	return nil
}

func (m *relationshipRepoMock) Delete(_ context.Context, tuple domain.RelationshipTuple) error {
	for i, t := range m.tuples {
		if t == tuple {
			m.tuples = append(m.tuples[:i], m.tuples[i+1:]...)
			return nil
		}
	}
	return repository.ErrNotFound
}

func (m *relationshipRepoMock) ListBySubject(_ context.Context, subject string) ([]domain.RelationshipTuple, error) {
	var out []domain.RelationshipTuple
	for _, t := range m.tuples {
		if t.Subject == subject {
			out = append(out, t)
		}
	}
	return out, nil
}

type providerRepoMock struct {
	providers map[domain.ProviderID]domain.OIDCProviderConfig
}

func newProviderRepoMock(providers ...domain.OIDCProviderConfig) *providerRepoMock {
	m := &providerRepoMock{providers: make(map[domain.ProviderID]domain.OIDCProviderConfig)}
	for _, p := range providers {
		m.providers[p.ID] = p
	}
	return m
}

func (m *providerRepoMock) Create(_ context.Context, provider domain.OIDCProviderConfig) error {
	m.providers[provider.ID] = provider
	return nil
}

func (m *providerRepoMock) Update(_ context.Context, provider domain.OIDCProviderConfig, expectedVersion int64) error {
	current, ok := m.providers[provider.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if current.Version != expectedVersion {
		return repository.ErrVersionMismatch
	}
	m.providers[provider.ID] = provider
	return nil
}

func (m *providerRepoMock) GetByID(_ context.Context, id domain.ProviderID) (*domain.OIDCProviderConfig, error) {
	if p, ok := m.providers[id]; ok {
		return &p, nil
	}
	return nil, repository.ErrNotFound
}

func (m *providerRepoMock) GetByName(_ context.Context, name string) (*domain.OIDCProviderConfig, error) {
	for _, p := range m.providers {
		if p.Name == name {
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *providerRepoMock) List(_ context.Context) ([]domain.OIDCProviderConfig, error) {
	out := make([]domain.OIDCProviderConfig, 0, len(m.providers))
	for _, p := range m.providers {
		out = append(out, p)
	}
	return out, nil
}

type auditSinkMock struct {
	mu        sync.Mutex
	entries   []domain.AuditEntry
	appendErr error
}

func (m *auditSinkMock) Append(ctx context.Context, entry domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *auditSinkMock) byType(eventType domain.EventType) []domain.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range m.entries {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type publisherMock struct {
	assigned    []domain.RolesAssignedEvent
	revoked     []domain.RolesRevokedEvent
	provisioned []domain.UserProvisionedEvent
	audited     int
	err         error
}

func (m *publisherMock) PublishRolesAssigned(_ context.Context, event domain.RolesAssignedEvent) error {
	m.assigned = append(m.assigned, event)
	return m.err
}

func (m *publisherMock) PublishRolesRevoked(_ context.Context, event domain.RolesRevokedEvent) error {
	m.revoked = append(m.revoked, event)
	return m.err
}

func (m *publisherMock) PublishUserProvisioned(_ context.Context, event domain.UserProvisionedEvent) error {
	m.provisioned = append(m.provisioned, event)
	return m.err
}

func (m *publisherMock) PublishAuditRecorded(_ context.Context, _ domain.AuditRecordedEvent) error {
	m.audited++
	return m.err
}

type idpClientMock struct {
	mu            sync.Mutex
	exchangeCalls int
	userInfoCalls int
	tokens        domain.ProviderTokens
	claims        map[string]any
	exchangeErr   error
	userInfoErr   error
	lastExchange  port.ExchangeRequest
}

func (m *idpClientMock) AuthorizationURL(provider domain.OIDCProviderConfig, req port.AuthorizationRequest) (string, error) {
	return provider.AuthorizationEndpoint + "?state=" + req.State + "&nonce=" + req.Nonce, nil
}

func (m *idpClientMock) ExchangeCode(ctx context.Context, _ domain.OIDCProviderConfig, req port.ExchangeRequest) (domain.ProviderTokens, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exchangeCalls++
	m.lastExchange = req
	if _, ok := ctx.Deadline(); !ok {
		return domain.ProviderTokens{}, errors.New("provider call without deadline")
	}
	if m.exchangeErr != nil {
		return domain.ProviderTokens{}, m.exchangeErr
	}
	return m.tokens, nil
}

func (m *idpClientMock) FetchUserInfo(_ context.Context, _ domain.OIDCProviderConfig, _ domain.ProviderTokens) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userInfoCalls++
	if m.userInfoErr != nil {
		return nil, m.userInfoErr
	}
	return m.claims, nil
}

type tokenIssuerMock struct {
	requests []port.AccessTokenRequest
}

func (m *tokenIssuerMock) IssueAccessToken(_ context.Context, req port.AccessTokenRequest) (port.IssuedToken, error) {
	m.requests = append(m.requests, req)
	return port.IssuedToken{Value: "signed.jwt.value", TokenID: "tok-1", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type replayGuardMock struct {
	seen map[string]struct{}
}

func (m *replayGuardMock) Consume(_ context.Context, state string, _ time.Duration) (bool, error) {
	if m.seen == nil {
		m.seen = make(map[string]struct{})
	}
	if _, ok := m.seen[state]; ok {
		return false, nil
	}
	m.seen[state] = struct{}{}
	return true, nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func mustUser(username, email string) domain.User {
	u, err := domain.NewUser(username, email, username, time.Now())
	if err != nil {
		panic(err)
	}
	return u
}

func mustRole(name string, parents ...domain.RoleID) domain.Role {
	return domain.Role{ID: domain.NewID[domain.Role](), Name: name, Type: domain.RoleTypeCustom, ParentIDs: parents, Meta: domain.Meta{Version: 1}}
}
