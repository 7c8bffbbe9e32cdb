package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/iam-access-core/internal/core/domain"
	"github.com/arklim/iam-access-core/internal/core/port"
)

// maxHierarchyWalk bounds ancestor traversal so a corrupted hierarchy cannot loop forever.
const maxHierarchyWalk = 256

// PermissionInput represents an incoming permission definition.
type PermissionInput struct {
	Resource    string
	Action      string
	Description *string
}

// CreateRoleInput captures the payload for creating a role.
type CreateRoleInput struct {
	Name        string
	DisplayName string
	Description *string
	Type        domain.RoleType
	Permissions []PermissionInput
	ParentIDs   []domain.RoleID
}

// CreateRoleResult returns the created role and its permissions.
type CreateRoleResult struct {
	Role        domain.Role
	Permissions []domain.Permission
}

// RoleService manages roles, their permissions, and the role hierarchy.
type RoleService struct {
	roles       port.RoleRepository
	permissions port.PermissionRepository
	logger      *zap.Logger
	now         func() time.Time
}

// NewRoleService constructs a RoleService.
func NewRoleService(roles port.RoleRepository, permissions port.PermissionRepository) *RoleService {
	return &RoleService{roles: roles, permissions: permissions, logger: zap.NewNop(), now: time.Now}
}

// WithLogger sets the logger.
func (s *RoleService) WithLogger(logger *zap.Logger) *RoleService {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// ListRoles returns all roles.
func (s *RoleService) ListRoles(ctx context.Context) ([]domain.Role, error) {
	return s.roles.List(ctx)
}

// GetRoleByName resolves a role by its unique name.
func (s *RoleService) GetRoleByName(ctx context.Context, name string) (*domain.Role, error) {
	role, err := s.roles.GetByName(ctx, strings.TrimSpace(name))
	if err != nil {
		return nil, fmt.Errorf("role %q: %w", name, err)
	}
	return role, nil
}

// CreateRole provisions a new role with its permissions.
func (s *RoleService) CreateRole(ctx context.Context, actor domain.Actor, input CreateRoleInput) (CreateRoleResult, error) {
	var result CreateRoleResult

	roleName := strings.TrimSpace(input.Name)
	if roleName == "" {
		return result, fmt.Errorf("%w: role name is required", domain.ErrInvalidInput)
	}

	roleType := input.Type
	if roleType == "" {
		roleType = domain.RoleTypeCustom
	}
	if !roleType.Valid() {
		return result, fmt.Errorf("%w: unknown role type %q", domain.ErrInvalidInput, roleType)
	}

	if existing, err := s.roles.GetByName(ctx, roleName); err == nil && existing != nil {
		return result, fmt.Errorf("role %q: %w", roleName, domain.ErrConflict)
	} else if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return result, fmt.Errorf("lookup role by name: %w", err)
	}

	role := domain.Role{
		ID:          domain.NewID[domain.Role](),
		Name:        roleName,
		DisplayName: strings.TrimSpace(input.DisplayName),
		Type:        roleType,
	}
	if role.DisplayName == "" {
		role.DisplayName = roleName
	}
	if input.Description != nil {
		if trimmed := strings.TrimSpace(*input.Description); trimmed != "" {
			role.Description = &trimmed
		}
	}
	role.Stamp(s.now())

	if err := s.roles.Create(ctx, role); err != nil {
		return result, fmt.Errorf("create role: %w", err)
	}

	permissions, err := s.ensurePermissions(ctx, input.Permissions)
	if err != nil {
		return result, err
	}

	permissionIDs := make([]domain.PermissionID, 0, len(permissions))
	for _, permission := range permissions {
		permissionIDs = append(permissionIDs, permission.ID)
	}
	if len(permissionIDs) > 0 {
		if err := s.roles.AttachPermissions(ctx, role.ID, permissionIDs); err != nil {
			return result, fmt.Errorf("attach permissions: %w", err)
		}
	}
	role.PermissionIDs = permissionIDs

	for _, parentID := range input.ParentIDs {
		if err := s.AddParent(ctx, role.ID, parentID); err != nil {
			return result, err
		}
		role.ParentIDs = append(role.ParentIDs, parentID)
	}

	s.logger.Info("role created",
		zap.String("role_id", role.ID.String()),
		zap.String("role", role.Name),
		zap.String("type", string(role.Type)),
		zap.String("actor_id", actor.ID),
	)

	result.Role = role
	result.Permissions = permissions
	return result, nil
}

func (s *RoleService) ensurePermissions(ctx context.Context, inputs []PermissionInput) ([]domain.Permission, error) {
	result := make([]domain.Permission, 0, len(inputs))
	seen := make(map[string]struct{}, len(inputs))

	for _, in := range inputs {
		resource := strings.TrimSpace(in.Resource)
		action := strings.TrimSpace(in.Action)
		if resource == "" || action == "" {
			return nil, fmt.Errorf("%w: permission resource and action are required", domain.ErrInvalidInput)
		}

		canonical := strings.ToLower(resource + ":" + action)
		if _, exists := seen[canonical]; exists {
			continue
		}
		seen[canonical] = struct{}{}

		permission, err := s.permissions.GetByResourceAction(ctx, resource, action)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				return nil, fmt.Errorf("lookup permission %s:%s: %w", resource, action, err)
			}

			permission = &domain.Permission{
				ID:       domain.NewID[domain.Permission](),
				Resource: resource,
				Action:   action,
			}
			if in.Description != nil {
				if trimmed := strings.TrimSpace(*in.Description); trimmed != "" {
					permission.Description = &trimmed
				}
			}
			permission.Stamp(s.now())

			if err := s.permissions.Create(ctx, *permission); err != nil {
				return nil, fmt.Errorf("create permission %s: %w", permission.Name(), err)
			}
		}

		result = append(result, *permission)
	}

	return result, nil
}

// DeleteRole removes a non-system role.
func (s *RoleService) DeleteRole(ctx context.Context, actor domain.Actor, id domain.RoleID) error {
	role, err := s.roles.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("role %s: %w", id, err)
	}
	if !role.Deletable() {
		return fmt.Errorf("role %s: %w", role.Name, domain.ErrSystemRoleImmutable)
	}
	if err := s.roles.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete role: %w", err)
	}

	s.logger.Info("role deleted", zap.String("role_id", id.String()), zap.String("role", role.Name), zap.String("actor_id", actor.ID))
	return nil
}

// AddParent makes roleID inherit from parentID, rejecting edges that would close a cycle.
func (s *RoleService) AddParent(ctx context.Context, roleID, parentID domain.RoleID) error {
	if roleID == parentID {
		return domain.ErrRoleHierarchyCycle
	}

	if _, err := s.roles.GetByID(ctx, roleID); err != nil {
		return fmt.Errorf("role %s: %w", roleID, err)
	}
	if _, err := s.roles.GetByID(ctx, parentID); err != nil {
		return fmt.Errorf("parent role %s: %w", parentID, err)
	}

	ancestors, err := s.ancestors(ctx, []domain.RoleID{parentID})
	if err != nil {
		return err
	}
	if _, ok := ancestors[roleID]; ok {
		return domain.ErrRoleHierarchyCycle
	}

	if err := s.roles.AddParent(ctx, roleID, parentID); err != nil {
		return fmt.Errorf("add parent role: %w", err)
	}
	return nil
}

// ExpandRoles returns the given roles together with every role they inherit from.
func (s *RoleService) ExpandRoles(ctx context.Context, ids []domain.RoleID) ([]domain.Role, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	set, err := s.ancestors(ctx, ids)
	if err != nil {
		return nil, err
	}

	all := make([]domain.Role, 0, len(set))
	for _, role := range set {
		all = append(all, role)
	}
	return all, nil
}

// ancestors walks the hierarchy breadth-first from ids, including ids themselves.
func (s *RoleService) ancestors(ctx context.Context, ids []domain.RoleID) (map[domain.RoleID]domain.Role, error) {
	found := make(map[domain.RoleID]domain.Role)
	frontier := ids

	for steps := 0; len(frontier) > 0; steps++ {
		if steps > maxHierarchyWalk {
			return nil, fmt.Errorf("role hierarchy deeper than %d levels", maxHierarchyWalk)
		}

		roles, err := s.roles.ListByIDs(ctx, frontier)
		if err != nil {
			return nil, fmt.Errorf("load roles: %w", err)
		}

		var next []domain.RoleID
		for _, role := range roles {
			if _, seen := found[role.ID]; seen {
				continue
			}
			found[role.ID] = role
			for _, parent := range role.ParentIDs {
				if _, seen := found[parent]; !seen {
					next = append(next, parent)
				}
			}
		}
		frontier = next
	}

	return found, nil
}

// EffectivePermissions aggregates the permissions granted by roles and their ancestors.
func (s *RoleService) EffectivePermissions(ctx context.Context, ids []domain.RoleID) ([]domain.Permission, error) {
	expanded, err := s.ExpandRoles(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(expanded) == 0 {
		return nil, nil
	}

	roleIDs := make([]domain.RoleID, 0, len(expanded))
	for _, role := range expanded {
		roleIDs = append(roleIDs, role.ID)
	}

	permissions, err := s.permissions.ListByRoles(ctx, roleIDs)
	if err != nil {
		return nil, fmt.Errorf("list permissions by roles: %w", err)
	}

	seen := make(map[domain.PermissionID]struct{}, len(permissions))
	unique := make([]domain.Permission, 0, len(permissions))
	for _, permission := range permissions {
		if _, ok := seen[permission.ID]; ok {
			continue
		}
		seen[permission.ID] = struct{}{}
		unique = append(unique, permission)
	}
	return unique, nil
}

// RemoveParent drops an inheritance edge.
func (s *RoleService) RemoveParent(ctx context.Context, roleID, parentID domain.RoleID) error {
	if err := s.roles.RemoveParent(ctx, roleID, parentID); err != nil {
		return fmt.Errorf("remove parent role: %w", err)
	}
	return nil
}

// GrantPermissions attaches permissions to an existing role, creating unknown ones.
func (s *RoleService) GrantPermissions(ctx context.Context, roleID domain.RoleID, inputs []PermissionInput) ([]domain.Permission, error) {
	role, err := s.roles.GetByID(ctx, roleID)
	if err != nil {
		return nil, fmt.Errorf("role %s: %w", roleID, err)
	}
	if role.Type == domain.RoleTypeSystem {
		return nil, fmt.Errorf("role %s: %w", role.Name, domain.ErrSystemRoleImmutable)
	}

	permissions, err := s.ensurePermissions(ctx, inputs)
	if err != nil {
		return nil, err
	}

	ids := make([]domain.PermissionID, 0, len(permissions))
	for _, permission := range permissions {
		ids = append(ids, permission.ID)
	}
	if len(ids) > 0 {
		if err := s.roles.AttachPermissions(ctx, roleID, ids); err != nil {
			return nil, fmt.Errorf("attach permissions: %w", err)
		}
	}
	return permissions, nil
}
