package usecase

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/arklim/iam-access-core/internal/core/domain"
)

func TestRoleService_CreateRoleDeduplicatesPermissions(t *testing.T) {
	roles := newRoleRepoMock()
	permissions := newPermissionRepoMock(roles)
	service := NewRoleService(roles, permissions)

	result, err := service.CreateRole(context.Background(), domain.SystemActor, CreateRoleInput{
		Name: "  editor ",
		Permissions: []PermissionInput{
			{Resource: "doc", Action: "edit"},
			{Resource: "DOC", Action: "Edit"},
			{Resource: "doc", Action: "read"},
		},
	})
	if err != nil {
		t.Fatalf("CreateRole returned error: %v", err)
	}

	if result.Role.Name != "editor" || result.Role.Type != domain.RoleTypeCustom {
		t.Fatalf("unexpected role %+v", result.Role)
	}
	if result.Role.DisplayName != "editor" {
		t.Fatalf("expected display name to default to the name, got %q", result.Role.DisplayName)
	}
	if len(result.Permissions) != 2 || permissions.created != 2 {
		t.Fatalf("expected 2 distinct permissions, got %d (created %d)", len(result.Permissions), permissions.created)
	}
	if got := len(roles.rolePermissions[result.Role.ID]); got != 2 {
		t.Fatalf("expected 2 attached permissions, got %d", got)
	}

	if _, err := service.CreateRole(context.Background(), domain.SystemActor, CreateRoleInput{Name: "editor"}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict for duplicate name, got %v", err)
	}
}

func TestRoleService_CreateRoleReusesExistingPermission(t *testing.T) {
	roles := newRoleRepoMock()
	permissions := newPermissionRepoMock(roles)
	service := NewRoleService(roles, permissions)
	ctx := context.Background()

	first, err := service.CreateRole(ctx, domain.SystemActor, CreateRoleInput{Name: "writer", Permissions: []PermissionInput{{Resource: "doc", Action: "edit"}}})
	if err != nil {
		t.Fatalf("CreateRole returned error: %v", err)
	}
	second, err := service.CreateRole(ctx, domain.SystemActor, CreateRoleInput{Name: "reviewer", Permissions: []PermissionInput{{Resource: "doc", Action: "edit"}}})
	if err != nil {
		t.Fatalf("CreateRole returned error: %v", err)
	}

	if first.Permissions[0].ID != second.Permissions[0].ID || permissions.created != 1 {
		t.Fatalf("expected the permission to be shared between roles")
	}
}

func TestRoleService_CreateRoleValidation(t *testing.T) {
	service := NewRoleService(newRoleRepoMock(), newPermissionRepoMock(newRoleRepoMock()))

	cases := []struct {
		name  string
		input CreateRoleInput
	}{
		{"empty name", CreateRoleInput{Name: "  "}},
		{"unknown type", CreateRoleInput{Name: "x", Type: "GOD"}},
		{"permission without action", CreateRoleInput{Name: "y", Permissions: []PermissionInput{{Resource: "doc"}}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := service.CreateRole(context.Background(), domain.SystemActor, tc.input); !errors.Is(err, domain.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestRoleService_AddParentRejectsCycles(t *testing.T) {
	viewer := mustRole("viewer")
	editor := mustRole("editor", viewer.ID)
	admin := mustRole("admin", editor.ID)
	roles := newRoleRepoMock(viewer, editor, admin)
	service := NewRoleService(roles, newPermissionRepoMock(roles))
	ctx := context.Background()

	if err := service.AddParent(ctx, viewer.ID, viewer.ID); !errors.Is(err, domain.ErrRoleHierarchyCycle) {
		t.Fatalf("expected self-parent to be rejected, got %v", err)
	}
	if err := service.AddParent(ctx, viewer.ID, admin.ID); !errors.Is(err, domain.ErrRoleHierarchyCycle) {
		t.Fatalf("expected transitive cycle to be rejected, got %v", err)
	}
	if len(roles.roles[viewer.ID].ParentIDs) != 0 {
		t.Fatalf("rejected edge must not be stored")
	}

	auditor := mustRole("auditor")
	roles.roles[auditor.ID] = auditor
	if err := service.AddParent(ctx, admin.ID, auditor.ID); err != nil {
		t.Fatalf("expected acyclic edge to be accepted, got %v", err)
	}
	if err := service.AddParent(ctx, admin.ID, domain.NewID[domain.Role]()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected unknown parent to be not found, got %v", err)
	}
}

func TestRoleService_ExpandRolesAndEffectivePermissions(t *testing.T) {
	viewer := mustRole("viewer")
	editor := mustRole("editor", viewer.ID)
	admin := mustRole("admin", editor.ID, viewer.ID)
	roles := newRoleRepoMock(viewer, editor, admin)
	permissions := newPermissionRepoMock(roles)
	service := NewRoleService(roles, permissions)
	ctx := context.Background()

	if _, err := service.GrantPermissions(ctx, viewer.ID, []PermissionInput{{Resource: "doc", Action: "read"}}); err != nil {
		t.Fatalf("grant viewer: %v", err)
	}
	if _, err := service.GrantPermissions(ctx, editor.ID, []PermissionInput{{Resource: "doc", Action: "edit"}, {Resource: "doc", Action: "read"}}); err != nil {
		t.Fatalf("grant editor: %v", err)
	}

	expanded, err := service.ExpandRoles(ctx, []domain.RoleID{admin.ID})
	if err != nil {
		t.Fatalf("ExpandRoles returned error: %v", err)
	}
	names := make([]string, 0, len(expanded))
	for _, role := range expanded {
		names = append(names, role.Name)
	}
	sort.Strings(names)
	if len(names) != 3 || names[0] != "admin" || names[1] != "editor" || names[2] != "viewer" {
		t.Fatalf("expected admin, editor and viewer, got %v", names)
	}

	effective, err := service.EffectivePermissions(ctx, []domain.RoleID{admin.ID})
	if err != nil {
		t.Fatalf("EffectivePermissions returned error: %v", err)
	}
	if len(effective) != 2 {
		t.Fatalf("expected 2 distinct inherited permissions, got %d", len(effective))
	}

	none, err := service.ExpandRoles(ctx, nil)
	if err != nil || none != nil {
		t.Fatalf("expected empty expansion, got %v err=%v", none, err)
	}
}

func TestRoleService_ExpandRolesSurvivesCorruptCycle(t *testing.T) {
	a := mustRole("a")
	b := mustRole("b", a.ID)
	a.ParentIDs = []domain.RoleID{b.ID}
	roles := newRoleRepoMock(a, b)
	service := NewRoleService(roles, newPermissionRepoMock(roles))

	expanded, err := service.ExpandRoles(context.Background(), []domain.RoleID{a.ID})
	if err != nil {
		t.Fatalf("ExpandRoles returned error: %v", err)
	}
	if len(expanded) != 2 {
		t.Fatalf("expected both roles once, got %d", len(expanded))
	}
}

func TestRoleService_SystemRolesAreImmutable(t *testing.T) {
	system := mustRole("platform-admin")
	system.Type = domain.RoleTypeSystem
	custom := mustRole("custom")
	roles := newRoleRepoMock(system, custom)
	service := NewRoleService(roles, newPermissionRepoMock(roles))
	ctx := context.Background()

	if err := service.DeleteRole(ctx, domain.SystemActor, system.ID); !errors.Is(err, domain.ErrSystemRoleImmutable) {
		t.Fatalf("expected ErrSystemRoleImmutable, got %v", err)
	}
	if _, err := service.GrantPermissions(ctx, system.ID, []PermissionInput{{Resource: "doc", Action: "read"}}); !errors.Is(err, domain.ErrSystemRoleImmutable) {
		t.Fatalf("expected grant on system role to fail, got %v", err)
	}
	if err := service.DeleteRole(ctx, domain.SystemActor, custom.ID); err != nil {
		t.Fatalf("expected custom role delete to succeed, got %v", err)
	}
	if _, ok := roles.roles[custom.ID]; ok {
		t.Fatalf("expected custom role to be removed")
	}
}
