package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestNewUser_NormalisesAndValidates(t *testing.T) {
	now := time.Now()

	user, err := NewUser("  jane.doe ", "  Jane.Doe@Example.COM ", "Jane", now)
	if err != nil {
		t.Fatalf("NewUser returned error: %v", err)
	}
	if user.Username != "jane.doe" || user.Email != "jane.doe@example.com" {
		t.Fatalf("unexpected normalisation: %+v", user)
	}
	if user.Status != UserStatusActive || user.Version != 1 {
		t.Fatalf("unexpected initial state: %+v", user)
	}

	if _, err := NewUser("ab", "a@example.com", "", now); !errors.Is(err, ErrInvalidUsername) {
		t.Fatalf("expected ErrInvalidUsername, got %v", err)
	}
	if _, err := NewUser("has space", "a@example.com", "", now); !errors.Is(err, ErrInvalidUsername) {
		t.Fatalf("expected ErrInvalidUsername, got %v", err)
	}
	if _, err := NewUser("valid_name", "not-an-email", "", now); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail, got %v", err)
	}
}

func TestUser_Lifecycle(t *testing.T) {
	now := time.Now()
	user := User{Status: UserStatusActive, Meta: Meta{Version: 1}}

	if err := user.Suspend(now); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if err := user.Activate(now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected activation of suspended user to fail, got %v", err)
	}
	if err := user.Lock(now); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := user.Unlock(now); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if user.Status != UserStatusActive {
		t.Fatalf("expected ACTIVE after unlock, got %s", user.Status)
	}
	if err := user.Unlock(now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected unlock of active user to fail, got %v", err)
	}
	if user.Version != 4 {
		t.Fatalf("expected version 4 after three transitions, got %d", user.Version)
	}
}

func TestSecret_NeverRendered(t *testing.T) {
	cfg := OIDCProviderConfig{Name: "corp", ClientSecret: "s3cr3t-value"}

	for _, rendered := range []string{
		fmt.Sprintf("%v", cfg),
		fmt.Sprintf("%+v", cfg),
		fmt.Sprintf("%#v", cfg),
		cfg.ClientSecret.String(),
	} {
		if strings.Contains(rendered, "s3cr3t-value") {
			t.Fatalf("secret leaked in %q", rendered)
		}
	}

	payload, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(payload), "s3cr3t-value") {
		t.Fatalf("secret leaked in json: %s", payload)
	}
	if cfg.ClientSecret.Reveal() != "s3cr3t-value" {
		t.Fatalf("Reveal should return the raw value")
	}
}

func TestRoleMappingConfig_MapGroups(t *testing.T) {
	cfg := RoleMappingConfig{Rules: []RoleMappingRule{
		{Pattern: `^eng-.*$`, Role: "engineer"},
		{Pattern: `^admins$`, Role: "platform-admin"},
		{Pattern: `^eng-platform$`, Role: "engineer"},
	}}

	roles := cfg.MapGroups([]string{"eng-platform", "eng-web", "sales"})
	if len(roles) != 1 || roles[0] != "engineer" {
		t.Fatalf("unexpected roles %v", roles)
	}

	if err := (RoleMappingConfig{Rules: []RoleMappingRule{{Pattern: "([", Role: "x"}}}).Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid pattern to be rejected, got %v", err)
	}
	if err := (RoleMappingConfig{Rules: []RoleMappingRule{{Pattern: "a)|(b", Role: "x"}}}).Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected a group-closing pattern to be rejected, got %v", err)
	}
}

func TestRoleMappingConfig_PatternsMatchWholeGroup(t *testing.T) {
	cfg := RoleMappingConfig{Rules: []RoleMappingRule{
		{Pattern: "admins", Role: "platform-admin"},
		{Pattern: "eng-.*", Role: "engineer"},
	}}

	if roles := cfg.MapGroups([]string{"not-admins-readonly", "admins-old", "team-eng-web"}); len(roles) != 0 {
		t.Fatalf("expected substring groups not to map, got %v", roles)
	}

	roles := cfg.MapGroups([]string{"admins", "eng-web"})
	if len(roles) != 2 || roles[0] != "platform-admin" || roles[1] != "engineer" {
		t.Fatalf("expected exact groups to map, got %v", roles)
	}
}
