package domain

import (
	"net/mail"
	"regexp"
	"strings"
	"time"
)

// UserStatus enumerates possible account states.
type UserStatus string

const (
	UserStatusActive              UserStatus = "ACTIVE"
	UserStatusInactive            UserStatus = "INACTIVE"
	UserStatusSuspended           UserStatus = "SUSPENDED"
	UserStatusLocked              UserStatus = "LOCKED"
	UserStatusPendingVerification UserStatus = "PENDING_VERIFICATION"
)

// Valid reports whether s is a known status.
func (s UserStatus) Valid() bool {
	switch s {
	case UserStatusActive, UserStatusInactive, UserStatusSuspended, UserStatusLocked, UserStatusPendingVerification:
		return true
	}
	return false
}

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{3,50}$`)

// User mirrors the persisted representation in the users table.
type User struct {
	ID          UserID
	Username    string
	Email       string
	DisplayName string
	Status      UserStatus
	Metadata    map[string]string
	Meta
}

// NewUser validates and normalises the supplied attributes.
func NewUser(username, email, displayName string, now time.Time) (User, error) {
	username = strings.TrimSpace(username)
	if !usernamePattern.MatchString(username) {
		return User{}, ErrInvalidUsername
	}

	normalized, err := NormalizeEmail(email)
	if err != nil {
		return User{}, err
	}

	user := User{
		ID:          NewID[User](),
		Username:    username,
		Email:       normalized,
		DisplayName: strings.TrimSpace(displayName),
		Status:      UserStatusActive,
		Metadata:    map[string]string{},
	}
	user.Stamp(now)
	return user, nil
}

// NormalizeEmail trims and lower-cases an address after validating it.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// ValidUsername reports whether candidate satisfies the username rules.
func ValidUsername(candidate string) bool {
	return usernamePattern.MatchString(candidate)
}

// IsActive reports whether the account may act.
func (u User) IsActive() bool { return u.Status == UserStatusActive }

// Activate moves the account to ACTIVE. Suspended accounts must be unsuspended by an operator first.
func (u *User) Activate(now time.Time) error {
	if u.Status == UserStatusSuspended {
		return ErrInvalidTransition
	}
	return u.transition(UserStatusActive, now)
}

// Suspend disables the account pending review.
func (u *User) Suspend(now time.Time) error {
	return u.transition(UserStatusSuspended, now)
}

// Lock blocks the account.
func (u *User) Lock(now time.Time) error {
	return u.transition(UserStatusLocked, now)
}

// Unlock restores a locked account.
func (u *User) Unlock(now time.Time) error {
	if u.Status != UserStatusLocked {
		return ErrInvalidTransition
	}
	return u.transition(UserStatusActive, now)
}

// Deactivate marks the account inactive.
func (u *User) Deactivate(now time.Time) error {
	return u.transition(UserStatusInactive, now)
}

func (u *User) transition(to UserStatus, now time.Time) error {
	if u.Status == to {
		return ErrInvalidTransition
	}
	u.Status = to
	u.Touch(now)
	return nil
}
