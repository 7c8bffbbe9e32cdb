package domain

import (
	"errors"
	"fmt"
)

// Root error kinds. Every error surfaced by the core wraps exactly one of them.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrInvalidInput  = errors.New("invalid input")
	ErrForbidden     = errors.New("forbidden")
	ErrIndeterminate = errors.New("indeterminate")
	ErrUnauthorized  = errors.New("unauthenticated")
	ErrUnavailable   = errors.New("upstream unavailable")
)

var (
	ErrInvalidScope      = fmt.Errorf("%w: scope context is required for non-global scope", ErrInvalidInput)
	ErrInvalidWindow     = fmt.Errorf("%w: effective window must end after it starts", ErrInvalidInput)
	ErrInvalidTransition = fmt.Errorf("%w: status transition not allowed", ErrInvalidInput)
	ErrInvalidUsername   = fmt.Errorf("%w: username must be 3-50 characters of letters, digits, dot, underscore or dash", ErrInvalidInput)
	ErrInvalidEmail      = fmt.Errorf("%w: email is malformed", ErrInvalidInput)
	ErrInvalidPolicy     = fmt.Errorf("%w: policy definition is malformed", ErrInvalidInput)

	ErrAlreadyTerminal     = fmt.Errorf("%w: assignment already revoked or expired", ErrConflict)
	ErrStaleVersion        = fmt.Errorf("%w: entity was modified concurrently", ErrConflict)
	ErrSystemRoleImmutable = fmt.Errorf("%w: system roles cannot be deleted", ErrConflict)
	ErrRoleHierarchyCycle  = fmt.Errorf("%w: role hierarchy would contain a cycle", ErrConflict)

	ErrAuthorizationIndeterminate = fmt.Errorf("%w: authorization could not be evaluated", ErrIndeterminate)

	ErrStateMismatch        = fmt.Errorf("%w: oidc state mismatch", ErrUnauthorized)
	ErrStateReplayed        = fmt.Errorf("%w: oidc state already consumed", ErrUnauthorized)
	ErrNonceMismatch        = fmt.Errorf("%w: id token nonce mismatch", ErrUnauthorized)
	ErrProviderNotFound     = fmt.Errorf("%w: identity provider", ErrNotFound)
	ErrProviderDisabled     = fmt.Errorf("%w: identity provider is disabled", ErrForbidden)
	ErrProvisioningDisabled = fmt.Errorf("%w: just-in-time provisioning is disabled for this provider", ErrForbidden)
	ErrProviderFailure      = fmt.Errorf("%w: identity provider call failed", ErrUnavailable)
)

// ErrorKind classifies errors for transport mapping and audit context.
type ErrorKind string

const (
	KindNotFound      ErrorKind = "not_found"
	KindConflict      ErrorKind = "conflict"
	KindInvalidInput  ErrorKind = "invalid_input"
	KindForbidden     ErrorKind = "forbidden"
	KindIndeterminate ErrorKind = "indeterminate"
	KindUnauthorized  ErrorKind = "unauthenticated"
	KindUnavailable   ErrorKind = "unavailable"
	KindInternal      ErrorKind = "internal"
)

var kindTable = []struct {
	err  error
	kind ErrorKind
}{
	{ErrNotFound, KindNotFound},
	{ErrConflict, KindConflict},
	{ErrInvalidInput, KindInvalidInput},
	{ErrForbidden, KindForbidden},
	{ErrIndeterminate, KindIndeterminate},
	{ErrUnauthorized, KindUnauthorized},
	{ErrUnavailable, KindUnavailable},
}

// KindOf returns the kind of err, or KindInternal when it wraps no known root.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, entry := range kindTable {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	return KindInternal
}
