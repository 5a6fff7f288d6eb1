package rbac

import (
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/carehub/pkg/principals"
)

// ErrValidation is matched by every *ValidationError
var ErrValidation = errors.New("invalid role assignment")

// ErrForbidden is returned when the caller may not grant or revoke an assignment
var ErrForbidden = errors.New("not allowed to manage this assignment")

// ValidationError describes why a role/scope binding was rejected
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid role assignment: %s: %s", e.Field, e.Reason)
}

// Is reports whether target is ErrValidation
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ValidateAssignment checks that role may be bound at scope. A role may be bound at its own
// context kind or any kind above it: system roles only at system scope, company roles at
// system or company scope, establishment roles anywhere.
func ValidateAssignment(role *principals.Role, scope principals.Scope) error {
	if role == nil {
		return invalid("role_id", "role is required")
	}
	if role.Level < MinRoleLevel || role.Level > MaxRoleLevel {
		return invalid("role_id", "role level %d outside %d..%d", role.Level, MinRoleLevel, MaxRoleLevel)
	}
	if !role.ContextKind.Valid() {
		return invalid("role_id", "role %q has unknown context kind %q", role.Name, role.ContextKind)
	}
	if err := scope.Validate(); err != nil {
		return invalid("scope", "%v", err)
	}
	if !scope.Kind.Covers(role.ContextKind) {
		return invalid("scope", "%s role %q cannot be bound at %s scope", role.ContextKind, role.Name, scope.Kind)
	}
	return nil
}

// ValidateExpiry rejects an expiry that is not in the future
func ValidateExpiry(expiresAt *time.Time, now time.Time) error {
	if expiresAt != nil && !expiresAt.After(now) {
		return invalid("expires_at", "must be in the future")
	}
	return nil
}
