package session

import (
	"errors"
	"time"

	"github.com/platinummonkey/carehub/pkg/audit"
	"github.com/platinummonkey/carehub/pkg/principals"
)

var (
	// ErrUnauthorized is returned when a requested role, scope or impersonation target is
	// not among the owner's available profiles
	ErrUnauthorized = errors.New("context not available to principal")
	// ErrExpiredSession is returned for operations on an expired, terminated or unknown session
	ErrExpiredSession = errors.New("session expired or terminated")
	// ErrInvalidReason is returned when a session is ended with an unsupported reason
	ErrInvalidReason = errors.New("invalid end reason")
)

// DefaultTTL is the session lifetime used when none is configured
const DefaultTTL = 8 * time.Hour

// State is the derived lifecycle state of a session
type State string

const (
	StateAnonymous     State = "anonymous"
	StateAuthenticated State = "authenticated"
	StateImpersonating State = "impersonating"
	StateTerminated    State = "terminated"
)

// Session is an authenticated runtime context: the role and scope its owner currently wears,
// optionally acting as another principal.
type Session struct {
	ID                     string                 `json:"id"`
	PrincipalID            principals.ID          `json:"principal_id"`
	RoleID                 principals.ID          `json:"role_id"`
	Scope                  principals.Scope       `json:"scope"`
	ImpersonatePrincipalID *principals.ID         `json:"impersonate_principal_id,omitempty"`
	TokenHash              string                 `json:"-"`
	CreatedAt              time.Time              `json:"created_at"`
	LastActivityAt         time.Time              `json:"last_activity_at"`
	ExpiresAt              time.Time              `json:"expires_at"`
	EndedAt                *time.Time             `json:"ended_at,omitempty"`
	EndReason              audit.TransitionReason `json:"end_reason,omitempty"`
	IPAddress              string                 `json:"ip_address,omitempty"`
	UserAgent              string                 `json:"user_agent,omitempty"`
}

// State derives the lifecycle state at instant now. Expiry is passive: a session past
// ExpiresAt is terminated whether or not it was ended explicitly.
func (s *Session) State(now time.Time) State {
	switch {
	case s == nil:
		return StateAnonymous
	case s.EndedAt != nil, now.After(s.ExpiresAt):
		return StateTerminated
	case s.ImpersonatePrincipalID != nil:
		return StateImpersonating
	default:
		return StateAuthenticated
	}
}

// Tuple returns the (role, scope, impersonation) the session currently acts under
func (s *Session) Tuple() audit.Tuple {
	t := audit.Tuple{RoleID: s.RoleID, Scope: s.Scope}
	if s.ImpersonatePrincipalID != nil {
		id := *s.ImpersonatePrincipalID
		t.ImpersonateID = &id
	}
	return t
}

// EffectivePrincipal is the principal access decisions are made for
func (s *Session) EffectivePrincipal() principals.ID {
	if s.ImpersonatePrincipalID != nil {
		return *s.ImpersonatePrincipalID
	}
	return s.PrincipalID
}

func (s *Session) clone() *Session {
	c := *s
	if s.ImpersonatePrincipalID != nil {
		id := *s.ImpersonatePrincipalID
		c.ImpersonatePrincipalID = &id
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

func (s *Session) apply(t audit.Tuple) {
	s.RoleID = t.RoleID
	s.Scope = t.Scope
	s.ImpersonatePrincipalID = t.ImpersonateID
}

// Profile is a (role, scope) a principal may wear, or for system administrators a
// principal they may act as
type Profile struct {
	AssignmentID    principals.ID    `json:"assignment_id"`
	Role            *principals.Role `json:"role"`
	Scope           principals.Scope `json:"scope"`
	DisplayName     string           `json:"display_name"`
	OwnerID         principals.ID    `json:"owner_id"`
	CanSwitch       bool             `json:"can_switch"`
	IsImpersonation bool             `json:"is_impersonation"`
}

// SwitchRequest asks for a context change. Nil fields keep their current value.
type SwitchRequest struct {
	RoleID                 *principals.ID    `json:"role_id,omitempty"`
	Scope                  *principals.Scope `json:"scope,omitempty"`
	ImpersonatePrincipalID *principals.ID    `json:"impersonate_principal_id,omitempty"`
	StopImpersonation      bool              `json:"stop_impersonation,omitempty"`
	Reason                 string            `json:"reason,omitempty"`
}

// validEndReasons are the reasons EndSession accepts
var validEndReasons = map[audit.TransitionReason]bool{
	audit.ReasonLogout:         true,
	audit.ReasonSessionTimeout: true,
	audit.ReasonForcedSwitch:   true,
}
