package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/carehub/pkg/audit"
	"github.com/platinummonkey/carehub/pkg/auth"
	"github.com/platinummonkey/carehub/pkg/middleware"
	"github.com/platinummonkey/carehub/pkg/principals"
)

const tracerName = "github.com/platinummonkey/carehub/pkg/session"

var _ middleware.Authenticator = (*Manager)(nil)

// Manager runs the session state machine:
//
//	Anonymous -> Authenticated(role, scope) -> Authenticated(role', scope') | Impersonating(target, role, scope) -> Terminated
//
// Every transition is stored together with its ContextTransition record.
type Manager struct {
	store       Store
	principals  principals.Store
	tokens      *auth.TokenGenerator
	log         logrus.FieldLogger
	tracer      trace.Tracer
	transitions *prometheus.CounterVec
	ttl         time.Duration
	now         func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithTTL sets the session lifetime
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithLogger sets the manager logger
func WithLogger(log logrus.FieldLogger) Option {
	return func(m *Manager) { m.log = log }
}

// WithTransitionCounter counts transitions. The vector must have a single "reason" label.
func WithTransitionCounter(c *prometheus.CounterVec) Option {
	return func(m *Manager) { m.transitions = c }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager
func NewManager(store Store, principalStore principals.Store, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		principals: principalStore,
		tokens:     auth.NewTokenGenerator(),
		log:        logrus.StandardLogger(),
		tracer:     otel.Tracer(tracerName),
		ttl:        DefaultTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartSession opens a session for principalID wearing (roleID, scope). The tuple must be
// one of the principal's available profiles. The bearer token is returned only here.
func (m *Manager) StartSession(ctx context.Context, caller principals.Caller, principalID, roleID principals.ID, scope principals.Scope) (*Session, string, error) {
	ctx, span := m.tracer.Start(ctx, "session.StartSession",
		trace.WithAttributes(
			attribute.Int64("carehub.principal_id", principalID),
			attribute.Int64("carehub.role_id", roleID),
			attribute.String("carehub.scope", scope.String()),
		))
	defer span.End()

	owner, err := m.activePrincipal(ctx, principalID)
	if err != nil {
		return nil, "", spanError(span, err)
	}
	profiles, err := m.profilesFor(ctx, owner)
	if err != nil {
		return nil, "", spanError(span, err)
	}

	tuple := audit.Tuple{RoleID: roleID, Scope: scope}
	if !permits(profiles, tuple) {
		m.log.WithFields(logrus.Fields{
			"principal_id": principalID,
			"role_id":      roleID,
			"scope":        scope.String(),
		}).Warn("session start rejected")
		return nil, "", spanError(span, fmt.Errorf("%w: role %d at %s", ErrUnauthorized, roleID, scope))
	}

	token, tokenHash, err := m.tokens.GenerateToken()
	if err != nil {
		return nil, "", spanError(span, err)
	}

	now := m.now()
	s := &Session{
		ID:             uuid.New().String(),
		PrincipalID:    principalID,
		TokenHash:      tokenHash,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(m.ttl),
		IPAddress:      caller.IPAddress,
		UserAgent:      caller.UserAgent,
	}
	s.apply(tuple)

	t := m.transition(caller, s, nil, &tuple, audit.ReasonLogin, now)
	if err := m.store.Create(ctx, s, t); err != nil {
		return nil, "", spanError(span, fmt.Errorf("failed to create session: %w", err))
	}

	m.observe(audit.ReasonLogin)
	span.SetAttributes(attribute.String("carehub.session_id", s.ID))
	m.log.WithFields(logrus.Fields{
		"session_id":   s.ID,
		"principal_id": principalID,
		"role_id":      roleID,
		"scope":        scope.String(),
	}).Info("session started")
	return s, token, nil
}

// SwitchContext changes the role, scope or impersonation target of a live session. The
// resulting tuple is checked against the owner's available profiles; on rejection the
// session is left untouched and ErrUnauthorized is returned.
func (m *Manager) SwitchContext(ctx context.Context, caller principals.Caller, sessionID string, req SwitchRequest) (*Session, error) {
	ctx, span := m.tracer.Start(ctx, "session.SwitchContext",
		trace.WithAttributes(attribute.String("carehub.session_id", sessionID)))
	defer span.End()

	s, err := m.Validate(ctx, sessionID)
	if err != nil {
		return nil, spanError(span, err)
	}
	owner, err := m.activePrincipal(ctx, s.PrincipalID)
	if err != nil {
		return nil, spanError(span, err)
	}

	previous := s.Tuple()
	next := nextTuple(previous, req, s.PrincipalID)
	if tuplesEqual(previous, next) {
		// no transition, but the switch still counts as activity
		touched := s.clone()
		touched.LastActivityAt = m.now()
		if err := m.store.Update(ctx, touched, nil); err != nil {
			return nil, spanError(span, fmt.Errorf("failed to record session activity: %w", err))
		}
		return touched, nil
	}

	profiles, err := m.profilesFor(ctx, owner)
	if err != nil {
		return nil, spanError(span, err)
	}
	if !permits(profiles, next) {
		m.log.WithFields(logrus.Fields{
			"session_id":   s.ID,
			"principal_id": s.PrincipalID,
			"role_id":      next.RoleID,
			"scope":        next.Scope.String(),
		}).Warn("context switch rejected")
		return nil, spanError(span, ErrUnauthorized)
	}

	reason := audit.ReasonUserSwitch
	if next.ImpersonateID != nil && !sameTarget(previous.ImpersonateID, next.ImpersonateID) {
		reason = audit.ReasonImpersonation
	}
	if req.Reason != "" {
		reason = audit.TransitionReason(req.Reason)
	}

	now := m.now()
	updated := s.clone()
	updated.apply(next)
	updated.LastActivityAt = now

	t := m.transition(caller, updated, &previous, &next, reason, now)
	if err := m.store.Update(ctx, updated, t); err != nil {
		return nil, spanError(span, fmt.Errorf("failed to switch context: %w", err))
	}

	m.observe(reason)
	fields := logrus.Fields{
		"session_id":   s.ID,
		"principal_id": s.PrincipalID,
		"role_id":      next.RoleID,
		"scope":        next.Scope.String(),
		"reason":       reason,
	}
	if next.ImpersonateID != nil {
		fields["impersonate_principal_id"] = *next.ImpersonateID
	}
	m.log.WithFields(fields).Info("session context switched")
	return updated, nil
}

// EndSession terminates a session with reason logout, session_timeout or forced_switch.
// A session that already expired is closed with session_timeout.
func (m *Manager) EndSession(ctx context.Context, caller principals.Caller, sessionID string, reason audit.TransitionReason) error {
	ctx, span := m.tracer.Start(ctx, "session.EndSession",
		trace.WithAttributes(
			attribute.String("carehub.session_id", sessionID),
			attribute.String("carehub.reason", string(reason)),
		))
	defer span.End()

	if !validEndReasons[reason] {
		return spanError(span, fmt.Errorf("%w: %q", ErrInvalidReason, reason))
	}

	s, err := m.store.Get(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return spanError(span, ErrExpiredSession)
	}
	if err != nil {
		return spanError(span, err)
	}
	if s.EndedAt != nil {
		return spanError(span, ErrExpiredSession)
	}

	now := m.now()
	if now.After(s.ExpiresAt) {
		reason = audit.ReasonSessionTimeout
	}

	previous := s.Tuple()
	ended := s.clone()
	ended.EndedAt = &now
	ended.EndReason = reason
	ended.LastActivityAt = now

	t := m.transition(caller, ended, &previous, nil, reason, now)
	if err := m.store.Update(ctx, ended, t); err != nil {
		return spanError(span, fmt.Errorf("failed to end session: %w", err))
	}

	m.observe(reason)
	m.log.WithFields(logrus.Fields{
		"session_id":   s.ID,
		"principal_id": s.PrincipalID,
		"reason":       reason,
	}).Info("session ended")
	return nil
}

// Validate returns the live session sessionID, or ErrExpiredSession
func (m *Manager) Validate(ctx context.Context, sessionID string) (*Session, error) {
	s, err := m.store.Get(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrExpiredSession
	}
	if err != nil {
		return nil, err
	}
	if s.State(m.now()) == StateTerminated {
		return nil, ErrExpiredSession
	}
	return s, nil
}

// Authenticate resolves a bearer token to its live session
func (m *Manager) Authenticate(ctx context.Context, token string) (*Session, error) {
	if err := m.tokens.ValidateTokenFormat(token); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExpiredSession, err)
	}
	s, err := m.store.GetByTokenHash(ctx, m.tokens.HashToken(token))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrExpiredSession
	}
	if err != nil {
		return nil, err
	}
	if s.State(m.now()) == StateTerminated {
		return nil, ErrExpiredSession
	}
	return s, nil
}

// AuthenticateToken implements middleware.Authenticator
func (m *Manager) AuthenticateToken(ctx context.Context, token string) (*middleware.Identity, error) {
	s, err := m.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	owner, err := m.principals.GetPrincipal(ctx, s.PrincipalID)
	if errors.Is(err, principals.ErrNotFound) {
		return nil, ErrExpiredSession
	}
	if err != nil {
		return nil, err
	}
	if !owner.Active() {
		return nil, ErrExpiredSession
	}

	return &middleware.Identity{
		SessionID:     s.ID,
		OwnerID:       s.PrincipalID,
		EffectiveID:   s.EffectivePrincipal(),
		IsSystemAdmin: owner.IsSystemAdmin,
		RoleID:        s.RoleID,
		Scope:         s.Scope,
		Impersonating: s.ImpersonatePrincipalID != nil,
	}, nil
}

// Transitions lists the recorded context transitions of a session
func (m *Manager) Transitions(ctx context.Context, sessionID string) ([]*audit.ContextTransition, error) {
	return m.store.Transitions(ctx, sessionID)
}

func (m *Manager) activePrincipal(ctx context.Context, id principals.ID) (*principals.Principal, error) {
	p, err := m.principals.GetPrincipal(ctx, id)
	if errors.Is(err, principals.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown principal %d", ErrUnauthorized, id)
	}
	if err != nil {
		return nil, err
	}
	if !p.Active() {
		return nil, fmt.Errorf("%w: principal %d is inactive", ErrUnauthorized, id)
	}
	return p, nil
}

func (m *Manager) transition(caller principals.Caller, s *Session, previous, next *audit.Tuple, reason audit.TransitionReason, now time.Time) *audit.ContextTransition {
	return &audit.ContextTransition{
		SessionID:   s.ID,
		PrincipalID: s.PrincipalID,
		Previous:    previous,
		New:         next,
		Reason:      reason,
		IPAddress:   caller.IPAddress,
		UserAgent:   caller.UserAgent,
		RequestID:   caller.RequestID,
		CreatedAt:   now,
	}
}

func (m *Manager) observe(reason audit.TransitionReason) {
	if m.transitions != nil {
		m.transitions.WithLabelValues(string(reason)).Inc()
	}
}

// nextTuple applies req to current. Impersonating oneself means not impersonating.
func nextTuple(current audit.Tuple, req SwitchRequest, owner principals.ID) audit.Tuple {
	next := current
	if req.RoleID != nil {
		next.RoleID = *req.RoleID
	}
	if req.Scope != nil {
		next.Scope = *req.Scope
	}
	switch {
	case req.StopImpersonation:
		next.ImpersonateID = nil
	case req.ImpersonatePrincipalID != nil:
		id := *req.ImpersonatePrincipalID
		next.ImpersonateID = &id
	}
	if next.ImpersonateID != nil && *next.ImpersonateID == owner {
		next.ImpersonateID = nil
	}
	return next
}

func tuplesEqual(a, b audit.Tuple) bool {
	return a.RoleID == b.RoleID && a.Scope == b.Scope && sameTarget(a.ImpersonateID, b.ImpersonateID)
}

func sameTarget(a, b *principals.ID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
