package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/carehub/pkg/audit"
	"github.com/platinummonkey/carehub/pkg/principals"
)

// GrantRequest asks for a role to be bound to a principal at a scope
type GrantRequest struct {
	PrincipalID principals.ID    `json:"principal_id"`
	RoleID      principals.ID    `json:"role_id"`
	Scope       principals.Scope `json:"scope"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
}

// Granter creates and revokes role assignments. Every change is validated, authorized
// against the caller's own assignments, recorded in the compliance log and drops the
// accessible-set cache.
type Granter struct {
	store    principals.Store
	recorder *audit.Recorder
	cache    *AccessCache
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewGranter creates a Granter. cache may be nil.
func NewGranter(store principals.Store, recorder *audit.Recorder, cache *AccessCache, log logrus.FieldLogger) *Granter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if recorder == nil {
		recorder = audit.NewRecorder(nil, log)
	}
	return &Granter{
		store:    store,
		recorder: recorder,
		cache:    cache,
		log:      log,
		now:      time.Now,
	}
}

// Grant validates and stores a new role assignment on behalf of caller
func (g *Granter) Grant(ctx context.Context, caller principals.Caller, req GrantRequest) (*principals.RoleAssignment, error) {
	role, err := g.store.GetRole(ctx, req.RoleID)
	if errors.Is(err, principals.ErrNotFound) {
		return nil, invalid("role_id", "role %d does not exist", req.RoleID)
	}
	if err != nil {
		return nil, err
	}
	if err := ValidateAssignment(role, req.Scope); err != nil {
		return nil, err
	}
	if err := ValidateExpiry(req.ExpiresAt, g.now()); err != nil {
		return nil, err
	}
	if err := g.checkScopeTarget(ctx, req.Scope); err != nil {
		return nil, err
	}

	target, err := g.store.GetPrincipal(ctx, req.PrincipalID)
	if err != nil {
		return nil, err
	}
	if !target.Active() {
		return nil, invalid("principal_id", "principal %d is not active", req.PrincipalID)
	}

	if err := g.authorize(ctx, caller.PrincipalID, role, req.Scope); err != nil {
		return nil, err
	}

	assignment := &principals.RoleAssignment{
		PrincipalID: req.PrincipalID,
		RoleID:      role.ID,
		Scope:       req.Scope,
		Status:      principals.AssignmentActive,
		ExpiresAt:   req.ExpiresAt,
	}
	if caller.PrincipalID != 0 {
		by := caller.PrincipalID
		assignment.AssignedBy = &by
	}

	metadata := map[string]interface{}{
		"role":  role.Name,
		"scope": req.Scope.String(),
	}
	err = g.recorder.Mutate(ctx, caller, audit.Mutation{
		Operation: audit.OperationInsert,
		Category:  audit.CategoryRoleAssignment,
		SubjectID: audit.SubjectID(req.PrincipalID),
		Fields:    []string{"role_id", "scope_kind", "scope_id", "expires_at"},
		Metadata:  metadata,
	}, func(ctx context.Context) error {
		if err := g.store.CreateAssignment(ctx, assignment); err != nil {
			return err
		}
		metadata["assignment_id"] = assignment.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	assignment.Role = role
	g.invalidate(ctx)
	g.log.WithFields(logrus.Fields{
		"assignment_id": assignment.ID,
		"principal_id":  assignment.PrincipalID,
		"role":          role.Name,
		"scope":         req.Scope.String(),
		"granted_by":    caller.PrincipalID,
	}).Info("role assignment granted")
	return assignment, nil
}

// Revoke soft-deletes an assignment on behalf of caller
func (g *Granter) Revoke(ctx context.Context, caller principals.Caller, assignmentID principals.ID) error {
	assignment, err := g.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	if assignment.DeletedAt != nil {
		return fmt.Errorf("role assignment %d: %w", assignmentID, principals.ErrNotFound)
	}
	if err := g.authorize(ctx, caller.PrincipalID, assignment.Role, assignment.Scope); err != nil {
		return err
	}

	err = g.recorder.Mutate(ctx, caller, audit.Mutation{
		Operation: audit.OperationDelete,
		Category:  audit.CategoryRoleAssignment,
		SubjectID: audit.SubjectID(assignment.PrincipalID),
		Fields:    []string{"deleted_at", "deleted_by"},
		Metadata: map[string]interface{}{
			"assignment_id": assignment.ID,
			"scope":         assignment.Scope.String(),
		},
	}, func(ctx context.Context) error {
		return g.store.RevokeAssignment(ctx, assignmentID, caller.PrincipalID)
	})
	if err != nil {
		return err
	}

	g.invalidate(ctx)
	g.log.WithFields(logrus.Fields{
		"assignment_id": assignmentID,
		"principal_id":  assignment.PrincipalID,
		"revoked_by":    caller.PrincipalID,
	}).Info("role assignment revoked")
	return nil
}

func (g *Granter) checkScopeTarget(ctx context.Context, scope principals.Scope) error {
	var err error
	switch scope.Kind {
	case principals.ScopeCompany:
		_, err = g.store.GetCompany(ctx, scope.ID)
	case principals.ScopeEstablishment:
		_, err = g.store.GetEstablishment(ctx, scope.ID)
	}
	if errors.Is(err, principals.ErrNotFound) {
		return invalid("scope", "%s does not exist", scope)
	}
	return err
}

// authorize allows system administrators, and holders of an administrative assignment that
// covers scope with a level at least that of the role being managed.
func (g *Granter) authorize(ctx context.Context, actorID principals.ID, role *principals.Role, scope principals.Scope) error {
	actor, err := g.store.GetPrincipal(ctx, actorID)
	if errors.Is(err, principals.ErrNotFound) {
		return ErrForbidden
	}
	if err != nil {
		return err
	}
	if !actor.Active() {
		return ErrForbidden
	}
	if actor.IsSystemAdmin {
		return nil
	}

	level := MaxRoleLevel
	if role != nil {
		level = role.Level
	}

	assignments, err := g.store.ActiveAssignments(ctx, actorID)
	if err != nil {
		return err
	}
	for _, a := range assignments {
		if a.Level() < EstablishmentAdminLevel || a.Level() < level {
			continue
		}
		ok, err := g.contains(ctx, a.Scope, scope)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return ErrForbidden
}

// contains reports whether scope lies within outer in the organizational tree
func (g *Granter) contains(ctx context.Context, outer, scope principals.Scope) (bool, error) {
	switch outer.Kind {
	case principals.ScopeSystem:
		return true, nil
	case principals.ScopeCompany:
		switch scope.Kind {
		case principals.ScopeCompany:
			return scope.ID == outer.ID, nil
		case principals.ScopeEstablishment:
			est, err := g.store.GetEstablishment(ctx, scope.ID)
			if err != nil {
				return false, err
			}
			return est.CompanyID == outer.ID, nil
		}
	case principals.ScopeEstablishment:
		return scope == outer, nil
	}
	return false, nil
}

func (g *Granter) invalidate(ctx context.Context) {
	if err := g.cache.Invalidate(ctx); err != nil {
		g.log.WithError(err).Warn("failed to invalidate access cache")
	}
}
