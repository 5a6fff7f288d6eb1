package session

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/platinummonkey/carehub/pkg/audit"
	"github.com/platinummonkey/carehub/pkg/principals"
)

// GetAvailableProfiles lists the contexts principalID may wear. System administrators see
// every active assignment in the system; assignments held by others are flagged as
// impersonation. Everyone else sees only their own active assignments. Unknown or inactive
// principals get an empty list.
//
// This is the only authorization source for StartSession and SwitchContext.
func (m *Manager) GetAvailableProfiles(ctx context.Context, principalID principals.ID) ([]Profile, error) {
	p, err := m.principals.GetPrincipal(ctx, principalID)
	if errors.Is(err, principals.ErrNotFound) {
		return []Profile{}, nil
	}
	if err != nil {
		return nil, err
	}
	return m.profilesFor(ctx, p)
}

func (m *Manager) profilesFor(ctx context.Context, p *principals.Principal) ([]Profile, error) {
	if !p.Active() {
		return []Profile{}, nil
	}

	var assignments []*principals.RoleAssignment
	var err error
	if p.IsSystemAdmin {
		assignments, err = m.principals.ListActiveAssignments(ctx)
	} else {
		assignments, err = m.principals.ActiveAssignments(ctx, p.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load assignments: %w", err)
	}

	names := newNamer(m.principals)
	profiles := make([]Profile, 0, len(assignments))
	for _, a := range assignments {
		if a.Role == nil {
			continue
		}
		profile := Profile{
			AssignmentID:    a.ID,
			Role:            a.Role,
			Scope:           a.Scope,
			OwnerID:         a.PrincipalID,
			IsImpersonation: a.PrincipalID != p.ID,
			CanSwitch:       true,
		}

		label, err := names.describe(ctx, a.Role, a.Scope)
		if err != nil {
			return nil, err
		}
		if profile.IsImpersonation {
			owner, err := names.principal(ctx, a.PrincipalID)
			if err != nil {
				return nil, err
			}
			// administrators are never impersonated
			profile.CanSwitch = owner.Active() && !owner.IsSystemAdmin
			label = owner.Username + ": " + label
		}
		profile.DisplayName = label
		profiles = append(profiles, profile)
	}

	sort.SliceStable(profiles, func(i, j int) bool {
		a, b := profiles[i], profiles[j]
		if a.IsImpersonation != b.IsImpersonation {
			return !a.IsImpersonation
		}
		if a.Role.Level != b.Role.Level {
			return a.Role.Level > b.Role.Level
		}
		if a.OwnerID != b.OwnerID {
			return a.OwnerID < b.OwnerID
		}
		return a.AssignmentID < b.AssignmentID
	})
	return profiles, nil
}

// permits reports whether next may be worn given the owner's available profiles. The
// (role, scope) pair must appear among the profiles; an impersonation target must own a
// switchable impersonation profile.
func permits(profiles []Profile, next audit.Tuple) bool {
	tupleOK := false
	targetOK := next.ImpersonateID == nil
	for _, p := range profiles {
		if p.Role.ID == next.RoleID && p.Scope == next.Scope {
			tupleOK = true
		}
		if next.ImpersonateID != nil && p.IsImpersonation && p.CanSwitch && p.OwnerID == *next.ImpersonateID {
			targetOK = true
		}
	}
	return tupleOK && targetOK
}

// namer memoizes the lookups needed for profile display names within one call
type namer struct {
	store          principals.Store
	companies      map[principals.ID]string
	establishments map[principals.ID]string
	principals     map[principals.ID]*principals.Principal
}

func newNamer(store principals.Store) *namer {
	return &namer{
		store:          store,
		companies:      make(map[principals.ID]string),
		establishments: make(map[principals.ID]string),
		principals:     make(map[principals.ID]*principals.Principal),
	}
}

func (n *namer) describe(ctx context.Context, role *principals.Role, scope principals.Scope) (string, error) {
	roleName := role.DisplayName
	if roleName == "" {
		roleName = role.Name
	}

	var scopeName string
	switch scope.Kind {
	case principals.ScopeSystem:
		scopeName = "System"
	case principals.ScopeCompany:
		name, ok := n.companies[scope.ID]
		if !ok {
			c, err := n.store.GetCompany(ctx, scope.ID)
			if err != nil && !errors.Is(err, principals.ErrNotFound) {
				return "", err
			}
			name = scope.String()
			if c != nil {
				name = c.Name
			}
			n.companies[scope.ID] = name
		}
		scopeName = name
	case principals.ScopeEstablishment:
		name, ok := n.establishments[scope.ID]
		if !ok {
			e, err := n.store.GetEstablishment(ctx, scope.ID)
			if err != nil && !errors.Is(err, principals.ErrNotFound) {
				return "", err
			}
			name = scope.String()
			if e != nil {
				name = e.Name
			}
			n.establishments[scope.ID] = name
		}
		scopeName = name
	}
	return roleName + " @ " + scopeName, nil
}

func (n *namer) principal(ctx context.Context, id principals.ID) (*principals.Principal, error) {
	if p, ok := n.principals[id]; ok {
		return p, nil
	}
	p, err := n.store.GetPrincipal(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load assignment owner: %w", err)
	}
	n.principals[id] = p
	return p, nil
}
