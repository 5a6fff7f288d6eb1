package menu

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/carehub/pkg/principals"
)

// Projector derives the navigation tree visible to a principal
type Projector struct {
	nodes      Store
	principals principals.Store
	devMode    bool
	log        logrus.FieldLogger
}

// ProjectorOption configures a Projector
type ProjectorOption func(*Projector)

// WithDevMode lets system administrators see dev-only nodes
func WithDevMode(enabled bool) ProjectorOption {
	return func(p *Projector) { p.devMode = enabled }
}

// WithLogger sets the projector logger
func WithLogger(log logrus.FieldLogger) ProjectorOption {
	return func(p *Projector) { p.log = log }
}

// NewProjector creates a Projector
func NewProjector(nodes Store, principalStore principals.Store, opts ...ProjectorOption) *Projector {
	p := &Projector{
		nodes:      nodes,
		principals: principalStore,
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// membership is what a principal brings to the visibility check
type membership struct {
	systemAdmin bool
	scopes      map[principals.Scope]bool
	roles       map[principals.ID]bool
}

// GetVisibleMenu returns the visible navigation tree of principalID. A node is visible when
//
//   - the principal is a system administrator and the node is not dev-only, or
//   - the node has no scope or role restriction, or
//   - one of the principal's scopes is in the node's allow-list, or
//   - the principal holds one of the node's required roles.
//
// Children of invisible nodes are pruned. Siblings are ordered by sort order then key.
// Unknown or inactive principals get an empty menu.
func (p *Projector) GetVisibleMenu(ctx context.Context, principalID principals.ID) ([]*TreeNode, error) {
	m, err := p.membershipOf(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return []*TreeNode{}, nil
	}

	nodes, err := p.nodes.ListNodes(ctx)
	if err != nil {
		return nil, err
	}

	children := make(map[int64][]*Node)
	var roots []*Node
	for _, n := range nodes {
		if n.ParentID == nil {
			roots = append(roots, n)
			continue
		}
		children[*n.ParentID] = append(children[*n.ParentID], n)
	}

	tree := p.build(roots, children, m, 0)
	p.log.WithFields(logrus.Fields{
		"principal_id": principalID,
		"nodes":        len(nodes),
		"roots":        len(tree),
	}).Debug("menu projected")
	return tree, nil
}

func (p *Projector) build(nodes []*Node, children map[int64][]*Node, m *membership, level int) []*TreeNode {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].SortOrder != nodes[j].SortOrder {
			return nodes[i].SortOrder < nodes[j].SortOrder
		}
		return nodes[i].Key < nodes[j].Key
	})

	out := make([]*TreeNode, 0, len(nodes))
	for _, n := range nodes {
		if !p.visible(n, m) {
			continue
		}
		tn := &TreeNode{Key: n.Key, Label: n.Label, Path: n.Path, Level: level}
		if kids := children[n.ID]; len(kids) > 0 && level < maxDepth {
			tn.Children = p.build(kids, children, m, level+1)
		}
		out = append(out, tn)
	}
	return out
}

func (p *Projector) visible(n *Node, m *membership) bool {
	if m.systemAdmin && (!n.DevOnly || p.devMode) {
		return true
	}
	if !n.Restricted() {
		return true
	}
	for _, scope := range n.AllowedScopes {
		if m.scopes[scope] {
			return true
		}
	}
	for _, roleID := range n.RequiredRoleIDs {
		if m.roles[roleID] {
			return true
		}
	}
	return false
}

// membershipOf collects the scopes and roles of principalID: the scopes of its active
// assignments, its establishment memberships and the companies above both.
func (p *Projector) membershipOf(ctx context.Context, principalID principals.ID) (*membership, error) {
	principal, err := p.principals.GetPrincipal(ctx, principalID)
	if errors.Is(err, principals.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !principal.Active() {
		return nil, nil
	}

	m := &membership{
		systemAdmin: principal.IsSystemAdmin,
		scopes:      make(map[principals.Scope]bool),
		roles:       make(map[principals.ID]bool),
	}

	assignments, err := p.principals.ActiveAssignments(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load assignments: %w", err)
	}
	establishments, err := p.principals.EstablishmentIDs(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load memberships: %w", err)
	}

	for _, a := range assignments {
		m.roles[a.RoleID] = true
		m.scopes[a.Scope] = true
		if a.Scope.Kind == principals.ScopeEstablishment {
			establishments = append(establishments, a.Scope.ID)
		}
	}
	for _, id := range establishments {
		m.scopes[principals.EstablishmentScope(id)] = true
	}

	if len(establishments) > 0 {
		companies, err := p.principals.CompanyIDsOf(ctx, establishments)
		if err != nil {
			return nil, fmt.Errorf("failed to load companies: %w", err)
		}
		for _, id := range companies {
			m.scopes[principals.CompanyScope(id)] = true
		}
	}
	return m, nil
}
