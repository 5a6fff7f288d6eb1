package principals

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and local fixtures.
// It follows the same activity rules as PostgresStore.
type MemoryStore struct {
	mu             sync.RWMutex
	principals     map[ID]*Principal
	roles          map[ID]*Role
	companies      map[ID]*Company
	establishments map[ID]*Establishment
	memberships    []Membership
	assignments    map[ID]*RoleAssignment
	nextID         ID
	now            func() time.Time
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		principals:     make(map[ID]*Principal),
		roles:          make(map[ID]*Role),
		companies:      make(map[ID]*Company),
		establishments: make(map[ID]*Establishment),
		assignments:    make(map[ID]*RoleAssignment),
		nextID:         1000,
		now:            time.Now,
	}
}

// SetClock overrides the clock used for expiry checks
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// AddPrincipal stores p
func (m *MemoryStore) AddPrincipal(p Principal) *Principal {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := p
	m.principals[cp.ID] = &cp
	return &cp
}

// AddRole stores r
func (m *MemoryStore) AddRole(r Role) *Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := r
	m.roles[cp.ID] = &cp
	return &cp
}

// AddCompany stores c
func (m *MemoryStore) AddCompany(c Company) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := c
	m.companies[cp.ID] = &cp
}

// AddEstablishment stores e
func (m *MemoryStore) AddEstablishment(e Establishment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := e
	m.establishments[cp.ID] = &cp
}

// AddMember links a principal to an establishment
func (m *MemoryStore) AddMember(principalID, establishmentID ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memberships = append(m.memberships, Membership{PrincipalID: principalID, EstablishmentID: establishmentID})
}

// Assign is a fixture helper that creates an active assignment without validation
func (m *MemoryStore) Assign(principalID, roleID ID, scope Scope) *RoleAssignment {
	a := &RoleAssignment{PrincipalID: principalID, RoleID: roleID, Scope: scope, Status: AssignmentActive}
	if err := m.CreateAssignment(context.Background(), a); err != nil {
		panic(err)
	}
	return a
}

func (m *MemoryStore) GetPrincipal(_ context.Context, id ID) (*Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.principals[id]
	if !ok {
		return nil, fmt.Errorf("principal %d: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetPrincipalByUsername(_ context.Context, username string) (*Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.principals {
		if p.Username == username && p.DeletedAt == nil {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("principal %q: %w", username, ErrNotFound)
}

func (m *MemoryStore) ListActivePrincipals(_ context.Context) ([]ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []ID
	for id, p := range m.principals {
		if p.Active() {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids, nil
}

func (m *MemoryStore) GetRole(_ context.Context, id ID) (*Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.roles[id]
	if !ok {
		return nil, fmt.Errorf("role %d: %w", id, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetCompany(_ context.Context, id ID) (*Company, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.companies[id]
	if !ok {
		return nil, fmt.Errorf("company %d: %w", id, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetEstablishment(_ context.Context, id ID) (*Establishment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.establishments[id]
	if !ok {
		return nil, fmt.Errorf("establishment %d: %w", id, ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ActiveAssignments(_ context.Context, principalID ID) ([]*RoleAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterAssignments(func(a *RoleAssignment) bool { return a.PrincipalID == principalID }), nil
}

func (m *MemoryStore) ListActiveAssignments(_ context.Context) ([]*RoleAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterAssignments(func(a *RoleAssignment) bool {
		return m.principals[a.PrincipalID].Active()
	}), nil
}

func (m *MemoryStore) GetAssignment(_ context.Context, id ID) (*RoleAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[id]
	if !ok {
		return nil, fmt.Errorf("role assignment %d: %w", id, ErrNotFound)
	}
	return m.withRole(a), nil
}

func (m *MemoryStore) CreateAssignment(_ context.Context, a *RoleAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.assignments {
		if existing.DeletedAt == nil && existing.PrincipalID == a.PrincipalID &&
			existing.RoleID == a.RoleID && existing.Scope == a.Scope {
			return fmt.Errorf("role assignment for principal %d: %w", a.PrincipalID, ErrConflict)
		}
	}
	if a.Status == "" {
		a.Status = AssignmentActive
	}
	m.nextID++
	a.ID = m.nextID
	a.CreatedAt = m.now()
	cp := *a
	cp.Role = nil
	m.assignments[a.ID] = &cp
	return nil
}

func (m *MemoryStore) RevokeAssignment(_ context.Context, id ID, _ ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok || a.DeletedAt != nil {
		return fmt.Errorf("role assignment %d: %w", id, ErrNotFound)
	}
	now := m.now()
	a.DeletedAt = &now
	return nil
}

func (m *MemoryStore) EstablishmentIDs(_ context.Context, principalID ID) ([]ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := make(map[ID]struct{})
	for _, mem := range m.memberships {
		if mem.PrincipalID == principalID {
			set[mem.EstablishmentID] = struct{}{}
		}
	}
	return keys(set), nil
}

func (m *MemoryStore) CompanyIDsOf(_ context.Context, establishmentIDs []ID) ([]ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := make(map[ID]struct{})
	for _, id := range establishmentIDs {
		if e, ok := m.establishments[id]; ok {
			set[e.CompanyID] = struct{}{}
		}
	}
	return keys(set), nil
}

func (m *MemoryStore) EstablishmentMembers(_ context.Context, establishmentIDs []ID) ([]ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wanted := make(map[ID]struct{}, len(establishmentIDs))
	for _, id := range establishmentIDs {
		wanted[id] = struct{}{}
	}
	set := make(map[ID]struct{})
	for _, mem := range m.memberships {
		if _, ok := wanted[mem.EstablishmentID]; ok && m.principals[mem.PrincipalID].Active() {
			set[mem.PrincipalID] = struct{}{}
		}
	}
	return keys(set), nil
}

func (m *MemoryStore) CompanyEstablishmentMembers(_ context.Context, companyID ID) ([]ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := make(map[ID]struct{})
	for _, mem := range m.memberships {
		e, ok := m.establishments[mem.EstablishmentID]
		if ok && e.CompanyID == companyID && m.principals[mem.PrincipalID].Active() {
			set[mem.PrincipalID] = struct{}{}
		}
	}
	return keys(set), nil
}

func (m *MemoryStore) DirectCompanyMembers(_ context.Context, companyID ID) ([]ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := make(map[ID]struct{})
	now := m.now()
	for _, a := range m.assignments {
		if a.ActiveAt(now) && a.Scope == CompanyScope(companyID) && m.principals[a.PrincipalID].Active() {
			set[a.PrincipalID] = struct{}{}
		}
	}
	return keys(set), nil
}

func (m *MemoryStore) filterAssignments(keep func(*RoleAssignment) bool) []*RoleAssignment {
	now := m.now()
	var out []*RoleAssignment
	for _, a := range m.assignments {
		if a.ActiveAt(now) && keep(a) {
			out = append(out, m.withRole(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PrincipalID != out[j].PrincipalID {
			return out[i].PrincipalID < out[j].PrincipalID
		}
		if out[i].Level() != out[j].Level() {
			return out[i].Level() > out[j].Level()
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *MemoryStore) withRole(a *RoleAssignment) *RoleAssignment {
	cp := *a
	if r, ok := m.roles[a.RoleID]; ok {
		rc := *r
		cp.Role = &rc
	}
	return &cp
}

func keys(set map[ID]struct{}) []ID {
	ids := make([]ID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

func sortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
