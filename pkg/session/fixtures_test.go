package session

import (
	"sync"
	"time"

	"github.com/platinummonkey/carehub/pkg/principals"
)

const (
	roleSysAdmin     principals.ID = 1
	roleCompanyAdmin principals.ID = 2
	roleCaregiver    principals.ID = 5
)

const (
	root      principals.ID = 1
	root2     principals.ID = 2
	acmeAdmin principals.ID = 3
	nurse     principals.ID = 4
	inactive  principals.ID = 5
	loner     principals.ID = 6
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newPrincipalFixture builds company 1 (Acme) with establishments 10 and 11
func newPrincipalFixture(clock *testClock) *principals.MemoryStore {
	s := principals.NewMemoryStore()
	s.SetClock(clock.Now)

	s.AddRole(principals.Role{ID: roleSysAdmin, Name: "system_admin", DisplayName: "System Administrator", Level: 100, ContextKind: principals.ScopeSystem})
	s.AddRole(principals.Role{ID: roleCompanyAdmin, Name: "company_admin", DisplayName: "Company Administrator", Level: 80, ContextKind: principals.ScopeCompany})
	s.AddRole(principals.Role{ID: roleCaregiver, Name: "caregiver", DisplayName: "Caregiver", Level: 10, ContextKind: principals.ScopeEstablishment})

	s.AddCompany(principals.Company{ID: 1, Name: "Acme", IsActive: true})
	s.AddEstablishment(principals.Establishment{ID: 10, CompanyID: 1, Name: "Acme North", IsActive: true})
	s.AddEstablishment(principals.Establishment{ID: 11, CompanyID: 1, Name: "Acme South", IsActive: true})

	s.AddPrincipal(principals.Principal{ID: root, Username: "root", IsActive: true, IsSystemAdmin: true})
	s.AddPrincipal(principals.Principal{ID: root2, Username: "root2", IsActive: true, IsSystemAdmin: true})
	s.AddPrincipal(principals.Principal{ID: acmeAdmin, Username: "acme-admin", IsActive: true})
	s.AddPrincipal(principals.Principal{ID: nurse, Username: "nurse", IsActive: true})
	s.AddPrincipal(principals.Principal{ID: inactive, Username: "gone", IsActive: false})
	s.AddPrincipal(principals.Principal{ID: loner, Username: "loner", IsActive: true})

	s.Assign(root, roleSysAdmin, principals.SystemScope())
	s.Assign(root2, roleSysAdmin, principals.SystemScope())
	s.Assign(acmeAdmin, roleCompanyAdmin, principals.CompanyScope(1))
	s.Assign(nurse, roleCaregiver, principals.EstablishmentScope(10))
	s.Assign(nurse, roleCaregiver, principals.EstablishmentScope(11))
	s.Assign(inactive, roleCaregiver, principals.EstablishmentScope(10))
	return s
}

type env struct {
	clock      *testClock
	principals *principals.MemoryStore
	store      *MemoryStore
	manager    *Manager
}

func newEnv(opts ...Option) *env {
	clock := newTestClock()
	ps := newPrincipalFixture(clock)
	store := NewMemoryStore()
	opts = append([]Option{WithClock(clock.Now), WithTTL(time.Hour)}, opts...)
	return &env{
		clock:      clock,
		principals: ps,
		store:      store,
		manager:    NewManager(store, ps, opts...),
	}
}

func caller(id principals.ID) principals.Caller {
	return principals.Caller{PrincipalID: id, IPAddress: "10.0.0.1", UserAgent: "test", RequestID: "req-1"}
}

func idPtr(id principals.ID) *principals.ID { return &id }

func scopePtr(s principals.Scope) *principals.Scope { return &s }
