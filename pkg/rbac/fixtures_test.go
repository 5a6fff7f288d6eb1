package rbac

import (
	"context"
	"sync"
	"time"

	"github.com/platinummonkey/carehub/pkg/audit"
	"github.com/platinummonkey/carehub/pkg/principals"
)

// Role ids used by the fixture
const (
	roleSysAdmin      principals.ID = 1
	roleCompanyAdmin  principals.ID = 2
	roleEstAdmin      principals.ID = 3
	roleCoordinator   principals.ID = 4
	roleCaregiver     principals.ID = 5
	roleCompanyViewer principals.ID = 6
)

// Principal ids used by the fixture
const (
	root        principals.ID = 1
	acmeAdmin   principals.ID = 2
	estAdmin    principals.ID = 3
	nurse       principals.ID = 4
	nurse2      principals.ID = 5
	betaNurse   principals.ID = 6
	inactive    principals.ID = 7
	acmeViewer  principals.ID = 8
	loner       principals.ID = 9
	unknownUser principals.ID = 999
)

// newFixture builds two companies:
//
//	company 1 (Acme): establishments 10 and 11
//	company 2 (Beta): establishment 20
func newFixture() *principals.MemoryStore {
	s := principals.NewMemoryStore()
	s.SetClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) })

	for i, r := range BuiltInRoles() {
		r.ID = principals.ID(i + 1)
		s.AddRole(r)
	}
	s.AddRole(principals.Role{ID: roleCompanyViewer, Name: "company_viewer", Level: 50, ContextKind: principals.ScopeCompany})

	s.AddCompany(principals.Company{ID: 1, Name: "Acme", IsActive: true})
	s.AddCompany(principals.Company{ID: 2, Name: "Beta", IsActive: true})
	s.AddEstablishment(principals.Establishment{ID: 10, CompanyID: 1, Name: "Acme North", IsActive: true})
	s.AddEstablishment(principals.Establishment{ID: 11, CompanyID: 1, Name: "Acme South", IsActive: true})
	s.AddEstablishment(principals.Establishment{ID: 20, CompanyID: 2, Name: "Beta Central", IsActive: true})

	add := func(id principals.ID, name string, active, sysadmin bool) {
		s.AddPrincipal(principals.Principal{ID: id, Username: name, IsActive: active, IsSystemAdmin: sysadmin})
	}
	add(root, "root", true, true)
	add(acmeAdmin, "acme-admin", true, false)
	add(estAdmin, "north-admin", true, false)
	add(nurse, "nurse", true, false)
	add(nurse2, "nurse2", true, false)
	add(betaNurse, "beta-nurse", true, false)
	add(inactive, "former", false, false)
	add(acmeViewer, "acme-viewer", true, false)
	add(loner, "loner", true, false)

	s.AddMember(estAdmin, 10)
	s.AddMember(nurse, 10)
	s.AddMember(nurse2, 11)
	s.AddMember(betaNurse, 20)
	s.AddMember(inactive, 10)

	s.Assign(root, roleSysAdmin, principals.SystemScope())
	s.Assign(acmeAdmin, roleCompanyAdmin, principals.CompanyScope(1))
	s.Assign(estAdmin, roleEstAdmin, principals.EstablishmentScope(10))
	s.Assign(nurse, roleCaregiver, principals.EstablishmentScope(10))
	s.Assign(nurse2, roleCaregiver, principals.EstablishmentScope(11))
	s.Assign(betaNurse, roleCaregiver, principals.EstablishmentScope(20))
	s.Assign(acmeViewer, roleCompanyViewer, principals.CompanyScope(1))
	return s
}

// captureLogger is an audit.Logger that keeps entries in memory
type captureLogger struct {
	mu      sync.Mutex
	entries []*audit.ComplianceEntry
	err     error
}

func (c *captureLogger) Log(_ context.Context, e *audit.ComplianceEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.entries = append(c.entries, e)
	return nil
}

func (c *captureLogger) Close() error { return nil }

func (c *captureLogger) all() []*audit.ComplianceEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*audit.ComplianceEntry(nil), c.entries...)
}
