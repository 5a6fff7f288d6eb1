package rbac

import (
	"github.com/platinummonkey/carehub/pkg/principals"
)

// Tier identifies which rule of the hierarchy granted access
type Tier string

const (
	TierFull          Tier = "full"
	TierCompany       Tier = "company"
	TierEstablishment Tier = "establishment"
	TierSelf          Tier = "self"
	// TierNone is only used as a metrics label for requesters that resolve to nothing
	TierNone Tier = "none"
)

// Reason explains an AccessEntry
type Reason string

const (
	ReasonSystemAdmin        Reason = "system_admin"
	ReasonCompanyAdmin       Reason = "company_admin"
	ReasonEstablishmentAdmin Reason = "establishment_admin"
	ReasonSelf               Reason = "self"
	ReasonColleague          Reason = "colleague"
)

// Role level thresholds
const (
	// CompanyAdminLevel is the minimum level of a company-scoped role that opens the company tier
	CompanyAdminLevel = 80
	// EstablishmentAdminLevel is the minimum level of an establishment-scoped role that opens the establishment tier
	EstablishmentAdminLevel = 60

	MinRoleLevel = 0
	MaxRoleLevel = 100
)

// AccessEntry is one principal the requester may act upon
type AccessEntry struct {
	TargetID principals.ID `json:"target_id"`
	Tier     Tier          `json:"tier"`
	Reason   Reason        `json:"reason"`
}

// Built-in role names
const (
	RoleSystemAdmin        = "system_admin"
	RoleCompanyAdmin       = "company_admin"
	RoleEstablishmentAdmin = "establishment_admin"
	RoleCoordinator        = "coordinator"
	RoleCaregiver          = "caregiver"
)

// BuiltInRoles returns the role catalog seeded by the schema migrations
func BuiltInRoles() []principals.Role {
	return []principals.Role{
		{Name: RoleSystemAdmin, DisplayName: "System Administrator", Level: MaxRoleLevel, ContextKind: principals.ScopeSystem},
		{Name: RoleCompanyAdmin, DisplayName: "Company Administrator", Level: CompanyAdminLevel, ContextKind: principals.ScopeCompany},
		{Name: RoleEstablishmentAdmin, DisplayName: "Establishment Administrator", Level: EstablishmentAdminLevel, ContextKind: principals.ScopeEstablishment},
		{Name: RoleCoordinator, DisplayName: "Care Coordinator", Level: 40, ContextKind: principals.ScopeEstablishment},
		{Name: RoleCaregiver, DisplayName: "Caregiver", Level: 10, ContextKind: principals.ScopeEstablishment},
	}
}
