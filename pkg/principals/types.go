package principals

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ID identifies a principal, role, company, establishment or assignment row
type ID = int64

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// Principal is an authenticatable account
type Principal struct {
	ID            ID         `json:"id"`
	PersonID      *ID        `json:"person_id,omitempty"`
	Username      string     `json:"username"`
	IsActive      bool       `json:"is_active"`
	IsSystemAdmin bool       `json:"is_system_admin"`
	CreatedAt     time.Time  `json:"created_at"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
}

// Active reports whether the principal may authenticate and be targeted
func (p *Principal) Active() bool {
	return p != nil && p.IsActive && p.DeletedAt == nil
}

// ScopeKind is a level of the organizational tree
type ScopeKind string

const (
	ScopeSystem        ScopeKind = "system"
	ScopeCompany       ScopeKind = "company"
	ScopeEstablishment ScopeKind = "establishment"
)

// Valid reports whether k is one of the three known scope kinds
func (k ScopeKind) Valid() bool {
	switch k {
	case ScopeSystem, ScopeCompany, ScopeEstablishment:
		return true
	}
	return false
}

// rank orders scope kinds from widest (0) to narrowest (2)
func (k ScopeKind) rank() int {
	switch k {
	case ScopeSystem:
		return 0
	case ScopeCompany:
		return 1
	case ScopeEstablishment:
		return 2
	}
	return -1
}

// Covers reports whether a binding at kind k may carry a role whose context kind is roleKind.
// Roles cascade downward: a role may be bound at its own level or any wider level.
func (k ScopeKind) Covers(roleKind ScopeKind) bool {
	if !k.Valid() || !roleKind.Valid() {
		return false
	}
	return k.rank() <= roleKind.rank()
}

// Scope is a node of the organizational tree. The system scope is a singleton with ID 0.
type Scope struct {
	Kind ScopeKind `json:"kind"`
	ID   ID        `json:"id,omitempty"`
}

// SystemScope returns the singleton system scope
func SystemScope() Scope { return Scope{Kind: ScopeSystem} }

// CompanyScope returns the scope of a company
func CompanyScope(id ID) Scope { return Scope{Kind: ScopeCompany, ID: id} }

// EstablishmentScope returns the scope of an establishment
func EstablishmentScope(id ID) Scope { return Scope{Kind: ScopeEstablishment, ID: id} }

// Validate checks the scope is well formed
func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeSystem:
		if s.ID != 0 {
			return fmt.Errorf("system scope must not carry an id (got %d)", s.ID)
		}
	case ScopeCompany, ScopeEstablishment:
		if s.ID <= 0 {
			return fmt.Errorf("%s scope requires a positive id", s.Kind)
		}
	default:
		return fmt.Errorf("unknown scope kind %q", s.Kind)
	}
	return nil
}

// String renders the scope as "kind" or "kind:id"
func (s Scope) String() string {
	if s.Kind == ScopeSystem {
		return string(ScopeSystem)
	}
	return string(s.Kind) + ":" + strconv.FormatInt(s.ID, 10)
}

// ParseScope parses the form produced by Scope.String
func ParseScope(raw string) (Scope, error) {
	raw = strings.TrimSpace(raw)
	kind, idPart, hasID := strings.Cut(raw, ":")
	s := Scope{Kind: ScopeKind(kind)}
	if hasID {
		id, err := strconv.ParseInt(idPart, 10, 64)
		if err != nil {
			return Scope{}, fmt.Errorf("invalid scope id in %q: %w", raw, err)
		}
		s.ID = id
	}
	if err := s.Validate(); err != nil {
		return Scope{}, err
	}
	return s, nil
}

// nullableID returns nil for the system scope so the column is stored as NULL
func (s Scope) nullableID() *ID {
	if s.Kind == ScopeSystem {
		return nil
	}
	id := s.ID
	return &id
}

// Company is a tenant organization
type Company struct {
	ID       ID     `json:"id"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

// Establishment is a sub-unit of exactly one company
type Establishment struct {
	ID        ID     `json:"id"`
	CompanyID ID     `json:"company_id"`
	Name      string `json:"name"`
	IsActive  bool   `json:"is_active"`
}

// CompanyScope returns the effective company scope of the establishment
func (e *Establishment) CompanyScope() Scope {
	return CompanyScope(e.CompanyID)
}

// Membership links a principal to an establishment
type Membership struct {
	PrincipalID     ID `json:"principal_id"`
	EstablishmentID ID `json:"establishment_id"`
}

// Role carries a numeric authority level and the scope kind it is defined for
type Role struct {
	ID          ID        `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Level       int       `json:"level"`
	ContextKind ScopeKind `json:"context_kind"`
}

// AssignmentStatus is the lifecycle status of a role assignment
type AssignmentStatus string

const (
	AssignmentActive    AssignmentStatus = "active"
	AssignmentSuspended AssignmentStatus = "suspended"
	AssignmentExpired   AssignmentStatus = "expired"
)

// RoleAssignment binds a role to a principal at a scope
type RoleAssignment struct {
	ID          ID               `json:"id"`
	PrincipalID ID               `json:"principal_id"`
	RoleID      ID               `json:"role_id"`
	Scope       Scope            `json:"scope"`
	Status      AssignmentStatus `json:"status"`
	AssignedBy  *ID              `json:"assigned_by,omitempty"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	DeletedAt   *time.Time       `json:"deleted_at,omitempty"`

	// Role is populated by store queries that join the roles table
	Role *Role `json:"role,omitempty"`
}

// ActiveAt reports whether the assignment grants anything at instant now
func (a *RoleAssignment) ActiveAt(now time.Time) bool {
	if a.Status != AssignmentActive || a.DeletedAt != nil {
		return false
	}
	return a.ExpiresAt == nil || now.Before(*a.ExpiresAt)
}

// Level returns the joined role level, or -1 when the role was not loaded
func (a *RoleAssignment) Level() int {
	if a.Role == nil {
		return -1
	}
	return a.Role.Level
}

// Caller is the explicit request context handed to resolver, session and audit calls
type Caller struct {
	PrincipalID ID     `json:"principal_id"`
	SessionID   string `json:"session_id,omitempty"`
	IPAddress   string `json:"ip_address,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
	Purpose     string `json:"purpose,omitempty"`
	LegalBasis  string `json:"legal_basis,omitempty"`
}
