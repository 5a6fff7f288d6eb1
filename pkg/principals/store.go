package principals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ErrConflict is returned when an insert collides with an existing non-deleted row
var ErrConflict = errors.New("already exists")

// Store is the read side of the organizational model plus the assignment writes
// used by the grant service.
type Store interface {
	GetPrincipal(ctx context.Context, id ID) (*Principal, error)
	GetPrincipalByUsername(ctx context.Context, username string) (*Principal, error)
	ListActivePrincipals(ctx context.Context) ([]ID, error)
	GetRole(ctx context.Context, id ID) (*Role, error)
	GetCompany(ctx context.Context, id ID) (*Company, error)
	GetEstablishment(ctx context.Context, id ID) (*Establishment, error)

	ActiveAssignments(ctx context.Context, principalID ID) ([]*RoleAssignment, error)
	ListActiveAssignments(ctx context.Context) ([]*RoleAssignment, error)
	GetAssignment(ctx context.Context, id ID) (*RoleAssignment, error)
	CreateAssignment(ctx context.Context, a *RoleAssignment) error
	RevokeAssignment(ctx context.Context, id ID, revokedBy ID) error

	EstablishmentIDs(ctx context.Context, principalID ID) ([]ID, error)
	CompanyIDsOf(ctx context.Context, establishmentIDs []ID) ([]ID, error)
	EstablishmentMembers(ctx context.Context, establishmentIDs []ID) ([]ID, error)
	CompanyEstablishmentMembers(ctx context.Context, companyID ID) ([]ID, error)
	DirectCompanyMembers(ctx context.Context, companyID ID) ([]ID, error)
}

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

const activePrincipalClause = `p.is_active AND p.deleted_at IS NULL`

const activeAssignmentClause = `ra.status = 'active' AND ra.deleted_at IS NULL AND (ra.expires_at IS NULL OR ra.expires_at > $1)`

const assignmentColumns = `
	ra.id, ra.principal_id, ra.role_id, ra.scope_kind, ra.scope_id, ra.status,
	ra.assigned_by, ra.expires_at, ra.created_at, ra.deleted_at,
	r.id, r.name, r.display_name, r.level, r.context_kind`

// GetPrincipal retrieves a principal by ID, including soft-deleted rows
func (s *PostgresStore) GetPrincipal(ctx context.Context, id ID) (*Principal, error) {
	p, err := s.getPrincipal(ctx, `id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("principal %d: %w", id, ErrNotFound)
	}
	return p, err
}

// GetPrincipalByUsername retrieves a non-deleted principal by username
func (s *PostgresStore) GetPrincipalByUsername(ctx context.Context, username string) (*Principal, error) {
	p, err := s.getPrincipal(ctx, `username = $1 AND deleted_at IS NULL`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("principal %q: %w", username, ErrNotFound)
	}
	return p, err
}

func (s *PostgresStore) getPrincipal(ctx context.Context, where string, arg interface{}) (*Principal, error) {
	query := `
		SELECT id, person_id, username, is_active, is_system_admin, created_at, deleted_at
		FROM principals
		WHERE ` + where
	p := &Principal{}
	var personID sql.NullInt64
	var deletedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&p.ID, &personID, &p.Username, &p.IsActive, &p.IsSystemAdmin, &p.CreatedAt, &deletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get principal: %w", err)
	}
	if personID.Valid {
		v := personID.Int64
		p.PersonID = &v
	}
	if deletedAt.Valid {
		v := deletedAt.Time
		p.DeletedAt = &v
	}
	return p, nil
}

// ListActivePrincipals returns the ids of every active principal
func (s *PostgresStore) ListActivePrincipals(ctx context.Context) ([]ID, error) {
	query := `SELECT p.id FROM principals p WHERE ` + activePrincipalClause + ` ORDER BY p.id`
	return s.queryIDs(ctx, "list active principals", query)
}

// GetRole retrieves a role by ID
func (s *PostgresStore) GetRole(ctx context.Context, id ID) (*Role, error) {
	query := `
		SELECT id, name, display_name, level, context_kind
		FROM roles
		WHERE id = $1
	`
	r := &Role{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(&r.ID, &r.Name, &r.DisplayName, &r.Level, &r.ContextKind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("role %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return r, nil
}

// GetCompany retrieves a non-deleted company by ID
func (s *PostgresStore) GetCompany(ctx context.Context, id ID) (*Company, error) {
	query := `SELECT id, name, is_active FROM companies WHERE id = $1 AND deleted_at IS NULL`
	c := &Company{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.Name, &c.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("company %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get company: %w", err)
	}
	return c, nil
}

// GetEstablishment retrieves a non-deleted establishment by ID
func (s *PostgresStore) GetEstablishment(ctx context.Context, id ID) (*Establishment, error) {
	query := `SELECT id, company_id, name, is_active FROM establishments WHERE id = $1 AND deleted_at IS NULL`
	e := &Establishment{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(&e.ID, &e.CompanyID, &e.Name, &e.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("establishment %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get establishment: %w", err)
	}
	return e, nil
}

// ActiveAssignments returns the principal's active assignments with their roles joined
func (s *PostgresStore) ActiveAssignments(ctx context.Context, principalID ID) ([]*RoleAssignment, error) {
	query := `
		SELECT ` + assignmentColumns + `
		FROM role_assignments ra
		JOIN roles r ON r.id = ra.role_id
		WHERE ` + activeAssignmentClause + ` AND ra.principal_id = $2
		ORDER BY r.level DESC, ra.id
	`
	return s.queryAssignments(ctx, query, s.now(), principalID)
}

// ListActiveAssignments returns every active assignment held by an active principal
func (s *PostgresStore) ListActiveAssignments(ctx context.Context) ([]*RoleAssignment, error) {
	query := `
		SELECT ` + assignmentColumns + `
		FROM role_assignments ra
		JOIN roles r ON r.id = ra.role_id
		JOIN principals p ON p.id = ra.principal_id
		WHERE ` + activeAssignmentClause + ` AND ` + activePrincipalClause + `
		ORDER BY ra.principal_id, r.level DESC, ra.id
	`
	return s.queryAssignments(ctx, query, s.now())
}

// GetAssignment retrieves an assignment by ID regardless of status
func (s *PostgresStore) GetAssignment(ctx context.Context, id ID) (*RoleAssignment, error) {
	query := `
		SELECT ` + assignmentColumns + `
		FROM role_assignments ra
		JOIN roles r ON r.id = ra.role_id
		WHERE ra.id = $1
	`
	list, err := s.queryAssignments(ctx, query, id)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("role assignment %d: %w", id, ErrNotFound)
	}
	return list[0], nil
}

// CreateAssignment inserts a new assignment. A duplicate live binding yields ErrConflict.
func (s *PostgresStore) CreateAssignment(ctx context.Context, a *RoleAssignment) error {
	if a.Status == "" {
		a.Status = AssignmentActive
	}
	query := `
		INSERT INTO role_assignments (principal_id, role_id, scope_kind, scope_id, status, assigned_by, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	now := s.now()
	err := s.db.QueryRowContext(ctx, query,
		a.PrincipalID,
		a.RoleID,
		string(a.Scope.Kind),
		a.Scope.nullableID(),
		string(a.Status),
		a.AssignedBy,
		a.ExpiresAt,
		now,
	).Scan(&a.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("role assignment for principal %d: %w", a.PrincipalID, ErrConflict)
		}
		return fmt.Errorf("failed to create role assignment: %w", err)
	}
	a.CreatedAt = now
	return nil
}

// RevokeAssignment soft-deletes an assignment
func (s *PostgresStore) RevokeAssignment(ctx context.Context, id ID, revokedBy ID) error {
	query := `
		UPDATE role_assignments
		SET deleted_at = $1, deleted_by = $2
		WHERE id = $3 AND deleted_at IS NULL
	`
	result, err := s.db.ExecContext(ctx, query, s.now(), revokedBy, id)
	if err != nil {
		return fmt.Errorf("failed to revoke role assignment: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("role assignment %d: %w", id, ErrNotFound)
	}
	return nil
}

// EstablishmentIDs returns the establishments the principal is a live member of
func (s *PostgresStore) EstablishmentIDs(ctx context.Context, principalID ID) ([]ID, error) {
	query := `
		SELECT em.establishment_id
		FROM establishment_members em
		JOIN establishments e ON e.id = em.establishment_id
		WHERE em.principal_id = $1 AND em.deleted_at IS NULL AND e.deleted_at IS NULL
		ORDER BY em.establishment_id
	`
	return s.queryIDs(ctx, "list establishment memberships", query, principalID)
}

// CompanyIDsOf returns the distinct parent companies of the given establishments
func (s *PostgresStore) CompanyIDsOf(ctx context.Context, establishmentIDs []ID) ([]ID, error) {
	if len(establishmentIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT DISTINCT e.company_id
		FROM establishments e
		WHERE e.id = ANY($1) AND e.deleted_at IS NULL
		ORDER BY e.company_id
	`
	return s.queryIDs(ctx, "list parent companies", query, pq.Array(establishmentIDs))
}

// EstablishmentMembers returns the active principals that belong to any of the establishments
func (s *PostgresStore) EstablishmentMembers(ctx context.Context, establishmentIDs []ID) ([]ID, error) {
	if len(establishmentIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT DISTINCT p.id
		FROM establishment_members em
		JOIN principals p ON p.id = em.principal_id
		WHERE em.establishment_id = ANY($1) AND em.deleted_at IS NULL AND ` + activePrincipalClause + `
		ORDER BY p.id
	`
	return s.queryIDs(ctx, "list establishment members", query, pq.Array(establishmentIDs))
}

// CompanyEstablishmentMembers returns the active principals in any establishment of the company
func (s *PostgresStore) CompanyEstablishmentMembers(ctx context.Context, companyID ID) ([]ID, error) {
	query := `
		SELECT DISTINCT p.id
		FROM establishment_members em
		JOIN establishments e ON e.id = em.establishment_id
		JOIN principals p ON p.id = em.principal_id
		WHERE e.company_id = $1 AND e.deleted_at IS NULL AND em.deleted_at IS NULL AND ` + activePrincipalClause + `
		ORDER BY p.id
	`
	return s.queryIDs(ctx, "list company members", query, companyID)
}

// DirectCompanyMembers returns active principals holding an assignment bound to the company
// itself, whether or not they also belong to an establishment.
func (s *PostgresStore) DirectCompanyMembers(ctx context.Context, companyID ID) ([]ID, error) {
	query := `
		SELECT DISTINCT p.id
		FROM role_assignments ra
		JOIN principals p ON p.id = ra.principal_id
		WHERE ` + activeAssignmentClause + `
		  AND ra.scope_kind = 'company' AND ra.scope_id = $2
		  AND ` + activePrincipalClause + `
		ORDER BY p.id
	`
	return s.queryIDs(ctx, "list direct company members", query, s.now(), companyID)
}

func (s *PostgresStore) queryIDs(ctx context.Context, what, query string, args ...interface{}) ([]ID, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", what, err)
	}
	defer rows.Close()

	var ids []ID
	for rows.Next() {
		var id ID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to %s: %w", what, err)
	}
	return ids, nil
}

func (s *PostgresStore) queryAssignments(ctx context.Context, query string, args ...interface{}) ([]*RoleAssignment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query role assignments: %w", err)
	}
	defer rows.Close()

	var out []*RoleAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate role assignments: %w", err)
	}
	return out, nil
}

func scanAssignment(rows *sql.Rows) (*RoleAssignment, error) {
	a := &RoleAssignment{Role: &Role{}}
	var scopeKind, status string
	var scopeID, assignedBy sql.NullInt64
	var expiresAt, deletedAt sql.NullTime
	err := rows.Scan(
		&a.ID, &a.PrincipalID, &a.RoleID, &scopeKind, &scopeID, &status,
		&assignedBy, &expiresAt, &a.CreatedAt, &deletedAt,
		&a.Role.ID, &a.Role.Name, &a.Role.DisplayName, &a.Role.Level, &a.Role.ContextKind,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan role assignment: %w", err)
	}
	a.Scope = Scope{Kind: ScopeKind(scopeKind)}
	if scopeID.Valid {
		a.Scope.ID = scopeID.Int64
	}
	a.Status = AssignmentStatus(status)
	if assignedBy.Valid {
		v := assignedBy.Int64
		a.AssignedBy = &v
	}
	if expiresAt.Valid {
		v := expiresAt.Time
		a.ExpiresAt = &v
	}
	if deletedAt.Valid {
		v := deletedAt.Time
		a.DeletedAt = &v
	}
	return a, nil
}
