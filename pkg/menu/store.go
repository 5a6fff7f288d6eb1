package menu

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/platinummonkey/carehub/pkg/principals"
)

// maxDepth bounds ancestor walks so corrupt rows cannot loop forever
const maxDepth = 64

// Store persists the menu catalog
type Store interface {
	ListNodes(ctx context.Context) ([]*Node, error)
	GetNode(ctx context.Context, id int64) (*Node, error)
	GetNodeByKey(ctx context.Context, key string) (*Node, error)
	// SaveNode inserts n when n.ID is zero and updates it otherwise. It fails with ErrCycle
	// when n would become its own ancestor.
	SaveNode(ctx context.Context, n *Node) error
	DeleteNode(ctx context.Context, id int64) error
}

// SQLStore implements Store on database/sql. The queries are portable between
// PostgreSQL and SQLite.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new SQLStore
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// ListNodes returns every node ordered by id
func (s *SQLStore) ListNodes(ctx context.Context) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, key, label, path, sort_order, dev_only
		FROM menu_nodes
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list menu nodes: %w", err)
	}
	defer rows.Close()

	nodes := make([]*Node, 0)
	byID := make(map[int64]*Node)
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
		byID[n.ID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating menu nodes: %w", err)
	}

	if err := s.loadRestrictions(ctx, byID); err != nil {
		return nil, err
	}
	return nodes, nil
}

// GetNode retrieves a node by ID
func (s *SQLStore) GetNode(ctx context.Context, id int64) (*Node, error) {
	return s.getNode(ctx, `id = $1`, id)
}

// GetNodeByKey retrieves a node by its unique key
func (s *SQLStore) GetNodeByKey(ctx context.Context, key string) (*Node, error) {
	return s.getNode(ctx, `key = $1`, key)
}

func (s *SQLStore) getNode(ctx context.Context, where string, arg interface{}) (*Node, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, parent_id, key, label, path, sort_order, dev_only
		FROM menu_nodes
		WHERE `+where, arg)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadRestrictions(ctx, map[int64]*Node{n.ID: n}); err != nil {
		return nil, err
	}
	return n, nil
}

// SaveNode inserts or updates n with its restrictions in one transaction
func (s *SQLStore) SaveNode(ctx context.Context, n *Node) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if n.ParentID != nil {
		if err := checkAncestry(ctx, tx, n.ID, *n.ParentID); err != nil {
			return err
		}
	}

	if n.ID == 0 {
		err = tx.QueryRowContext(ctx, `
			INSERT INTO menu_nodes (parent_id, key, label, path, sort_order, dev_only)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, n.ParentID, n.Key, n.Label, n.Path, n.SortOrder, n.DevOnly).Scan(&n.ID)
		if err != nil {
			return fmt.Errorf("failed to insert menu node: %w", err)
		}
	} else {
		result, err := tx.ExecContext(ctx, `
			UPDATE menu_nodes
			SET parent_id = $1, key = $2, label = $3, path = $4, sort_order = $5, dev_only = $6
			WHERE id = $7
		`, n.ParentID, n.Key, n.Label, n.Path, n.SortOrder, n.DevOnly, n.ID)
		if err != nil {
			return fmt.Errorf("failed to update menu node: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return ErrNotFound
		}
		if err := clearRestrictions(ctx, tx, n.ID); err != nil {
			return err
		}
	}

	for _, scope := range n.AllowedScopes {
		if err := scope.Validate(); err != nil {
			return fmt.Errorf("invalid allowed scope on %q: %w", n.Key, err)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO menu_node_scopes (node_id, scope_kind, scope_id) VALUES ($1, $2, $3)`,
			n.ID, string(scope.Kind), nullableScopeID(scope))
		if err != nil {
			return fmt.Errorf("failed to insert menu node scope: %w", err)
		}
	}
	for _, roleID := range n.RequiredRoleIDs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO menu_node_roles (node_id, role_id) VALUES ($1, $2)`, n.ID, roleID)
		if err != nil {
			return fmt.Errorf("failed to insert menu node role: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeleteNode removes a leaf node
func (s *SQLStore) DeleteNode(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var children int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM menu_nodes WHERE parent_id = $1`, id).Scan(&children); err != nil {
		return fmt.Errorf("failed to count children: %w", err)
	}
	if children > 0 {
		return ErrHasChildren
	}

	if err := clearRestrictions(ctx, tx, id); err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM menu_nodes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete menu node: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// checkAncestry walks up from parentID and fails if nodeID is reached
func checkAncestry(ctx context.Context, tx *sql.Tx, nodeID, parentID int64) error {
	current := parentID
	for depth := 0; ; depth++ {
		if nodeID != 0 && current == nodeID {
			return ErrCycle
		}
		if depth > maxDepth {
			return fmt.Errorf("%w: ancestry deeper than %d", ErrCycle, maxDepth)
		}

		var next sql.NullInt64
		err := tx.QueryRowContext(ctx, `SELECT parent_id FROM menu_nodes WHERE id = $1`, current).Scan(&next)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("parent %d: %w", current, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load parent: %w", err)
		}
		if !next.Valid {
			return nil
		}
		current = next.Int64
	}
}

func clearRestrictions(ctx context.Context, tx *sql.Tx, id int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM menu_node_scopes WHERE node_id = $1`, id); err != nil {
		return fmt.Errorf("failed to clear menu node scopes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM menu_node_roles WHERE node_id = $1`, id); err != nil {
		return fmt.Errorf("failed to clear menu node roles: %w", err)
	}
	return nil
}

func (s *SQLStore) loadRestrictions(ctx context.Context, byID map[int64]*Node) error {
	if len(byID) == 0 {
		return nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT node_id, scope_kind, scope_id FROM menu_node_scopes ORDER BY node_id, scope_kind, scope_id`)
	if err != nil {
		return fmt.Errorf("failed to load menu node scopes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var nodeID int64
		var kind string
		var scopeID sql.NullInt64
		if err := rows.Scan(&nodeID, &kind, &scopeID); err != nil {
			return fmt.Errorf("failed to scan menu node scope: %w", err)
		}
		if n, ok := byID[nodeID]; ok {
			n.AllowedScopes = append(n.AllowedScopes, principals.Scope{Kind: principals.ScopeKind(kind), ID: scopeID.Int64})
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating menu node scopes: %w", err)
	}

	roleRows, err := s.db.QueryContext(ctx, `SELECT node_id, role_id FROM menu_node_roles ORDER BY node_id, role_id`)
	if err != nil {
		return fmt.Errorf("failed to load menu node roles: %w", err)
	}
	defer roleRows.Close()
	for roleRows.Next() {
		var nodeID, roleID int64
		if err := roleRows.Scan(&nodeID, &roleID); err != nil {
			return fmt.Errorf("failed to scan menu node role: %w", err)
		}
		if n, ok := byID[nodeID]; ok {
			n.RequiredRoleIDs = append(n.RequiredRoleIDs, roleID)
		}
	}
	if err := roleRows.Err(); err != nil {
		return fmt.Errorf("error iterating menu node roles: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row rowScanner) (*Node, error) {
	n := &Node{}
	var parentID sql.NullInt64
	var path sql.NullString
	if err := row.Scan(&n.ID, &parentID, &n.Key, &n.Label, &path, &n.SortOrder, &n.DevOnly); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan menu node: %w", err)
	}
	if parentID.Valid {
		id := parentID.Int64
		n.ParentID = &id
	}
	n.Path = path.String
	return n, nil
}

func nullableScopeID(s principals.Scope) interface{} {
	if s.Kind == principals.ScopeSystem {
		return nil
	}
	return s.ID
}
