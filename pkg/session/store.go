package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/platinummonkey/carehub/pkg/audit"
	"github.com/platinummonkey/carehub/pkg/principals"
)

// ErrNotFound is returned when no session matches the lookup
var ErrNotFound = errors.New("session not found")

// Store persists sessions. Create and Update write the session row and its context
// transition atomically: both are stored or neither is.
type Store interface {
	Create(ctx context.Context, s *Session, t *audit.ContextTransition) error
	Get(ctx context.Context, id string) (*Session, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error)
	// Update fails with ErrExpiredSession if the session was ended concurrently. A nil
	// t writes the session row only.
	Update(ctx context.Context, s *Session, t *audit.ContextTransition) error
	Transitions(ctx context.Context, sessionID string) ([]*audit.ContextTransition, error)
}

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	db          *sql.DB
	transitions *audit.TransitionLog
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, transitions: audit.NewTransitionLog(db)}
}

const sessionColumns = `
	id, principal_id, role_id, scope_kind, scope_id, impersonate_principal_id, token_hash,
	created_at, last_activity_at, expires_at, ended_at, end_reason, ip_address, user_agent`

// Create inserts s and its login transition in one transaction
func (p *PostgresStore) Create(ctx context.Context, s *Session, t *audit.ContextTransition) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO sessions (` + sessionColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`
		_, err := tx.ExecContext(ctx, query,
			s.ID, s.PrincipalID, s.RoleID, string(s.Scope.Kind), scopeID(s.Scope), s.ImpersonatePrincipalID, s.TokenHash,
			s.CreatedAt, s.LastActivityAt, s.ExpiresAt, s.EndedAt, nullString(string(s.EndReason)), nullString(s.IPAddress), nullString(s.UserAgent),
		)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return p.transitions.AppendTx(ctx, tx, t)
	})
}

// Get retrieves a session by ID
func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	return p.getSession(ctx, `id = $1`, id)
}

// GetByTokenHash retrieves a session by the hash of its bearer token
func (p *PostgresStore) GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error) {
	return p.getSession(ctx, `token_hash = $1`, tokenHash)
}

func (p *PostgresStore) getSession(ctx context.Context, where string, arg interface{}) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE ` + where

	s := &Session{}
	var scopeKind string
	var scopeID, impersonate sql.NullInt64
	var endedAt sql.NullTime
	var endReason, ip, ua sql.NullString
	err := p.db.QueryRowContext(ctx, query, arg).Scan(
		&s.ID, &s.PrincipalID, &s.RoleID, &scopeKind, &scopeID, &impersonate, &s.TokenHash,
		&s.CreatedAt, &s.LastActivityAt, &s.ExpiresAt, &endedAt, &endReason, &ip, &ua,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	s.Scope = principals.Scope{Kind: principals.ScopeKind(scopeKind), ID: scopeID.Int64}
	if impersonate.Valid {
		id := impersonate.Int64
		s.ImpersonatePrincipalID = &id
	}
	if endedAt.Valid {
		t := endedAt.Time
		s.EndedAt = &t
	}
	s.EndReason = audit.TransitionReason(endReason.String)
	s.IPAddress, s.UserAgent = ip.String, ua.String
	return s, nil
}

// Update writes the mutable session fields and appends t in one transaction
func (p *PostgresStore) Update(ctx context.Context, s *Session, t *audit.ContextTransition) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE sessions
			SET role_id = $2, scope_kind = $3, scope_id = $4, impersonate_principal_id = $5,
			    last_activity_at = $6, ended_at = $7, end_reason = $8
			WHERE id = $1 AND ended_at IS NULL
		`
		result, err := tx.ExecContext(ctx, query,
			s.ID, s.RoleID, string(s.Scope.Kind), scopeID(s.Scope), s.ImpersonatePrincipalID,
			s.LastActivityAt, s.EndedAt, nullString(string(s.EndReason)),
		)
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrExpiredSession
		}
		if t == nil {
			return nil
		}
		return p.transitions.AppendTx(ctx, tx, t)
	})
}

// Transitions lists the context transitions of a session, oldest first
func (p *PostgresStore) Transitions(ctx context.Context, sessionID string) ([]*audit.ContextTransition, error) {
	return p.transitions.ListBySession(ctx, sessionID)
}

func (p *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// scopeID stores the system scope as NULL
func scopeID(s principals.Scope) interface{} {
	if s.Kind == principals.ScopeSystem {
		return nil
	}
	return s.ID
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
