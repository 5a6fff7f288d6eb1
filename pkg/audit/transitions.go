package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// TransitionLog persists context transitions. Appends run inside the caller's
// transaction so a transition is stored exactly when the session change commits.
type TransitionLog struct {
	db *sql.DB
}

// NewTransitionLog creates a new TransitionLog
func NewTransitionLog(db *sql.DB) *TransitionLog {
	return &TransitionLog{db: db}
}

// AppendTx writes t within tx
func (l *TransitionLog) AppendTx(ctx context.Context, tx *sql.Tx, t *ContextTransition) error {
	previous, err := marshalTuple(t.Previous)
	if err != nil {
		return err
	}
	next, err := marshalTuple(t.New)
	if err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO context_transitions (session_id, principal_id, previous, new, reason, ip_address, user_agent, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	err = tx.QueryRowContext(ctx, query,
		t.SessionID, t.PrincipalID, previous, next, string(t.Reason),
		t.IPAddress, t.UserAgent, t.RequestID, t.CreatedAt,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("failed to insert context transition: %w", err)
	}
	return nil
}

// ListBySession returns the transitions of a session, oldest first
func (l *TransitionLog) ListBySession(ctx context.Context, sessionID string) ([]*ContextTransition, error) {
	query := `
		SELECT id, session_id, principal_id, previous, new, reason, ip_address, user_agent, request_id, created_at
		FROM context_transitions
		WHERE session_id = $1
		ORDER BY created_at, id
	`
	rows, err := l.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list context transitions: %w", err)
	}
	defer rows.Close()

	out := make([]*ContextTransition, 0)
	for rows.Next() {
		t := &ContextTransition{}
		var previous, next []byte
		var reason string
		var ip, ua, reqID sql.NullString
		if err := rows.Scan(&t.ID, &t.SessionID, &t.PrincipalID, &previous, &next, &reason, &ip, &ua, &reqID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan context transition: %w", err)
		}
		t.Reason = TransitionReason(reason)
		t.IPAddress, t.UserAgent, t.RequestID = ip.String, ua.String, reqID.String
		if t.Previous, err = unmarshalTuple(previous); err != nil {
			return nil, err
		}
		if t.New, err = unmarshalTuple(next); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating context transitions: %w", err)
	}
	return out, nil
}

func marshalTuple(t *Tuple) ([]byte, error) {
	if t == nil {
		return nil, nil
	}
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tuple: %w", err)
	}
	return b, nil
}

func unmarshalTuple(b []byte) (*Tuple, error) {
	if len(b) == 0 {
		return nil, nil
	}
	t := &Tuple{}
	if err := json.Unmarshal(b, t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tuple: %w", err)
	}
	return t, nil
}
