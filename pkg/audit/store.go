package audit

import (
	"context"
	"time"
)

// Store provides the compliance review queries
type Store interface {
	Search(ctx context.Context, filter SearchFilter) ([]*ComplianceEntry, error)

	// Get returns nil, nil when the entry does not exist
	Get(ctx context.Context, id int64) (*ComplianceEntry, error)

	GetStats(ctx context.Context, startTime, endTime *time.Time) (*Stats, error)

	// Transitions lists a session's context transitions, oldest first
	Transitions(ctx context.Context, sessionID string) ([]*ContextTransition, error)
}

// DBStore implements Store on the PostgreSQL compliance tables
type DBStore struct {
	logger      *DBLogger
	transitions *TransitionLog
}

// NewDBStore creates a new database-backed review store
func NewDBStore(logger *DBLogger, transitions *TransitionLog) *DBStore {
	return &DBStore{logger: logger, transitions: transitions}
}

func (s *DBStore) Search(ctx context.Context, filter SearchFilter) ([]*ComplianceEntry, error) {
	return s.logger.Search(ctx, filter)
}

func (s *DBStore) Get(ctx context.Context, id int64) (*ComplianceEntry, error) {
	return s.logger.Get(ctx, id)
}

func (s *DBStore) GetStats(ctx context.Context, startTime, endTime *time.Time) (*Stats, error) {
	return s.logger.GetStats(ctx, startTime, endTime)
}

func (s *DBStore) Transitions(ctx context.Context, sessionID string) ([]*ContextTransition, error) {
	return s.transitions.ListBySession(ctx, sessionID)
}
