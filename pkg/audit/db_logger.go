package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// DBLogger implements compliance logging to PostgreSQL
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a new database-backed compliance logger
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	logger := &DBLogger{
		db: db,
	}

	if err := logger.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure compliance tables: %w", err)
	}

	return logger, nil
}

// ensureTable creates the compliance and transition tables if they don't exist
func (l *DBLogger) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS compliance_log_entries (
		id BIGSERIAL PRIMARY KEY,
		kind VARCHAR(20) NOT NULL,
		operation VARCHAR(20) NOT NULL,
		category VARCHAR(50) NOT NULL,
		subject_id VARCHAR(255),
		operator_id BIGINT,
		session_id VARCHAR(64),
		purpose TEXT,
		legal_basis TEXT,
		fields TEXT[],
		sensitive BOOLEAN NOT NULL DEFAULT FALSE,
		violation BOOLEAN NOT NULL DEFAULT FALSE,
		violation_reason TEXT,
		ip_address VARCHAR(45),
		request_id VARCHAR(100),
		metadata JSONB,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_compliance_created_at ON compliance_log_entries(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_compliance_operator ON compliance_log_entries(operator_id);
	CREATE INDEX IF NOT EXISTS idx_compliance_subject ON compliance_log_entries(category, subject_id);
	CREATE INDEX IF NOT EXISTS idx_compliance_violation ON compliance_log_entries(violation) WHERE violation;

	CREATE TABLE IF NOT EXISTS context_transitions (
		id BIGSERIAL PRIMARY KEY,
		session_id VARCHAR(64) NOT NULL,
		principal_id BIGINT NOT NULL,
		previous JSONB,
		new JSONB,
		reason VARCHAR(30) NOT NULL,
		ip_address VARCHAR(45),
		user_agent TEXT,
		request_id VARCHAR(100),
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_context_transitions_session ON context_transitions(session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_context_transitions_created_at ON context_transitions(created_at);
	`

	_, err := l.db.Exec(query)
	return err
}

// Log appends a compliance entry
func (l *DBLogger) Log(ctx context.Context, entry *ComplianceEntry) error {
	var metadataJSON []byte
	var err error

	if entry.Metadata != nil {
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO compliance_log_entries (
			kind, operation, category,
			subject_id, operator_id, session_id,
			purpose, legal_basis, fields,
			sensitive, violation, violation_reason,
			ip_address, request_id, metadata, created_at
		) VALUES (
			$1, $2, $3,
			$4, $5, $6,
			$7, $8, $9,
			$10, $11, $12,
			$13, $14, $15, $16
		) RETURNING id
	`

	err = l.db.QueryRowContext(ctx, query,
		string(entry.Kind), string(entry.Operation), string(entry.Category),
		entry.SubjectID, entry.OperatorID, entry.SessionID,
		entry.Purpose, entry.LegalBasis, pq.Array(entry.Fields),
		entry.Sensitive, entry.Violation, entry.ViolationReason,
		entry.IPAddress, entry.RequestID, metadataJSON, entry.CreatedAt,
	).Scan(&entry.ID)

	if err != nil {
		return fmt.Errorf("failed to insert compliance entry: %w", err)
	}

	return nil
}

// Close is a no-op; the connection is owned by the caller
func (l *DBLogger) Close() error {
	return nil
}

const entryColumns = `
	id, kind, operation, category,
	subject_id, operator_id, session_id,
	purpose, legal_basis, fields,
	sensitive, violation, violation_reason,
	ip_address, request_id, metadata, created_at`

// Search searches compliance entries based on filters
func (l *DBLogger) Search(ctx context.Context, filter SearchFilter) ([]*ComplianceEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM compliance_log_entries WHERE 1=1`

	where, args := filter.where()
	query += where

	order := "DESC"
	if filter.SortOrder == "asc" {
		order = "ASC"
	}
	query += fmt.Sprintf(" ORDER BY created_at %s, id %s", order, order)

	argCount := len(args) + 1
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
		argCount++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search compliance entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*ComplianceEntry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating compliance entries: %w", err)
	}

	return entries, nil
}

// Get retrieves a single compliance entry
func (l *DBLogger) Get(ctx context.Context, id int64) (*ComplianceEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM compliance_log_entries WHERE id = $1`
	rows, err := l.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get compliance entry: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get compliance entry: %w", err)
		}
		return nil, nil
	}
	return scanEntry(rows)
}

// GetStats summarizes entries between startTime and endTime
func (l *DBLogger) GetStats(ctx context.Context, startTime, endTime *time.Time) (*Stats, error) {
	stats := &Stats{
		EntriesByCategory:  make(map[Category]int64),
		EntriesByOperation: make(map[Operation]int64),
		StartTime:          startTime,
		EndTime:            endTime,
	}

	filter := SearchFilter{StartTime: startTime, EndTime: endTime}
	where, args := filter.where()

	query := `
		SELECT category, operation, COUNT(*), COALESCE(SUM(CASE WHEN violation THEN 1 ELSE 0 END), 0)
		FROM compliance_log_entries
		WHERE 1=1` + where + `
		GROUP BY category, operation
	`
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get compliance stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var category, operation string
		var count, violations int64
		if err := rows.Scan(&category, &operation, &count, &violations); err != nil {
			return nil, fmt.Errorf("failed to scan compliance stats: %w", err)
		}
		stats.TotalEntries += count
		stats.Violations += violations
		stats.EntriesByCategory[Category(category)] += count
		stats.EntriesByOperation[Operation(operation)] += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating compliance stats: %w", err)
	}

	return stats, nil
}

// DeleteBefore removes compliance entries and context transitions created before cutoff.
// It returns the number of rows removed from each table.
func (l *DBLogger) DeleteBefore(ctx context.Context, cutoff time.Time) (entries, transitions int64, err error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin purge transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM compliance_log_entries WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to purge compliance entries: %w", err)
	}
	if entries, err = res.RowsAffected(); err != nil {
		return 0, 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	res, err = tx.ExecContext(ctx, `DELETE FROM context_transitions WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to purge context transitions: %w", err)
	}
	if transitions, err = res.RowsAffected(); err != nil {
		return 0, 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit purge: %w", err)
	}
	return entries, transitions, nil
}

func (f SearchFilter) where() (string, []interface{}) {
	clause := ""
	args := []interface{}{}
	argCount := 1

	if f.StartTime != nil {
		clause += fmt.Sprintf(" AND created_at >= $%d", argCount)
		args = append(args, *f.StartTime)
		argCount++
	}
	if f.EndTime != nil {
		clause += fmt.Sprintf(" AND created_at <= $%d", argCount)
		args = append(args, *f.EndTime)
		argCount++
	}
	if f.OperatorID != nil {
		clause += fmt.Sprintf(" AND operator_id = $%d", argCount)
		args = append(args, *f.OperatorID)
		argCount++
	}
	if f.SubjectID != "" {
		clause += fmt.Sprintf(" AND subject_id = $%d", argCount)
		args = append(args, f.SubjectID)
		argCount++
	}
	if f.SessionID != "" {
		clause += fmt.Sprintf(" AND session_id = $%d", argCount)
		args = append(args, f.SessionID)
		argCount++
	}
	if f.Kind != "" {
		clause += fmt.Sprintf(" AND kind = $%d", argCount)
		args = append(args, string(f.Kind))
		argCount++
	}
	if len(f.Categories) > 0 {
		clause += fmt.Sprintf(" AND category = ANY($%d)", argCount)
		cats := make([]string, len(f.Categories))
		for i, c := range f.Categories {
			cats[i] = string(c)
		}
		args = append(args, pq.Array(cats))
		argCount++
	}
	if f.Operation != "" {
		clause += fmt.Sprintf(" AND operation = $%d", argCount)
		args = append(args, string(f.Operation))
	}
	if f.ViolationsOnly {
		clause += " AND violation"
	}
	return clause, args
}

func scanEntry(rows *sql.Rows) (*ComplianceEntry, error) {
	entry := &ComplianceEntry{}
	var kind, operation, category string
	var subjectID, sessionID, purpose, legalBasis, violationReason, ipAddress, requestID sql.NullString
	var operatorID sql.NullInt64
	var metadataJSON []byte
	var fields pq.StringArray

	err := rows.Scan(
		&entry.ID, &kind, &operation, &category,
		&subjectID, &operatorID, &sessionID,
		&purpose, &legalBasis, &fields,
		&entry.Sensitive, &entry.Violation, &violationReason,
		&ipAddress, &requestID, &metadataJSON, &entry.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan compliance entry: %w", err)
	}

	entry.Kind = EntryKind(kind)
	entry.Operation = Operation(operation)
	entry.Category = Category(category)
	entry.SubjectID = subjectID.String
	entry.SessionID = sessionID.String
	entry.Purpose = purpose.String
	entry.LegalBasis = legalBasis.String
	entry.ViolationReason = violationReason.String
	entry.IPAddress = ipAddress.String
	entry.RequestID = requestID.String
	entry.Fields = []string(fields)
	if operatorID.Valid {
		v := operatorID.Int64
		entry.OperatorID = &v
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return entry, nil
}

