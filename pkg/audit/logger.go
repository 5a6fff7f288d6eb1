package audit

import (
	"context"
)

// Logger is the interface for compliance log sinks
type Logger interface {
	// Log appends a compliance entry
	Log(ctx context.Context, entry *ComplianceEntry) error

	// Close flushes and releases the sink
	Close() error
}

// NoOpLogger discards every entry. Used when no sink is configured.
type NoOpLogger struct{}

func (NoOpLogger) Log(ctx context.Context, entry *ComplianceEntry) error {
	return nil
}

func (NoOpLogger) Close() error {
	return nil
}
