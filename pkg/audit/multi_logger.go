package audit

import (
	"context"
	"errors"
	"fmt"
)

// MultiLogger writes every entry to a primary sink and any number of mirrors.
// A failing sink does not stop the others; all failures are joined into the result.
type MultiLogger struct {
	primary Logger
	mirrors []Logger
}

// NewMultiLogger creates a logger fanning out to primary then mirrors
func NewMultiLogger(primary Logger, mirrors ...Logger) *MultiLogger {
	return &MultiLogger{primary: primary, mirrors: mirrors}
}

// Log writes entry to every sink in order
func (m *MultiLogger) Log(ctx context.Context, entry *ComplianceEntry) error {
	var errs []error
	for _, logger := range m.sinks() {
		if err := logger.Log(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all sinks
func (m *MultiLogger) Close() error {
	var errs []error
	for _, logger := range m.sinks() {
		if err := logger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close logger: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (m *MultiLogger) sinks() []Logger {
	return append([]Logger{m.primary}, m.mirrors...)
}
