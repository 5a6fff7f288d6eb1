package audit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/carehub/pkg/principals"
)

// AlertFunc is notified when a compliance write degrades. err wraps ErrWriteDegraded.
type AlertFunc func(ctx context.Context, entry *ComplianceEntry, err error)

// Mutation describes a write to regulated data
type Mutation struct {
	Operation Operation
	Category  Category
	SubjectID string
	Fields    []string
	Metadata  map[string]interface{}
}

// Read describes a read of regulated data
type Read struct {
	Category  Category
	SubjectID string
	Fields    []string
	Metadata  map[string]interface{}
}

// Recorder wraps operations on regulated data and appends one compliance entry per
// successful operation. Log failures never fail the wrapped operation.
type Recorder struct {
	logger   Logger
	log      logrus.FieldLogger
	degraded prometheus.Counter
	alert    AlertFunc
	now      func() time.Time
}

// RecorderOption configures a Recorder
type RecorderOption func(*Recorder)

// WithDegradedCounter counts degraded writes
func WithDegradedCounter(c prometheus.Counter) RecorderOption {
	return func(r *Recorder) { r.degraded = c }
}

// WithAlertHook sets the operator alert hook
func WithAlertHook(fn AlertFunc) RecorderOption {
	return func(r *Recorder) { r.alert = fn }
}

// WithClock overrides the entry timestamp source
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates a Recorder writing to logger
func NewRecorder(logger Logger, log logrus.FieldLogger, opts ...RecorderOption) *Recorder {
	if logger == nil {
		logger = NoOpLogger{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Recorder{
		logger: logger,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Mutate runs fn and, if it succeeds, records the mutation. fn's error is returned unchanged.
func (r *Recorder) Mutate(ctx context.Context, caller principals.Caller, m Mutation, fn func(ctx context.Context) error) error {
	if err := fn(ctx); err != nil {
		return err
	}

	entry := r.baseEntry(caller, KindMutation, m.Category)
	entry.Operation = m.Operation
	entry.SubjectID = m.SubjectID
	entry.Fields = m.Fields
	entry.Metadata = m.Metadata
	r.Record(ctx, entry)
	return nil
}

// RecordRead records a read. A sensitive read without a stated purpose is stored as a
// violation; the read itself is never refused.
func (r *Recorder) RecordRead(ctx context.Context, caller principals.Caller, rd Read) *ComplianceEntry {
	entry := r.baseEntry(caller, KindRead, rd.Category)
	entry.Operation = OperationRead
	entry.SubjectID = rd.SubjectID
	entry.Fields = rd.Fields
	entry.Metadata = rd.Metadata
	if entry.Sensitive && entry.Purpose == "" {
		entry.Violation = true
		entry.ViolationReason = "missing access purpose for sensitive data"
	}
	r.Record(ctx, entry)
	return entry
}

// Record appends a prepared entry, degrading on failure
func (r *Recorder) Record(ctx context.Context, entry *ComplianceEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now()
	}
	err := r.logger.Log(ctx, entry)
	if err == nil {
		return
	}

	degraded := fmt.Errorf("%w: %v", ErrWriteDegraded, err)
	r.log.WithFields(logrus.Fields{
		"kind":       entry.Kind,
		"operation":  entry.Operation,
		"category":   entry.Category,
		"subject_id": entry.SubjectID,
		"request_id": entry.RequestID,
	}).WithError(err).Warn("compliance log write degraded")

	if r.degraded != nil {
		r.degraded.Inc()
	}
	if r.alert != nil {
		r.alert(ctx, entry, degraded)
	}
}

func (r *Recorder) baseEntry(caller principals.Caller, kind EntryKind, category Category) *ComplianceEntry {
	entry := &ComplianceEntry{
		Kind:       kind,
		Category:   category,
		SessionID:  caller.SessionID,
		Purpose:    caller.Purpose,
		LegalBasis: caller.LegalBasis,
		Sensitive:  category.Sensitive(),
		IPAddress:  caller.IPAddress,
		RequestID:  caller.RequestID,
		CreatedAt:  r.now(),
	}
	if caller.PrincipalID != 0 {
		id := caller.PrincipalID
		entry.OperatorID = &id
	}
	return entry
}

// SubjectID formats a numeric record id for ComplianceEntry.SubjectID
func SubjectID(id int64) string {
	return strconv.FormatInt(id, 10)
}
