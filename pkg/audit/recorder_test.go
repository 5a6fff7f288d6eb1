package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/carehub/pkg/principals"
)

// memoryLogger collects entries and optionally fails every write
type memoryLogger struct {
	mu      sync.Mutex
	entries []*ComplianceEntry
	err     error
}

func (m *memoryLogger) Log(ctx context.Context, entry *ComplianceEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memoryLogger) Close() error { return nil }

func testCaller() principals.Caller {
	return principals.Caller{
		PrincipalID: 7,
		SessionID:   "sess-1",
		IPAddress:   "10.0.0.1",
		RequestID:   "req-1",
	}
}

func TestRecorder_Mutate(t *testing.T) {
	t.Run("records one entry on success", func(t *testing.T) {
		sink := &memoryLogger{}
		r := NewRecorder(sink, nil)

		called := false
		err := r.Mutate(context.Background(), testCaller(), Mutation{
			Operation: OperationInsert,
			Category:  CategoryRoleAssignment,
			SubjectID: "12",
		}, func(ctx context.Context) error {
			called = true
			return nil
		})

		require.NoError(t, err)
		assert.True(t, called)
		require.Len(t, sink.entries, 1)
		e := sink.entries[0]
		assert.Equal(t, KindMutation, e.Kind)
		assert.Equal(t, OperationInsert, e.Operation)
		assert.Equal(t, "sess-1", e.SessionID)
		require.NotNil(t, e.OperatorID)
		assert.Equal(t, int64(7), *e.OperatorID)
		assert.False(t, e.Sensitive)
		assert.False(t, e.CreatedAt.IsZero())
	})

	t.Run("failed operation writes nothing", func(t *testing.T) {
		sink := &memoryLogger{}
		r := NewRecorder(sink, nil)
		boom := errors.New("constraint violated")

		err := r.Mutate(context.Background(), testCaller(), Mutation{Operation: OperationUpdate, Category: CategoryHealth},
			func(ctx context.Context) error { return boom })

		assert.ErrorIs(t, err, boom)
		assert.Empty(t, sink.entries)
	})

	t.Run("log failure degrades without failing the operation", func(t *testing.T) {
		sink := &memoryLogger{err: errors.New("connection refused")}
		counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_degraded_total"})
		logger, hook := test.NewNullLogger()

		var alerted error
		r := NewRecorder(sink, logger,
			WithDegradedCounter(counter),
			WithAlertHook(func(ctx context.Context, entry *ComplianceEntry, err error) { alerted = err }),
		)

		err := r.Mutate(context.Background(), testCaller(), Mutation{Operation: OperationDelete, Category: CategoryContact},
			func(ctx context.Context) error { return nil })

		require.NoError(t, err)
		assert.ErrorIs(t, alerted, ErrWriteDegraded)
		assert.Equal(t, float64(1), testutil.ToFloat64(counter))
		require.NotNil(t, hook.LastEntry())
		assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	})
}

func TestRecorder_RecordRead(t *testing.T) {
	fixed := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		category      Category
		purpose       string
		wantSensitive bool
		wantViolation bool
	}{
		{name: "sensitive with purpose", category: CategoryHealth, purpose: "care_visit", wantSensitive: true},
		{name: "sensitive without purpose", category: CategoryFinancial, wantSensitive: true, wantViolation: true},
		{name: "non-sensitive without purpose", category: CategoryOrganization},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &memoryLogger{}
			r := NewRecorder(sink, nil, WithClock(func() time.Time { return fixed }))

			caller := testCaller()
			caller.Purpose = tt.purpose
			entry := r.RecordRead(context.Background(), caller, Read{Category: tt.category, SubjectID: "3"})

			require.Len(t, sink.entries, 1)
			assert.Same(t, entry, sink.entries[0])
			assert.Equal(t, KindRead, entry.Kind)
			assert.Equal(t, OperationRead, entry.Operation)
			assert.Equal(t, tt.wantSensitive, entry.Sensitive)
			assert.Equal(t, tt.wantViolation, entry.Violation)
			if tt.wantViolation {
				assert.NotEmpty(t, entry.ViolationReason)
			}
			assert.Equal(t, fixed, entry.CreatedAt)
		})
	}
}

func TestCategorySensitive(t *testing.T) {
	for _, c := range []Category{CategoryHealth, CategoryCarePlan, CategoryIdentity, CategoryContact, CategoryFinancial, CategoryComplianceLog} {
		assert.True(t, c.Sensitive(), c)
	}
	for _, c := range []Category{CategoryRoleAssignment, CategorySession, CategoryRetention, CategoryOrganization} {
		assert.False(t, c.Sensitive(), c)
	}
}
