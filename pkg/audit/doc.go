// Package audit provides the compliance trail for carehub.
//
// # Overview
//
// Two append-only record streams are kept:
//
//	compliance_log_entries - one row per mutation or read of regulated data
//	context_transitions    - one row per change of a session's acting role/scope
//
// Mutations and reads share a table and are separated by the kind column. Reads of
// sensitive categories (health, care_plan, identity, contact, financial) must carry a
// stated purpose; a read without one is recorded with Violation set. It is never refused.
//
// # Recording
//
// Application code does not call a sink directly. It wraps the write in a Recorder:
//
//	err := recorder.Mutate(ctx, caller, audit.Mutation{
//		Operation: audit.OperationInsert,
//		Category:  audit.CategoryRoleAssignment,
//		SubjectID: audit.SubjectID(assignment.ID),
//	}, func(ctx context.Context) error {
//		return store.CreateAssignment(ctx, assignment)
//	})
//
// If the sink fails after the operation succeeded, the failure is logged, counted in
// carehub_audit_write_degraded_total and passed to the alert hook wrapped in
// ErrWriteDegraded. The operation still succeeds.
//
// Context transitions are not written through the Recorder. TransitionLog.AppendTx runs
// inside the session transaction so the transition and the session change commit together.
//
// # Sinks
//
//	DBLogger    - PostgreSQL, also serves compliance review queries
//	FileLogger  - newline-delimited JSON with size-based rotation
//	MultiLogger - fan-out to a primary and mirrors
//
// # Retention
//
// Purger deletes records older than the retention policy (seven years by default) and
// records the purge itself. cmd/carehub-retention schedules it.
package audit
