package audit

import (
	"errors"
	"time"

	"github.com/platinummonkey/carehub/pkg/principals"
)

// ErrWriteDegraded marks a compliance write that failed after the audited operation succeeded.
// It is reported to operators and never returned to callers of the audited operation.
var ErrWriteDegraded = errors.New("compliance log write degraded")

// EntryKind separates mutation records from read records in the shared log table
type EntryKind string

const (
	KindMutation EntryKind = "mutation"
	KindRead     EntryKind = "read"
)

// Operation is the action recorded by a compliance entry
type Operation string

const (
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationRead   Operation = "read"
	OperationPurge  Operation = "purge"
)

// Category classifies the data touched by an operation
type Category string

const (
	CategoryHealth         Category = "health"
	CategoryCarePlan       Category = "care_plan"
	CategoryIdentity       Category = "identity"
	CategoryContact        Category = "contact"
	CategoryFinancial      Category = "financial"
	CategoryRoleAssignment Category = "role_assignment"
	CategorySession        Category = "session"
	CategoryRetention      Category = "audit_retention"
	CategoryOrganization   Category = "organization"
	// CategoryComplianceLog covers reads of the compliance log itself, which exposes
	// operator identities and client addresses
	CategoryComplianceLog Category = "compliance_log"
)

var sensitiveCategories = map[Category]bool{
	CategoryHealth:        true,
	CategoryCarePlan:      true,
	CategoryIdentity:      true,
	CategoryContact:       true,
	CategoryFinancial:     true,
	CategoryComplianceLog: true,
}

// Sensitive reports whether reads of the category require a stated purpose
func (c Category) Sensitive() bool {
	return sensitiveCategories[c]
}

// ComplianceEntry is an append-only record of an access to or change of regulated data
type ComplianceEntry struct {
	ID              int64                  `json:"id"`
	Kind            EntryKind              `json:"kind"`
	Operation       Operation              `json:"operation"`
	Category        Category               `json:"category"`
	SubjectID       string                 `json:"subject_id,omitempty"`
	OperatorID      *int64                 `json:"operator_id,omitempty"`
	SessionID       string                 `json:"session_id,omitempty"`
	Purpose         string                 `json:"purpose,omitempty"`
	LegalBasis      string                 `json:"legal_basis,omitempty"`
	Fields          []string               `json:"fields,omitempty"`
	Sensitive       bool                   `json:"sensitive"`
	Violation       bool                   `json:"violation"`
	ViolationReason string                 `json:"violation_reason,omitempty"`
	IPAddress       string                 `json:"ip_address,omitempty"`
	RequestID       string                 `json:"request_id,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// Tuple is the (role, scope, impersonation target) a session acts under
type Tuple struct {
	RoleID        principals.ID    `json:"role_id"`
	Scope         principals.Scope `json:"scope"`
	ImpersonateID *principals.ID   `json:"impersonate_id,omitempty"`
}

// TransitionReason explains why a session's tuple changed
type TransitionReason string

const (
	ReasonLogin          TransitionReason = "login"
	ReasonLogout         TransitionReason = "logout"
	ReasonUserSwitch     TransitionReason = "user_switch"
	ReasonImpersonation  TransitionReason = "impersonation"
	ReasonSessionTimeout TransitionReason = "session_timeout"
	ReasonForcedSwitch   TransitionReason = "forced_switch"
)

// ContextTransition records one change of a session's acting tuple
type ContextTransition struct {
	ID          int64            `json:"id"`
	SessionID   string           `json:"session_id"`
	PrincipalID principals.ID    `json:"principal_id"`
	Previous    *Tuple           `json:"previous,omitempty"`
	New         *Tuple           `json:"new,omitempty"`
	Reason      TransitionReason `json:"reason"`
	IPAddress   string           `json:"ip_address,omitempty"`
	UserAgent   string           `json:"user_agent,omitempty"`
	RequestID   string           `json:"request_id,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// SearchFilter defines filters for compliance review queries
type SearchFilter struct {
	StartTime      *time.Time
	EndTime        *time.Time
	OperatorID     *int64
	SubjectID      string
	SessionID      string
	Kind           EntryKind
	Categories     []Category
	Operation      Operation
	ViolationsOnly bool

	Limit  int
	Offset int

	// SortOrder is "asc" or "desc" on created_at
	SortOrder string
}

// Stats summarizes the compliance log over a time range
type Stats struct {
	TotalEntries       int64               `json:"total_entries"`
	EntriesByCategory  map[Category]int64  `json:"entries_by_category"`
	EntriesByOperation map[Operation]int64 `json:"entries_by_operation"`
	Violations         int64               `json:"violations"`
	StartTime          *time.Time          `json:"start_time,omitempty"`
	EndTime            *time.Time          `json:"end_time,omitempty"`
}

// ExportFormat is the output format for compliance exports
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatNDJSON ExportFormat = "ndjson"
	ExportFormatCSV    ExportFormat = "csv"
)

// RetentionPolicy defines how long compliance records are kept
type RetentionPolicy struct {
	// Retention is the minimum age before a record may be purged
	Retention time.Duration
}

// DefaultRetentionPolicy keeps records for seven years
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{Retention: 7 * 365 * 24 * time.Hour}
}

// Cutoff returns the instant before which records are eligible for purge
func (p RetentionPolicy) Cutoff(now time.Time) time.Time {
	return now.Add(-p.Retention)
}
