package audit

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/carehub/pkg/httputil"
	"github.com/platinummonkey/carehub/pkg/principals"
)

// CallerFunc extracts the explicit caller context of a request
type CallerFunc func(r *http.Request) principals.Caller

// Handlers provides HTTP handlers for compliance review. Callers mount them behind
// a system-admin guard.
type Handlers struct {
	store    Store
	recorder *Recorder
	caller   CallerFunc
}

// HandlerOption configures Handlers
type HandlerOption func(*Handlers)

// WithReadRecorder records every successful read of entries or transitions as a
// compliance_log read, carrying the caller's stated purpose and legal basis.
func WithReadRecorder(recorder *Recorder, caller CallerFunc) HandlerOption {
	return func(h *Handlers) {
		h.recorder = recorder
		h.caller = caller
	}
}

// NewHandlers creates new compliance review handlers
func NewHandlers(store Store, opts ...HandlerOption) *Handlers {
	h := &Handlers{
		store: store,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers compliance review routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/compliance/entries", h.listEntries).Methods("GET")
	router.HandleFunc("/compliance/entries/{id}", h.getEntry).Methods("GET")
	router.HandleFunc("/compliance/export", h.exportEntries).Methods("GET")
	router.HandleFunc("/compliance/stats", h.getStats).Methods("GET")
	router.HandleFunc("/compliance/sessions/{session_id}/transitions", h.listTransitions).Methods("GET")
}

// listEntries handles GET /compliance/entries
func (h *Handlers) listEntries(w http.ResponseWriter, r *http.Request) {
	filter := parseFilter(r)

	entries, err := h.store.Search(r.Context(), filter)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	h.recordRead(r, filter.SubjectID, map[string]interface{}{
		"route":    "list",
		"returned": len(entries),
	})

	httputil.WriteSuccess(w, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}

// getEntry handles GET /compliance/entries/{id}
func (h *Handlers) getEntry(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		httputil.WriteBadRequest(w, "invalid entry ID")
		return
	}

	entry, err := h.store.Get(r.Context(), id)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if entry == nil {
		httputil.WriteNotFoundError(w, "entry not found")
		return
	}
	h.recordRead(r, SubjectID(id), map[string]interface{}{"route": "get"})

	httputil.WriteSuccess(w, entry)
}

// exportEntries handles GET /compliance/export
func (h *Handlers) exportEntries(w http.ResponseWriter, r *http.Request) {
	filter := parseFilter(r)
	format := ExportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = ExportFormatJSON
	}

	entries, err := h.store.Search(r.Context(), filter)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	data, err := Export(entries, format)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	h.recordRead(r, filter.SubjectID, map[string]interface{}{
		"route":    "export",
		"format":   string(format),
		"returned": len(entries),
	})

	switch format {
	case ExportFormatCSV:
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", "attachment; filename=compliance-log.csv")
	case ExportFormatNDJSON:
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Content-Disposition", "attachment; filename=compliance-log.ndjson")
	default:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", "attachment; filename=compliance-log.json")
	}

	w.Write(data)
}

// getStats handles GET /compliance/stats
func (h *Handlers) getStats(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	startTime := parseTime(query.Get("start_time"))
	endTime := parseTime(query.Get("end_time"))

	stats, err := h.store.GetStats(r.Context(), startTime, endTime)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, stats)
}

// listTransitions handles GET /compliance/sessions/{session_id}/transitions
func (h *Handlers) listTransitions(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	transitions, err := h.store.Transitions(r.Context(), sessionID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	h.recordRead(r, sessionID, map[string]interface{}{
		"route":    "transitions",
		"returned": len(transitions),
	})

	httputil.WriteSuccess(w, map[string]interface{}{
		"transitions": transitions,
		"count":       len(transitions),
	})
}

// parseFilter parses a search filter from query parameters
func parseFilter(r *http.Request) SearchFilter {
	query := r.URL.Query()
	filter := SearchFilter{
		StartTime: parseTime(query.Get("start_time")),
		EndTime:   parseTime(query.Get("end_time")),
		SubjectID: query.Get("subject_id"),
		SessionID: query.Get("session_id"),
		Kind:      EntryKind(query.Get("kind")),
		Operation: Operation(query.Get("operation")),
		SortOrder: query.Get("sort_order"),
	}

	if v := query.Get("operator_id"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.OperatorID = &id
		}
	}

	for _, c := range strings.Split(query.Get("categories"), ",") {
		if c = strings.TrimSpace(c); c != "" {
			filter.Categories = append(filter.Categories, Category(c))
		}
	}

	filter.ViolationsOnly, _ = strconv.ParseBool(query.Get("violations_only"))

	filter.Limit = 100
	if v := query.Get("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil && limit > 0 && limit <= 1000 {
			filter.Limit = limit
		}
	}
	if v := query.Get("offset"); v != "" {
		if offset, err := strconv.Atoi(v); err == nil && offset >= 0 {
			filter.Offset = offset
		}
	}
	if filter.SortOrder == "" {
		filter.SortOrder = "desc"
	}

	return filter
}

func parseTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}

// recordRead logs a read of the compliance log. Stats are aggregates and are not recorded.
func (h *Handlers) recordRead(r *http.Request, subjectID string, metadata map[string]interface{}) {
	if h.recorder == nil {
		return
	}
	var caller principals.Caller
	if h.caller != nil {
		caller = h.caller(r)
	}
	h.recorder.RecordRead(r.Context(), caller, Read{
		Category:  CategoryComplianceLog,
		SubjectID: subjectID,
		Fields:    complianceLogFields,
		Metadata:  metadata,
	})
}

// complianceLogFields are the personal fields a compliance review exposes
var complianceLogFields = []string{"operator_id", "subject_id", "ip_address", "session_id"}
