package rbac

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/carehub/pkg/httputil"
	"github.com/platinummonkey/carehub/pkg/middleware"
	"github.com/platinummonkey/carehub/pkg/principals"
)

// Handlers provides HTTP handlers for access resolution and role assignments
type Handlers struct {
	resolver *Resolver
	granter  *Granter
}

// NewHandlers creates new RBAC handlers
func NewHandlers(resolver *Resolver, granter *Granter) *Handlers {
	return &Handlers{
		resolver: resolver,
		granter:  granter,
	}
}

// RegisterRoutes registers all RBAC routes. The router must run behind the auth middleware.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/access", h.ListAccessible).Methods("GET")
	router.HandleFunc("/access/{target}", h.CheckAccess).Methods("GET")

	router.HandleFunc("/role-assignments", h.Grant).Methods("POST")
	router.HandleFunc("/role-assignments/{id}", h.Revoke).Methods("DELETE")
}

// ListAccessible returns the accessible set of the effective principal
func (h *Handlers) ListAccessible(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r)
	if identity == nil {
		httputil.WriteErrorMessage(w, http.StatusUnauthorized, "authentication required")
		return
	}

	entries, err := h.resolver.ResolveAccessibleSet(r.Context(), identity.EffectiveID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"principal_id": identity.EffectiveID,
		"entries":      entries,
		"count":        len(entries),
	})
}

// CheckAccess reports whether the effective principal may act upon {target}
func (h *Handlers) CheckAccess(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r)
	if identity == nil {
		httputil.WriteErrorMessage(w, http.StatusUnauthorized, "authentication required")
		return
	}
	target, ok := httputil.ParsePathInt64OrError(w, r, "target")
	if !ok {
		return
	}

	allowed, err := h.resolver.CanAccess(r.Context(), identity.EffectiveID, target)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"principal_id": identity.EffectiveID,
		"target_id":    target,
		"allowed":      allowed,
	})
}

// Grant creates a role assignment
func (h *Handlers) Grant(w http.ResponseWriter, r *http.Request) {
	if middleware.GetIdentity(r) == nil {
		httputil.WriteErrorMessage(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req GrantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequirePositive(w, req.PrincipalID, "principal_id") ||
		!httputil.RequirePositive(w, req.RoleID, "role_id") {
		return
	}

	assignment, err := h.granter.Grant(r.Context(), middleware.Caller(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteCreated(w, assignment)
}

// Revoke soft-deletes a role assignment
func (h *Handlers) Revoke(w http.ResponseWriter, r *http.Request) {
	if middleware.GetIdentity(r) == nil {
		httputil.WriteErrorMessage(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	if err := h.granter.Revoke(r.Context(), middleware.Caller(r), id); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

func writeError(w http.ResponseWriter, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		httputil.WriteDetailedError(w, http.StatusUnprocessableEntity, err, map[string]string{
			"field":  verr.Field,
			"reason": verr.Reason,
		})
	case errors.Is(err, ErrForbidden):
		httputil.WriteError(w, http.StatusForbidden, err)
	case errors.Is(err, principals.ErrNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, principals.ErrConflict):
		httputil.WriteError(w, http.StatusConflict, err)
	default:
		httputil.WriteInternalError(w, err)
	}
}
