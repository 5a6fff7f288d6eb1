package menu

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/carehub/pkg/httputil"
	"github.com/platinummonkey/carehub/pkg/middleware"
)

// Handlers provides HTTP handlers for the navigation menu
type Handlers struct {
	projector *Projector
}

// NewHandlers creates new menu handlers
func NewHandlers(projector *Projector) *Handlers {
	return &Handlers{projector: projector}
}

// RegisterRoutes registers menu routes. The router must run behind the auth middleware.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/menu", h.GetMenu).Methods("GET")
}

// GetMenu returns the menu visible to the effective principal
func (h *Handlers) GetMenu(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r)
	if identity == nil {
		httputil.WriteErrorMessage(w, http.StatusUnauthorized, "authentication required")
		return
	}

	tree, err := h.projector.GetVisibleMenu(r.Context(), identity.EffectiveID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"principal_id": identity.EffectiveID,
		"menu":         tree,
	})
}
