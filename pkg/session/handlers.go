package session

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/carehub/pkg/audit"
	"github.com/platinummonkey/carehub/pkg/auth"
	"github.com/platinummonkey/carehub/pkg/httputil"
	"github.com/platinummonkey/carehub/pkg/middleware"
	"github.com/platinummonkey/carehub/pkg/principals"
)

// CodeExchanger is implemented by login verifiers supporting the authorization code flow
type CodeExchanger interface {
	AuthCodeURL(state string) (string, error)
	ExchangeCode(ctx context.Context, code string) (*principals.Principal, error)
}

// Handlers provides HTTP handlers for the session lifecycle
type Handlers struct {
	manager  *Manager
	verifier auth.LoginVerifier
}

// NewHandlers creates new session handlers
func NewHandlers(manager *Manager, verifier auth.LoginVerifier) *Handlers {
	return &Handlers{
		manager:  manager,
		verifier: verifier,
	}
}

// RegisterPublicRoutes registers the login routes, which run without session authentication
func (h *Handlers) RegisterPublicRoutes(router *mux.Router) {
	router.HandleFunc("/sessions", h.Start).Methods("POST")
	if _, ok := h.verifier.(CodeExchanger); ok {
		router.HandleFunc("/sessions/oidc/login", h.OIDCLogin).Methods("GET")
		router.HandleFunc("/sessions/oidc/callback", h.OIDCCallback).Methods("GET")
	}
}

// RegisterRoutes registers the routes of the current session. The router must run behind
// the auth middleware.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/sessions/current", h.Current).Methods("GET")
	router.HandleFunc("/sessions/current", h.End).Methods("DELETE")
	router.HandleFunc("/sessions/current/switch", h.Switch).Methods("POST")
	router.HandleFunc("/sessions/current/profiles", h.Profiles).Methods("GET")
	router.HandleFunc("/sessions/current/transitions", h.ListTransitions).Methods("GET")
}

// StartRequest selects the context of a new session. Both fields are optional; when
// omitted the highest own profile is used.
type StartRequest struct {
	RoleID *principals.ID    `json:"role_id,omitempty"`
	Scope  *principals.Scope `json:"scope,omitempty"`
}

type startResponse struct {
	Session *Session `json:"session"`
	Token   string   `json:"token"`
}

// Start verifies the upstream login and opens a session
func (h *Handlers) Start(w http.ResponseWriter, r *http.Request) {
	p, err := h.verifier.VerifyLogin(r.Context(), r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req StartRequest
	if r.ContentLength != 0 {
		if !httputil.ParseJSONOrError(w, r, &req) {
			return
		}
	}
	h.start(w, r, p, req)
}

// OIDCLogin redirects the browser to the identity provider
func (h *Handlers) OIDCLogin(w http.ResponseWriter, r *http.Request) {
	exchanger := h.verifier.(CodeExchanger)
	state := httputil.ParseQueryString(r, "state", "")
	url, err := exchanger.AuthCodeURL(state)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

// OIDCCallback redeems the authorization code and opens a session with the default profile
func (h *Handlers) OIDCCallback(w http.ResponseWriter, r *http.Request) {
	exchanger := h.verifier.(CodeExchanger)
	p, err := exchanger.ExchangeCode(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		writeError(w, err)
		return
	}
	h.start(w, r, p, StartRequest{})
}

func (h *Handlers) start(w http.ResponseWriter, r *http.Request, p *principals.Principal, req StartRequest) {
	if req.RoleID == nil || req.Scope == nil {
		profile, err := h.defaultProfile(r.Context(), p.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		if req.RoleID == nil {
			req.RoleID = &profile.Role.ID
		}
		if req.Scope == nil {
			req.Scope = &profile.Scope
		}
	}

	caller := middleware.Caller(r)
	caller.PrincipalID = p.ID
	s, token, err := h.manager.StartSession(r.Context(), caller, p.ID, *req.RoleID, *req.Scope)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteCreated(w, startResponse{Session: s, Token: token})
}

func (h *Handlers) defaultProfile(ctx context.Context, principalID principals.ID) (*Profile, error) {
	profiles, err := h.manager.GetAvailableProfiles(ctx, principalID)
	if err != nil {
		return nil, err
	}
	for i := range profiles {
		if !profiles[i].IsImpersonation {
			return &profiles[i], nil
		}
	}
	return nil, ErrUnauthorized
}

// Current returns the authenticated session
func (h *Handlers) Current(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r)
	if identity == nil {
		httputil.WriteErrorMessage(w, http.StatusUnauthorized, "authentication required")
		return
	}

	s, err := h.manager.Validate(r.Context(), identity.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"session":      s,
		"state":        s.State(h.manager.now()),
		"effective_id": s.EffectivePrincipal(),
	})
}

// Switch changes the role, scope or impersonation target of the current session
func (h *Handlers) Switch(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r)
	if identity == nil {
		httputil.WriteErrorMessage(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req SwitchRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Scope != nil {
		if err := req.Scope.Validate(); err != nil {
			httputil.WriteValidationError(w, err.Error())
			return
		}
	}

	s, err := h.manager.SwitchContext(r.Context(), middleware.Caller(r), identity.SessionID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, s)
}

// End logs out of the current session
func (h *Handlers) End(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r)
	if identity == nil {
		httputil.WriteErrorMessage(w, http.StatusUnauthorized, "authentication required")
		return
	}

	if err := h.manager.EndSession(r.Context(), middleware.Caller(r), identity.SessionID, audit.ReasonLogout); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// Profiles lists the contexts the session owner may switch to
func (h *Handlers) Profiles(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r)
	if identity == nil {
		httputil.WriteErrorMessage(w, http.StatusUnauthorized, "authentication required")
		return
	}

	profiles, err := h.manager.GetAvailableProfiles(r.Context(), identity.OwnerID)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"profiles": profiles,
		"count":    len(profiles),
	})
}

// ListTransitions returns the context history of the current session
func (h *Handlers) ListTransitions(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r)
	if identity == nil {
		httputil.WriteErrorMessage(w, http.StatusUnauthorized, "authentication required")
		return
	}

	transitions, err := h.manager.Transitions(r.Context(), identity.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"transitions": transitions,
		"count":       len(transitions),
	})
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrLoginFailed):
		httputil.WriteUnauthorized(w, err.Error())
	case errors.Is(err, ErrExpiredSession):
		httputil.WriteCodedError(w, http.StatusUnauthorized, httputil.CodeSessionExpired, err.Error())
	case errors.Is(err, ErrUnauthorized):
		httputil.WriteCodedError(w, http.StatusForbidden, httputil.CodeContextUnavailable, err.Error())
	case errors.Is(err, ErrInvalidReason):
		httputil.WriteBadRequest(w, err.Error())
	default:
		httputil.WriteInternalError(w, err)
	}
}
