package session

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/carehub/pkg/auth"
	"github.com/platinummonkey/carehub/pkg/middleware"
	"github.com/platinummonkey/carehub/pkg/principals"
)

func newRouter(e *env) *mux.Router {
	handlers := NewHandlers(e.manager, auth.NewHeaderVerifier("", e.principals))

	router := mux.NewRouter()
	handlers.RegisterPublicRoutes(router)

	protected := router.NewRoute().Subrouter()
	protected.Use(middleware.NewAuthMiddleware(e.manager, nil).Handler)
	handlers.RegisterRoutes(protected)
	return router
}

func login(t *testing.T, router *mux.Router, username, body string) (*httptest.ResponseRecorder, startResponse) {
	t.Helper()
	req := httptest.NewRequest("POST", "/sessions", bytes.NewBufferString(body))
	req.Header.Set(auth.DefaultPrincipalHeader, username)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp startResponse
	if rec.Code == http.StatusCreated {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func call(router *mux.Router, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlers_StartWithDefaultProfile(t *testing.T) {
	router := newRouter(newEnv())

	rec, resp := login(t, router, "nurse", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, nurse, resp.Session.PrincipalID)
	assert.Equal(t, principals.EstablishmentScope(10), resp.Session.Scope)
	assert.NotContains(t, rec.Body.String(), "token_hash")
}

func TestHandlers_StartFailures(t *testing.T) {
	router := newRouter(newEnv())

	rec, _ := login(t, router, "nurse", `{"role_id": 2, "scope": {"kind": "company", "id": 1}}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = login(t, router, "mallory", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = login(t, router, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = login(t, router, "loner", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = login(t, router, "gone", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = login(t, router, "nurse", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlers_SessionLifecycle(t *testing.T) {
	router := newRouter(newEnv())

	_, started := login(t, router, "root", "")
	token := started.Token

	rec := call(router, "GET", "/sessions/current", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"authenticated"`)

	rec = call(router, "GET", "/sessions/current/profiles", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":5`)

	rec = call(router, "POST", "/sessions/current/switch", token, `{"impersonate_principal_id": 4, "reason": "support"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = call(router, "GET", "/sessions/current", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"impersonating"`)
	assert.Contains(t, rec.Body.String(), `"effective_id":4`)

	rec = call(router, "POST", "/sessions/current/switch", token, `{"impersonate_principal_id": 2}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"context_unavailable"`)

	rec = call(router, "POST", "/sessions/current/switch", token, `{"scope": {"kind": "bogus"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(router, "GET", "/sessions/current/transitions", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":2`)

	rec = call(router, "DELETE", "/sessions/current", token, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = call(router, "GET", "/sessions/current", token, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"session_expired"`)
}

func TestHandlers_RequireToken(t *testing.T) {
	router := newRouter(newEnv())

	for _, path := range []string{"/sessions/current", "/sessions/current/profiles"} {
		rec := call(router, "GET", path, "", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}
