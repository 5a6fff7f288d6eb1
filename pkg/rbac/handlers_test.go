package rbac

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/carehub/pkg/contextkeys"
	"github.com/platinummonkey/carehub/pkg/middleware"
	"github.com/platinummonkey/carehub/pkg/principals"
)

func newHandlerRouter(env *granterEnv) *mux.Router {
	router := mux.NewRouter()
	NewHandlers(env.resolver, env.granter).RegisterRoutes(router)
	return router
}

func asIdentity(req *http.Request, owner, effective principals.ID) *http.Request {
	identity := &middleware.Identity{SessionID: "sess", OwnerID: owner, EffectiveID: effective}
	return req.WithContext(contextkeys.WithIdentity(req.Context(), identity))
}

func TestHandlers_ListAccessibleUsesEffectivePrincipal(t *testing.T) {
	router := newHandlerRouter(newGranterEnv())

	// root impersonating the nurse sees the nurse's set
	req := asIdentity(httptest.NewRequest("GET", "/access", nil), root, nurse)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		PrincipalID principals.ID `json:"principal_id"`
		Entries     []AccessEntry `json:"entries"`
		Count       int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, nurse, body.PrincipalID)
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, TierSelf, body.Entries[0].Tier)
}

func TestHandlers_RequireIdentity(t *testing.T) {
	router := newHandlerRouter(newGranterEnv())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/access", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlers_CheckAccess(t *testing.T) {
	router := newHandlerRouter(newGranterEnv())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, asIdentity(httptest.NewRequest("GET", "/access/5", nil), nurse, nurse))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"allowed":false`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, asIdentity(httptest.NewRequest("GET", "/access/abc", nil), nurse, nurse))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlers_GrantAndRevoke(t *testing.T) {
	env := newGranterEnv()
	router := newHandlerRouter(env)

	post := func(actor principals.ID, body string) *httptest.ResponseRecorder {
		req := asIdentity(httptest.NewRequest("POST", "/role-assignments", bytes.NewBufferString(body)), actor, actor)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	rec := post(root, `{"principal_id": 9, "role_id": 5, "scope": {"kind": "establishment", "id": 20}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created principals.RoleAssignment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, principals.EstablishmentScope(20), created.Scope)

	rec = post(root, `{"principal_id": 9, "role_id": 2, "scope": {"kind": "establishment", "id": 20}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), `"field":"scope"`)
	assert.Contains(t, rec.Body.String(), `"code":"invalid_assignment"`)

	rec = post(nurse, `{"principal_id": 9, "role_id": 5, "scope": {"kind": "establishment", "id": 10}}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = post(root, `{"principal_id": 9, "role_id": 5, "scope": {"kind": "establishment", "id": 20}}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"conflict"`)

	rec = post(root, `{"principal_id": 0, "role_id": 5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(root, `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	del := func(path string) int {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, asIdentity(httptest.NewRequest("DELETE", path, nil), root, root))
		return rec.Code
	}
	assert.Equal(t, http.StatusNoContent, del("/role-assignments/"+jsonID(created.ID)))
	assert.Equal(t, http.StatusNotFound, del("/role-assignments/"+jsonID(created.ID)))
}

func jsonID(id principals.ID) string {
	b, _ := json.Marshal(id)
	return string(b)
}
