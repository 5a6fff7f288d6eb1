package menu

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/carehub/pkg/contextkeys"
	"github.com/platinummonkey/carehub/pkg/middleware"
)

func TestHandlers_GetMenuUsesEffectivePrincipal(t *testing.T) {
	router := mux.NewRouter()
	NewHandlers(NewProjector(newMenu(t), newPrincipals())).RegisterRoutes(router)

	// root impersonating the beta nurse gets the nurse's menu
	req := httptest.NewRequest("GET", "/menu", nil)
	identity := &middleware.Identity{SessionID: "s", OwnerID: root, EffectiveID: betaNurse, IsSystemAdmin: true, Impersonating: true}
	req = req.WithContext(contextkeys.WithIdentity(req.Context(), identity))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Menu []*TreeNode `json:"menu"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"dashboard"}, flatten(body.Menu))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/menu", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
