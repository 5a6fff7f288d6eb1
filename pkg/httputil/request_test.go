package httputil

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		expectError bool
	}{
		{
			name:        "valid JSON",
			body:        `{"name": "test"}`,
			expectError: false,
		},
		{
			name:        "invalid JSON",
			body:        `{invalid}`,
			expectError: true,
		},
		{
			name:        "empty body",
			body:        "",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/test", bytes.NewBufferString(tt.body))
			var dest map[string]string

			err := ParseJSON(req, &dest)

			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, "test", dest["name"])
			}
		})
	}
}

func TestParseJSONOrError(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		maxBytes   int64
		expectOK   bool
		expectCode int
	}{
		{
			name:     "valid JSON",
			body:     `{"name": "test"}`,
			expectOK: true,
		},
		{
			name:       "invalid JSON",
			body:       `{invalid}`,
			expectOK:   false,
			expectCode: http.StatusBadRequest,
		},
		{
			name:       "body over limit",
			body:       `{"name": "` + strings.Repeat("x", 64) + `"}`,
			maxBytes:   16,
			expectOK:   false,
			expectCode: http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest("POST", "/test", bytes.NewBufferString(tt.body))
			if tt.maxBytes > 0 {
				req.Body = http.MaxBytesReader(w, req.Body, tt.maxBytes)
			}
			var dest map[string]string

			ok := ParseJSONOrError(w, req, &dest)

			assert.Equal(t, tt.expectOK, ok)
			if !tt.expectOK {
				assert.Equal(t, tt.expectCode, w.Code)
			}
		})
	}
}

func TestParsePathInt64(t *testing.T) {
	tests := []struct {
		name        string
		pathValue   string
		expectValue int64
		expectError bool
	}{
		{
			name:        "valid id",
			pathValue:   "9007199254740993",
			expectValue: 9007199254740993,
		},
		{
			name:        "not a number",
			pathValue:   "abc",
			expectError: true,
		},
		{
			name:        "missing",
			pathValue:   "",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/role-assignments/"+tt.pathValue, nil)
			req = mux.SetURLVars(req, map[string]string{"id": tt.pathValue})

			val, err := ParsePathInt64(req, "id")

			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.expectValue, val)
			}
		})
	}
}

func TestParsePathInt64OrError_Invalid(t *testing.T) {
	w := httptest.NewRecorder()
	req := mux.SetURLVars(httptest.NewRequest("GET", "/access/x", nil), map[string]string{"target": "x"})

	_, ok := ParsePathInt64OrError(w, req, "target")

	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid integer for target")
}

func TestParseQueryString(t *testing.T) {
	req := httptest.NewRequest("GET", "/sessions/oidc/login?state=abc", nil)
	assert.Equal(t, "abc", ParseQueryString(req, "state", "default"))
	assert.Equal(t, "default", ParseQueryString(req, "missing", "default"))
}

func TestRequirePositive(t *testing.T) {
	w := httptest.NewRecorder()
	assert.True(t, RequirePositive(w, 1, "role_id"))

	w = httptest.NewRecorder()
	assert.False(t, RequirePositive(w, 0, "role_id"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "role_id must be positive")
}

func BenchmarkParseJSON(b *testing.B) {
	body := []byte(`{"role_id": 5, "scope": {"kind": "establishment", "id": 10}}`)
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest("POST", "/sessions/current/switch", bytes.NewReader(body))
		var dest map[string]interface{}
		_ = ParseJSON(req, &dest)
	}
}
