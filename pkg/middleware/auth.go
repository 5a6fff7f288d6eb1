package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/carehub/pkg/contextkeys"
	"github.com/platinummonkey/carehub/pkg/httputil"
	"github.com/platinummonkey/carehub/pkg/principals"
)

// Request headers carrying the caller's stated reason for reading regulated data
const (
	PurposeHeader    = "X-Access-Purpose"
	LegalBasisHeader = "X-Legal-Basis"
)

// Identity is the authenticated session behind a request
type Identity struct {
	SessionID string
	// OwnerID is the principal that logged in
	OwnerID principals.ID
	// EffectiveID is the impersonated principal while impersonating, otherwise OwnerID
	EffectiveID   principals.ID
	IsSystemAdmin bool
	RoleID        principals.ID
	Scope         principals.Scope
	Impersonating bool
}

// Authenticator resolves a bearer token to an Identity. Any error rejects the request.
type Authenticator interface {
	AuthenticateToken(ctx context.Context, token string) (*Identity, error)
}

// AuthMiddleware provides bearer-token session authentication
type AuthMiddleware struct {
	authenticator Authenticator
	log           logrus.FieldLogger
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(authenticator Authenticator, log logrus.FieldLogger) *AuthMiddleware {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &AuthMiddleware{
		authenticator: authenticator,
		log:           log,
	}
}

// Handler wraps an HTTP handler with authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := BearerToken(r)
		if !ok {
			httputil.WriteCodedError(w, http.StatusUnauthorized, httputil.CodeUnauthenticated, "missing or malformed authorization header")
			return
		}

		identity, err := m.authenticator.AuthenticateToken(r.Context(), token)
		if err != nil {
			m.log.WithError(err).WithField("request_id", contextkeys.GetRequestID(r.Context())).
				Debug("session authentication failed")
			httputil.WriteCodedError(w, http.StatusUnauthorized, httputil.CodeSessionExpired, "invalid or expired session")
			return
		}

		ctx := contextkeys.WithIdentity(r.Context(), identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header
func BearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// GetIdentity extracts the identity from the request, or nil
func GetIdentity(r *http.Request) *Identity {
	identity, ok := r.Context().Value(contextkeys.IdentityKey).(*Identity)
	if !ok {
		return nil
	}
	return identity
}

// Caller builds the explicit caller context for r. The operator is the session owner,
// so actions taken while impersonating remain attributed to the administrator.
func Caller(r *http.Request) principals.Caller {
	caller := principals.Caller{
		IPAddress:  ClientIP(r),
		UserAgent:  r.UserAgent(),
		RequestID:  contextkeys.GetRequestID(r.Context()),
		Purpose:    strings.TrimSpace(r.Header.Get(PurposeHeader)),
		LegalBasis: strings.TrimSpace(r.Header.Get(LegalBasisHeader)),
	}
	if identity := GetIdentity(r); identity != nil {
		caller.PrincipalID = identity.OwnerID
		caller.SessionID = identity.SessionID
	}
	return caller
}

// RequireSystemAdmin rejects requests whose session owner is not a system administrator
func RequireSystemAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := GetIdentity(r)
		if identity == nil {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}
		if !identity.IsSystemAdmin {
			httputil.WriteForbidden(w, "system administrator required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the originating client address
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
