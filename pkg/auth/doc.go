// Package auth issues session bearer tokens and maps upstream logins to principals.
//
// # Session Tokens
//
// Tokens are opaque and carry no claims. Only the SHA-256 hash is persisted, so a
// leaked sessions table cannot be replayed:
//
//	tg := auth.NewTokenGenerator()
//	token, hash, err := tg.GenerateToken()
//	// token: chs_<base64url(32 random bytes)>, returned to the client once
//	// hash:  hex(sha256(token)), stored in sessions.token_hash
//
// # Login
//
// carehub never sees passwords. A LoginVerifier turns the credential of the login
// request into a principal:
//
//	HeaderVerifier - trusts X-Authenticated-Principal set by a gateway
//	OIDCVerifier   - verifies an OpenID Connect ID token presented as the bearer,
//	                 optionally redeeming an authorization code first
//
// Both map the asserted username through principals.Store. Failures wrap ErrLoginFailed.
// Whether the principal is active is decided by the session manager.
package auth
