// Package middleware provides HTTP middleware for session authentication and rate limiting.
//
// # Authentication
//
// AuthMiddleware resolves the bearer token of each request to an Identity through an
// Authenticator (the session manager in production) and stores it in the request context:
//
//	auth := middleware.NewAuthMiddleware(authenticator, log)
//	router.Use(auth.Handler)
//
// Handlers read the identity with GetIdentity and build the explicit caller context passed
// to the resolver and the compliance recorder with Caller. The caller's stated purpose and
// legal basis come from the X-Access-Purpose and X-Legal-Basis headers.
//
// RequireSystemAdmin guards compliance review routes.
//
// # Rate Limiting
//
// RateLimitMiddleware throttles login and context switches per session owner, or per
// client IP before a session exists. Two Limiter implementations are provided:
//
//	NewRateLimiter            - in-process token bucket
//	NewDistributedRateLimiter - fixed window shared through Redis
//
// Limiter errors fail open.
package middleware
