// Package api assembles the carehub HTTP surface.
//
// # Routes
//
// Login runs without a session:
//
//	POST   /sessions                       start a session for the upstream-verified principal
//	GET    /sessions/oidc/login            OIDC redirect, when the verifier supports it
//	GET    /sessions/oidc/callback
//
// Everything else needs "Authorization: Bearer <token>":
//
//	GET    /sessions/current
//	DELETE /sessions/current               logout
//	POST   /sessions/current/switch        change role, scope or impersonation target
//	GET    /sessions/current/profiles
//	GET    /sessions/current/transitions
//	GET    /access                         accessible set of the effective principal
//	GET    /access/{target}
//	POST   /role-assignments
//	DELETE /role-assignments/{id}
//	GET    /menu
//
// The compliance review routes under /compliance additionally require the session owner
// to be a system administrator.
//
// # Usage
//
//	server := api.NewServer(api.Services{
//		Sessions:  manager,
//		Verifier:  verifier,
//		Resolver:  resolver,
//		Granter:   granter,
//		Projector: projector,
//	})
//	http.ListenAndServe(":8080", server.Handler())
//	http.ListenAndServe(":9090", server.HealthHandler())
//
// Login and context switches are rate limited separately when LoginLimiter and
// SwitchLimiter are set.
package api
