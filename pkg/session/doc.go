// Package session tracks which role and scope a principal is currently wearing.
//
// # Lifecycle
//
//	s, token, err := manager.StartSession(ctx, caller, principalID, roleID, scope)
//	s, err = manager.SwitchContext(ctx, caller, s.ID, session.SwitchRequest{Scope: &other})
//	s, err = manager.SwitchContext(ctx, caller, s.ID, session.SwitchRequest{
//		ImpersonatePrincipalID: &targetID,
//		Reason:                 "support ticket 4711",
//	})
//	err = manager.EndSession(ctx, caller, s.ID, audit.ReasonLogout)
//
// Each call writes one audit.ContextTransition in the same transaction as the session
// row. A rejected switch writes nothing and returns ErrUnauthorized.
//
// # Authorization
//
// GetAvailableProfiles is the only source of truth for what a session may wear. System
// administrators may wear any (role, scope) that some principal actively holds and may act
// as any active non-administrator holding one. Everyone else may only wear their own
// assignments.
//
// # Expiry
//
// Sessions expire passively. Nothing sweeps expired rows; every operation checks
// expires_at and treats a stale session as terminated (ErrExpiredSession).
//
// # HTTP
//
//	POST   /sessions                      login through an auth.LoginVerifier
//	GET    /sessions/oidc/login           browser login (code flow verifiers only)
//	GET    /sessions/oidc/callback
//	GET    /sessions/current
//	DELETE /sessions/current              logout
//	POST   /sessions/current/switch
//	GET    /sessions/current/profiles
//	GET    /sessions/current/transitions
package session
