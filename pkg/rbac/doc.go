// Package rbac resolves hierarchical access for carehub and manages role assignments.
//
// # Overview
//
// Authorization is a fixed three-level hierarchy (system, company, establishment) with
// numeric role levels from 0 to 100. There is no policy language.
//
// # Access Resolution
//
// Resolver.ResolveAccessibleSet answers "which principals may this requester act upon".
// The first tier that applies decides the whole answer:
//
//	TierFull          - system administrators reach every active principal
//	TierCompany       - company-scoped role of level >= 80 reaches every member of the
//	                    company's establishments plus members bound directly to the company
//	TierEstablishment - establishment-scoped role of level >= 60 reaches the members of
//	                    those establishments
//	baseline          - the requester itself (TierSelf) plus colleagues sharing an
//	                    establishment (TierEstablishment, reason "colleague")
//
// Within a tier the results of every qualifying assignment are unioned, de-duplicated and
// ordered by target id. Unknown or inactive requesters get an empty set.
//
//	entries, err := resolver.ResolveAccessibleSet(ctx, principalID)
//	ok, err := resolver.CanAccess(ctx, principalID, targetID)
//
// Results can be cached with an AccessCache (in-process LRU plus optional Redis). Grants
// and revocations drop the whole cache.
//
// # Role Assignments
//
// A role may be bound at its own context kind or any wider one:
//
//	system role        -> system
//	company role       -> system, company
//	establishment role -> system, company, establishment
//
// ValidateAssignment enforces this. Granter.Grant and Granter.Revoke add authorization:
// system administrators may manage anything; other callers need an active assignment of
// level >= 60 that covers the target scope and is at least as high as the managed role.
// Every change is written to the compliance log through audit.Recorder.
//
// # Errors
//
//	ErrValidation - matched by *ValidationError, mapped to 422
//	ErrForbidden  - caller may not manage the assignment, mapped to 403
package rbac
