// Package menu projects the navigation capabilities visible to a principal.
//
// Nodes form a tree through ParentID. A node may be restricted to a list of scopes, a
// list of roles, or both; either match makes it visible. Unrestricted nodes are visible to
// every active principal and system administrators see everything except dev-only nodes.
//
//	projector := menu.NewProjector(menu.NewSQLStore(db), principalStore)
//	tree, err := projector.GetVisibleMenu(ctx, principalID)
//
// The catalog is usually seeded from YAML:
//
//	n, err := menu.LoadCatalog(ctx, store, file)
//
// SaveNode refuses to make a node its own ancestor (ErrCycle).
package menu
