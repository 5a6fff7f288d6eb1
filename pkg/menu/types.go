package menu

import (
	"errors"

	"github.com/platinummonkey/carehub/pkg/principals"
)

var (
	// ErrCycle is returned when a save would make a node its own ancestor
	ErrCycle = errors.New("menu node cannot be its own ancestor")
	// ErrNotFound is returned when a node or parent does not exist
	ErrNotFound = errors.New("menu node not found")
	// ErrHasChildren is returned when deleting a node that still has children
	ErrHasChildren = errors.New("menu node has children")
)

// Node is a navigation capability. A node without AllowedScopes and RequiredRoleIDs is
// unrestricted.
type Node struct {
	ID              int64              `json:"id"`
	ParentID        *int64             `json:"parent_id,omitempty"`
	Key             string             `json:"key"`
	Label           string             `json:"label"`
	Path            string             `json:"path,omitempty"`
	SortOrder       int                `json:"sort_order"`
	DevOnly         bool               `json:"dev_only,omitempty"`
	AllowedScopes   []principals.Scope `json:"allowed_scopes,omitempty"`
	RequiredRoleIDs []principals.ID    `json:"required_role_ids,omitempty"`
}

// Restricted reports whether the node carries a scope or role restriction
func (n *Node) Restricted() bool {
	return len(n.AllowedScopes) > 0 || len(n.RequiredRoleIDs) > 0
}

// TreeNode is a visible node with its visible children
type TreeNode struct {
	Key      string      `json:"key"`
	Label    string      `json:"label"`
	Path     string      `json:"path,omitempty"`
	Level    int         `json:"level"`
	Children []*TreeNode `json:"children,omitempty"`
}
