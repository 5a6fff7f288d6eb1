package menu

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/carehub/pkg/principals"
)

// Catalog is the YAML form of the menu:
//
//	nodes:
//	  - key: admin
//	    label: Administration
//	    path: /admin
//	    sort_order: 90
//	    scopes: [system, "company:1"]
//	  - key: admin.roles
//	    parent: admin
//	    label: Role assignments
//	    roles: [1, 2]
type Catalog struct {
	Nodes []CatalogNode `yaml:"nodes"`
}

// CatalogNode is one entry of a Catalog. Parents are referenced by key.
type CatalogNode struct {
	Key       string          `yaml:"key"`
	Parent    string          `yaml:"parent,omitempty"`
	Label     string          `yaml:"label"`
	Path      string          `yaml:"path,omitempty"`
	SortOrder int             `yaml:"sort_order,omitempty"`
	DevOnly   bool            `yaml:"dev_only,omitempty"`
	Scopes    []string        `yaml:"scopes,omitempty"`
	Roles     []principals.ID `yaml:"roles,omitempty"`
}

// ParseCatalog decodes and checks a catalog. Unknown fields, duplicate keys and parent
// cycles inside the catalog are rejected.
func ParseCatalog(r io.Reader) (*Catalog, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var catalog Catalog
	if err := decoder.Decode(&catalog); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse menu catalog: %w", err)
	}

	byKey := make(map[string]*CatalogNode, len(catalog.Nodes))
	for i := range catalog.Nodes {
		n := &catalog.Nodes[i]
		if n.Key == "" {
			return nil, fmt.Errorf("menu catalog entry %d has no key", i)
		}
		if n.Label == "" {
			return nil, fmt.Errorf("menu node %q has no label", n.Key)
		}
		if _, dup := byKey[n.Key]; dup {
			return nil, fmt.Errorf("duplicate menu node key %q", n.Key)
		}
		for _, raw := range n.Scopes {
			if _, err := principals.ParseScope(raw); err != nil {
				return nil, fmt.Errorf("menu node %q: %w", n.Key, err)
			}
		}
		byKey[n.Key] = n
	}

	for _, n := range catalog.Nodes {
		seen := map[string]bool{n.Key: true}
		for parent := n.Parent; parent != ""; {
			if seen[parent] {
				return nil, fmt.Errorf("menu node %q: %w", n.Key, ErrCycle)
			}
			seen[parent] = true
			p, ok := byKey[parent]
			if !ok {
				break
			}
			parent = p.Parent
		}
	}
	return &catalog, nil
}

// LoadCatalog upserts every catalog node into store by key, parents first, and returns
// the number of nodes written. Parents may also refer to nodes already in the store.
func LoadCatalog(ctx context.Context, store Store, r io.Reader) (int, error) {
	catalog, err := ParseCatalog(r)
	if err != nil {
		return 0, err
	}

	byKey := make(map[string]CatalogNode, len(catalog.Nodes))
	for _, n := range catalog.Nodes {
		byKey[n.Key] = n
	}

	saved := make(map[string]int64, len(catalog.Nodes))
	var save func(key string) error
	save = func(key string) error {
		if _, done := saved[key]; done {
			return nil
		}
		entry := byKey[key]

		node := &Node{
			Key:             entry.Key,
			Label:           entry.Label,
			Path:            entry.Path,
			SortOrder:       entry.SortOrder,
			DevOnly:         entry.DevOnly,
			RequiredRoleIDs: entry.Roles,
		}
		for _, raw := range entry.Scopes {
			scope, _ := principals.ParseScope(raw)
			node.AllowedScopes = append(node.AllowedScopes, scope)
		}

		if entry.Parent != "" {
			parentID, err := resolveParent(ctx, store, entry.Parent, byKey, saved, save)
			if err != nil {
				return fmt.Errorf("menu node %q: %w", key, err)
			}
			node.ParentID = &parentID
		}

		existing, err := store.GetNodeByKey(ctx, key)
		switch {
		case err == nil:
			node.ID = existing.ID
		case !errors.Is(err, ErrNotFound):
			return err
		}

		if err := store.SaveNode(ctx, node); err != nil {
			return fmt.Errorf("failed to save menu node %q: %w", key, err)
		}
		saved[key] = node.ID
		return nil
	}

	for _, n := range catalog.Nodes {
		if err := save(n.Key); err != nil {
			return len(saved), err
		}
	}
	return len(saved), nil
}

func resolveParent(ctx context.Context, store Store, parent string, byKey map[string]CatalogNode, saved map[string]int64, save func(string) error) (int64, error) {
	if _, inCatalog := byKey[parent]; inCatalog {
		if err := save(parent); err != nil {
			return 0, err
		}
		return saved[parent], nil
	}
	existing, err := store.GetNodeByKey(ctx, parent)
	if err != nil {
		return 0, fmt.Errorf("parent %q: %w", parent, err)
	}
	return existing.ID, nil
}
