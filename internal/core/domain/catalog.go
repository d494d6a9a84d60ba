package domain

import "time"

// =============================================================================
// Catalog Entities
// =============================================================================

// Stack is a catalog unit: a named group of container services described by a
// compose manifest, deployed together.
type Stack struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Description      string            `json:"description,omitempty"`
	Version          string            `json:"version"`
	Manifest         string            `json:"manifest"` // Compose YAML source
	DefaultVariables map[string]string `json:"default_variables,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// ProductStackRef is one stack entry of a product, in manifest declaration
// order. OrderIndex is the position stacks are deployed in.
type ProductStackRef struct {
	StackID    string `json:"stack_id"`
	OrderIndex int    `json:"order_index"`
}

// Product is a catalog unit bundling one or more stacks plus shared
// configuration. GroupID is the version-independent identity: distinct
// versions of the same product share a group id.
type Product struct {
	ID              string            `json:"id"`
	GroupID         string            `json:"group_id"`
	Name            string            `json:"name"`
	Description     string            `json:"description,omitempty"`
	Version         string            `json:"version"`
	Stacks          []ProductStackRef `json:"stacks"`
	SharedVariables map[string]string `json:"shared_variables,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// StackRefsInOrder returns the product's stack references sorted by their
// declared order index. The catalog may list them in any order; deployment
// order is always the declared one.
func (p Product) StackRefsInOrder() []ProductStackRef {
	refs := make([]ProductStackRef, len(p.Stacks))
	copy(refs, p.Stacks)
	for i := 1; i < len(refs); i++ {
		for j := i; j > 0 && refs[j-1].OrderIndex > refs[j].OrderIndex; j-- {
			refs[j-1], refs[j] = refs[j], refs[j-1]
		}
	}
	return refs
}
