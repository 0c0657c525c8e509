// Package cloudapi provides the control-plane API the builtin providers
// talk to. The in-memory implementation behaves like a small cloud
// backend: objects carry generations for optimistic concurrency, and
// faults can be injected per operation to exercise retry handling.
package cloudapi

import (
	"context"
	"time"
)

// Record is one object tracked by the control plane.
type Record struct {
	// Kind groups records by resource type, e.g. "network" or "bucket".
	Kind string `json:"kind"`

	// Name is unique within a kind.
	Name string `json:"name"`

	// Attrs holds the object's attributes.
	Attrs map[string]interface{} `json:"attrs"`

	// Generation increments on every mutation and guards updates.
	Generation int64 `json:"generation"`

	// SelfLink is the canonical reference to the object.
	SelfLink string `json:"self_link"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Client is the control-plane surface providers depend on.
type Client interface {
	// Create stores a new record. Creating an existing name fails with
	// a conflict.
	Create(ctx context.Context, kind, name string, attrs map[string]interface{}) (*Record, error)

	// Get returns a record or a not-found error.
	Get(ctx context.Context, kind, name string) (*Record, error)

	// Update replaces a record's attributes. The expected generation
	// must match or the call fails with a conflict.
	Update(ctx context.Context, kind, name string, attrs map[string]interface{}, generation int64) (*Record, error)

	// Delete removes a record. Deleting an absent name is not an error.
	Delete(ctx context.Context, kind, name string) error

	// List returns all records of a kind.
	List(ctx context.Context, kind string) ([]Record, error)
}

// Operation names used for fault injection.
const (
	OpCreate = "create"
	OpGet    = "get"
	OpUpdate = "update"
	OpDelete = "delete"
	OpList   = "list"
)
