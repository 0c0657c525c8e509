package engine

import (
	"context"
	"encoding/json"
	"time"
)

// Provider reconciles one family of resource types against the cloud API.
// Builtin providers run in-process; plugin providers run as WASM modules
// behind the same contract.
type Provider interface {
	// Init is called once before the provider handles any request.
	Init(ctx context.Context, config ProviderConfig) error

	// Read fetches the current actual state of a resource.
	Read(ctx context.Context, req ReadRequest) (*ReadResponse, error)

	// Plan computes the operation and field-level changes needed to move
	// the resource from actual to desired state.
	Plan(ctx context.Context, req PlanRequest) (*PlanResponse, error)

	// Apply performs the planned mutation and returns the new state.
	Apply(ctx context.Context, req ApplyRequest) (*ApplyResponse, error)

	// Destroy removes the resource.
	Destroy(ctx context.Context, req DestroyRequest) (*DestroyResponse, error)

	// Validate checks a resource config against the provider's schema.
	Validate(ctx context.Context, config json.RawMessage) error

	// Metadata describes the provider.
	Metadata() ProviderMetadata
}

// ProviderConfig is passed to Provider.Init.
type ProviderConfig struct {
	Name    string          `json:"name"`
	Version string          `json:"version"`
	Config  json.RawMessage `json:"config,omitempty"`

	// Capabilities granted to the provider (plugin providers only).
	Capabilities []string `json:"capabilities,omitempty"`

	Timeout time.Duration `json:"timeout"`
}

// ReadRequest asks for the actual state of one resource.
type ReadRequest struct {
	ResourceID string          `json:"resource_id"`
	Config     json.RawMessage `json:"config"`
	State      json.RawMessage `json:"state,omitempty"`
}

// ReadResponse carries the refreshed state.
type ReadResponse struct {
	State  json.RawMessage `json:"state"`
	Exists bool            `json:"exists"`
}

// PlanRequest asks the provider to diff desired against actual state.
type PlanRequest struct {
	ResourceID   string          `json:"resource_id"`
	DesiredState json.RawMessage `json:"desired_state"`
	ActualState  json.RawMessage `json:"actual_state,omitempty"`
}

// PlanResponse is the provider's diff verdict.
type PlanResponse struct {
	Operation        OperationType `json:"operation"`
	Changes          []Change      `json:"changes"`
	RequiresRecreate bool          `json:"requires_recreate"`
	Warnings         []string      `json:"warnings,omitempty"`
}

// ApplyRequest asks the provider to execute a planned operation.
type ApplyRequest struct {
	ResourceID     string          `json:"resource_id"`
	Operation      OperationType   `json:"operation"`
	DesiredState   json.RawMessage `json:"desired_state"`
	ActualState    json.RawMessage `json:"actual_state,omitempty"`
	PlannedChanges []Change        `json:"planned_changes,omitempty"`
}

// ApplyResponse carries the state after a successful apply.
type ApplyResponse struct {
	NewState json.RawMessage `json:"new_state"`

	// Outputs are attributes resolvable through ${res.<id>.<attr>}
	// references, e.g. the self link of a created network.
	Outputs map[string]interface{} `json:"outputs,omitempty"`
}

// DestroyRequest asks the provider to remove a resource.
type DestroyRequest struct {
	ResourceID string          `json:"resource_id"`
	State      json.RawMessage `json:"state"`
}

// DestroyResponse reports the result of a destroy.
type DestroyResponse struct {
	Destroyed bool `json:"destroyed"`
}

// ProviderMetadata describes a provider.
type ProviderMetadata struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`

	// ResourceTypes lists the resource types this provider handles.
	ResourceTypes []string `json:"resource_types"`

	// RequiredCapabilities apply to plugin providers only.
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
}

// ProviderRegistry resolves resource types to providers.
type ProviderRegistry interface {
	// Get returns the provider for a resource type and version constraint.
	Get(ctx context.Context, resourceType, version string) (Provider, error)

	// List returns metadata for all registered providers.
	List(ctx context.Context) ([]ProviderMetadata, error)
}

// Capability grants that a plugin provider may request.
type Capability string

const (
	CapabilityNetOutbound Capability = "net:outbound"
	CapabilityFSTemp      Capability = "fs:temp"
	CapabilityFSRead      Capability = "fs:read"
	CapabilityEnvRead     Capability = "env:read"
	CapabilitySecretsRead Capability = "secrets:read"
)
