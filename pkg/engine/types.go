package engine

import (
	"encoding/json"
	"time"
)

// Resource is a single declared infrastructure object whose lifecycle the
// engine manages: a network, a bucket, a key, a cluster, an IAM binding or
// a function.
type Resource struct {
	// ID uniquely addresses the resource in the graph. Resources expanded
	// from a module call are namespaced as "<call>.<name>"; counted
	// resources carry an index suffix, e.g. "cluster.node[2]".
	ID string `json:"id"`

	// Type is the resource type, e.g. "cloud.network" or "cloud.bucket".
	Type string `json:"type"`

	// Name is the cloud-facing name of the resource.
	Name string `json:"name"`

	// Module is the module call this resource was expanded from, if any.
	Module string `json:"module,omitempty"`

	// Config is the desired configuration after interpolation.
	Config json.RawMessage `json:"config"`

	// State is the last known actual state, set after apply or refresh.
	State json.RawMessage `json:"state,omitempty"`

	Status ResourceStatus `json:"status"`

	// Labels organize and select resources.
	Labels map[string]string `json:"labels,omitempty"`

	// Dependencies lists resource IDs that must be reconciled first.
	// Includes both declared edges and edges implied by ${res.*} references.
	Dependencies []string `json:"dependencies,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version supports optimistic locking in the state store.
	Version int64 `json:"version"`
}

// DependencyKind describes how a plan unit relates to one of its edges.
type DependencyKind string

const (
	// DependencyRequire blocks the unit until the target succeeds.
	DependencyRequire DependencyKind = "require"

	// DependencyOrder only sequences execution; the target may fail.
	DependencyOrder DependencyKind = "order"

	// DependencyNotify does not block; it marks the target for
	// re-verification after this unit completes.
	DependencyNotify DependencyKind = "notify"
)

// Dependency is an edge in the execution DAG.
type Dependency struct {
	TargetID string         `json:"target_id"`
	Kind     DependencyKind `json:"kind"`
}

// ChangeAction describes a single field-level change.
type ChangeAction string

const (
	ChangeActionAdd    ChangeAction = "add"
	ChangeActionRemove ChangeAction = "remove"
	ChangeActionModify ChangeAction = "modify"
)

// Change records one field difference between actual and desired state.
type Change struct {
	// Path is a dotted path into the resource config, e.g. ".cidr_range".
	Path   string       `json:"path"`
	Before interface{}  `json:"before,omitempty"`
	After  interface{}  `json:"after,omitempty"`
	Action ChangeAction `json:"action"`

	// ForcesRecreate marks changes to immutable fields.
	ForcesRecreate bool `json:"forces_recreate,omitempty"`
}

// PlanUnit is one schedulable operation against one resource.
type PlanUnit struct {
	ID         string        `json:"id"`
	ResourceID string        `json:"resource_id"`
	Operation  OperationType `json:"operation"`
	Status     UnitStatus    `json:"status"`

	Dependencies []Dependency `json:"dependencies,omitempty"`

	// ResourceDependencies are the IDs of the resources this unit's
	// resource references. They are persisted with the resource so a
	// later destroy plan can rebuild teardown ordering from state.
	ResourceDependencies []string `json:"resource_dependencies,omitempty"`

	DesiredState json.RawMessage `json:"desired_state,omitempty"`
	ActualState  json.RawMessage `json:"actual_state,omitempty"`
	Changes      []Change        `json:"changes,omitempty"`

	// ProviderType selects the provider that executes this unit.
	ProviderType string `json:"provider_type"`

	// Level is the topological level assigned by the DAG builder.
	Level int `json:"level"`

	MaxRetries int           `json:"max_retries"`
	Timeout    time.Duration `json:"timeout"`

	Result *UnitResult `json:"result,omitempty"`
}

// UnitResult is the outcome of executing a plan unit.
type UnitResult struct {
	UnitID      string          `json:"unit_id"`
	Status      UnitStatus      `json:"status"`
	Attempts    int             `json:"attempts"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
	Duration    time.Duration   `json:"duration"`
	NewState    json.RawMessage `json:"new_state,omitempty"`
	Error       *ProvisionError `json:"error,omitempty"`
}

// Plan is a complete, validated execution plan.
type Plan struct {
	ID        string          `json:"id"`
	Workspace string          `json:"workspace"`
	CreatedAt time.Time       `json:"created_at"`
	Units     []PlanUnit      `json:"units"`
	Graph     *ExecutionGraph `json:"graph,omitempty"`
	Summary   PlanSummary     `json:"summary"`

	// Destroy marks a full-teardown plan built in reverse dependency order.
	Destroy bool `json:"destroy,omitempty"`
}

// PlanSummary counts planned operations by kind.
type PlanSummary struct {
	TotalResources int `json:"total_resources"`
	ToCreate       int `json:"to_create"`
	ToUpdate       int `json:"to_update"`
	ToDelete       int `json:"to_delete"`
	ToRecreate     int `json:"to_recreate"`
	NoChange       int `json:"no_change"`
}

// ExecutionGraph is the DAG of plan units grouped into parallel levels.
type ExecutionGraph struct {
	Nodes map[string]*GraphNode `json:"nodes"`
	Edges []GraphEdge           `json:"edges"`
	Roots []string              `json:"roots"`
	Depth int                   `json:"depth"`
}

// GraphNode is one plan unit in the execution graph.
type GraphNode struct {
	ID           string   `json:"id"`
	Level        int      `json:"level"`
	Dependencies []string `json:"dependencies"`
	Dependents   []string `json:"dependents"`
}

// GraphEdge is one dependency edge in the execution graph.
type GraphEdge struct {
	From string         `json:"from"`
	To   string         `json:"to"`
	Kind DependencyKind `json:"kind"`
}

// Run is one execution of a plan.
type Run struct {
	ID          string     `json:"id"`
	PlanID      string     `json:"plan_id"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration"`
	User        string     `json:"user,omitempty"`
	Summary     RunSummary `json:"summary"`
}

// RunSummary counts plan units by terminal status.
type RunSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
}

// Event is a timeline entry recorded while planning or applying.
type Event struct {
	ID         string                 `json:"id"`
	Type       EventType              `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	RunID      string                 `json:"run_id"`
	UnitID     string                 `json:"unit_id,omitempty"`
	ResourceID string                 `json:"resource_id,omitempty"`
	Message    string                 `json:"message"`
	Level      string                 `json:"level"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// DriftReport is the drift detection result for one resource.
type DriftReport struct {
	ResourceID   string          `json:"resource_id"`
	Status       DriftStatus     `json:"status"`
	DetectedAt   time.Time       `json:"detected_at"`
	DesiredState json.RawMessage `json:"desired_state,omitempty"`
	ActualState  json.RawMessage `json:"actual_state,omitempty"`
	Drifts       []Change        `json:"drifts,omitempty"`
}

// Topology is the fully evaluated desired configuration: the output of
// config parsing, module expansion and interpolation.
type Topology struct {
	Workspace string                 `json:"workspace"`
	Source    string                 `json:"source"`
	ParsedAt  time.Time              `json:"parsed_at"`
	Resources []Resource             `json:"resources"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// ResourceByID returns the resource with the given ID, or nil.
func (t *Topology) ResourceByID(id string) *Resource {
	for i := range t.Resources {
		if t.Resources[i].ID == id {
			return &t.Resources[i]
		}
	}
	return nil
}
