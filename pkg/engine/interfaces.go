package engine

import (
	"context"
	"encoding/json"
	"time"
)

// Evaluator turns configuration sources into a fully interpolated Topology.
type Evaluator interface {
	// Evaluate parses the sources, expands module calls and counts, and
	// resolves variable and resource references.
	Evaluate(ctx context.Context, sources []string) (*Topology, error)

	// Validate checks a topology against resource schemas.
	Validate(ctx context.Context, topo *Topology) error
}

// Planner computes diffs and builds execution plans.
type Planner interface {
	// ComputeDiff compares the desired topology with tracked state.
	ComputeDiff(ctx context.Context, desired *Topology) (*DiffResult, error)

	// BuildPlan turns a diff into a plan with dependency edges.
	BuildPlan(ctx context.Context, desired *Topology, diff *DiffResult) (*Plan, error)

	// BuildDestroyPlan plans a full teardown of tracked state in reverse
	// dependency order.
	BuildDestroyPlan(ctx context.Context) (*Plan, error)

	// ValidatePlan checks a plan for structural correctness.
	ValidatePlan(ctx context.Context, plan *Plan) error
}

// DiffResult is the output of comparing desired and tracked state.
type DiffResult struct {
	Resources []ResourceDiff `json:"resources"`
	Summary   PlanSummary    `json:"summary"`
	Timestamp time.Time      `json:"timestamp"`
}

// ResourceDiff is the diff verdict for one resource.
type ResourceDiff struct {
	ResourceID       string          `json:"resource_id"`
	ResourceType     string          `json:"resource_type"`
	Operation        OperationType   `json:"operation"`
	DesiredState     json.RawMessage `json:"desired_state,omitempty"`
	ActualState      json.RawMessage `json:"actual_state,omitempty"`
	Changes          []Change        `json:"changes,omitempty"`
	RequiresRecreate bool            `json:"requires_recreate"`

	// Dependencies carries the resource's edges into the plan.
	Dependencies []string `json:"dependencies,omitempty"`
}

// Scheduler executes a plan's DAG with bounded parallelism.
type Scheduler interface {
	// Execute runs the plan to completion and returns the finished run.
	Execute(ctx context.Context, plan *Plan, opts ExecuteOptions) (*Run, error)

	// Cancel stops a running execution.
	Cancel(ctx context.Context, runID string) error
}

// Executor performs the provider call for one plan unit and persists
// the resulting state.
type Executor interface {
	ExecuteUnit(ctx context.Context, unit *PlanUnit) (*UnitResult, error)
}

// ExecuteOptions tune one plan execution.
type ExecuteOptions struct {
	// MaxParallel caps concurrent plan units per level.
	MaxParallel int `json:"max_parallel,omitempty"`

	// DryRun rehearses the plan without calling Apply.
	DryRun bool `json:"dry_run,omitempty"`

	// FailFast aborts remaining levels after the first failure.
	FailFast bool `json:"fail_fast,omitempty"`

	User string `json:"user,omitempty"`
}

// StateManager persists resources, plans, runs and events.
type StateManager interface {
	GetResource(ctx context.Context, resourceID string) (*Resource, error)
	SaveResource(ctx context.Context, resource *Resource) error
	DeleteResource(ctx context.Context, resourceID string) error
	ListResources(ctx context.Context) ([]Resource, error)

	GetResourceState(ctx context.Context, resourceID string) (json.RawMessage, error)
	UpdateResourceState(ctx context.Context, resourceID string, state json.RawMessage, version int64) error

	SavePlan(ctx context.Context, plan *Plan) error
	GetPlan(ctx context.Context, planID string) (*Plan, error)

	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)

	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string) ([]Event, error)
}

// DriftDetector compares tracked state against refreshed actual state.
type DriftDetector interface {
	// DetectDrift refreshes one resource and reports drift.
	DetectDrift(ctx context.Context, resourceID string) (*DriftReport, error)

	// DetectAll checks every tracked resource.
	DetectAll(ctx context.Context) ([]DriftReport, error)
}

// PolicyEngine gates topologies and plans.
type PolicyEngine interface {
	EvaluateTopology(ctx context.Context, topo *Topology) (*PolicyResult, error)
	EvaluatePlan(ctx context.Context, plan *Plan) (*PolicyResult, error)
	LoadPolicies(ctx context.Context, paths []string) error
}

// PolicyResult is the outcome of a policy evaluation.
type PolicyResult struct {
	Allowed     bool              `json:"allowed"`
	Violations  []PolicyViolation `json:"violations,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`
	EvaluatedAt time.Time         `json:"evaluated_at"`
}

// PolicyViolation is one failed policy check.
type PolicyViolation struct {
	Policy     string `json:"policy"`
	Message    string `json:"message"`
	Severity   string `json:"severity"`
	ResourceID string `json:"resource_id,omitempty"`
}

// EventPublisher fans out timeline events.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// MetricsRecorder receives execution measurements from the scheduler
// and the drift detector. Implementations must be safe for concurrent
// use.
type MetricsRecorder interface {
	RecordUnitExecution(operation, status, resourceType string, duration time.Duration)
	RecordUnitRetry(class string)
	RecordProviderError(resourceType, class string)
	RecordDriftDetection(resourceType, status string)
}
