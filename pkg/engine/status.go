package engine

import "fmt"

// RunStatus is the overall status of a plan execution run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusPartial means some plan units succeeded and others failed
	// or were skipped.
	RunStatusPartial RunStatus = "partial"
)

// IsTerminal reports whether the run reached a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusPartial
}

// IsActive reports whether the run is pending or running.
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks that the run status is a known value.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled, RunStatusPartial:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// OperationType is the kind of change a plan unit performs on a resource.
type OperationType string

const (
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"

	// OperationRecreate destroys and re-creates a resource whose
	// immutable fields changed (for example a network CIDR).
	OperationRecreate OperationType = "recreate"

	// OperationRead refreshes state without mutating the resource.
	OperationRead OperationType = "read"

	// OperationNoop means the resource already matches desired state.
	OperationNoop OperationType = "noop"
)

// IsDestructive reports whether the operation removes infrastructure.
func (o OperationType) IsDestructive() bool {
	return o == OperationDelete || o == OperationRecreate
}

// IsMutating reports whether the operation changes cloud state.
func (o OperationType) IsMutating() bool {
	return o == OperationCreate || o == OperationUpdate ||
		o == OperationDelete || o == OperationRecreate
}

// Validate checks that the operation type is a known value.
func (o OperationType) Validate() error {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete,
		OperationRecreate, OperationRead, OperationNoop:
		return nil
	default:
		return fmt.Errorf("invalid operation type: %s", o)
	}
}

// ResourceStatus is the lifecycle status of a tracked resource.
type ResourceStatus string

const (
	ResourceStatusUnknown  ResourceStatus = "unknown"
	ResourceStatusPending  ResourceStatus = "pending"
	ResourceStatusCreating ResourceStatus = "creating"
	ResourceStatusReady    ResourceStatus = "ready"
	ResourceStatusUpdating ResourceStatus = "updating"
	ResourceStatusDeleting ResourceStatus = "deleting"
	ResourceStatusDeleted  ResourceStatus = "deleted"
	ResourceStatusError    ResourceStatus = "error"
	ResourceStatusDrifted  ResourceStatus = "drifted"
)

// IsTransitional reports whether the resource is mid-operation.
func (s ResourceStatus) IsTransitional() bool {
	return s == ResourceStatusPending || s == ResourceStatusCreating ||
		s == ResourceStatusUpdating || s == ResourceStatusDeleting
}

// Validate checks that the resource status is a known value.
func (s ResourceStatus) Validate() error {
	switch s {
	case ResourceStatusUnknown, ResourceStatusPending, ResourceStatusCreating,
		ResourceStatusReady, ResourceStatusUpdating, ResourceStatusDeleting,
		ResourceStatusDeleted, ResourceStatusError, ResourceStatusDrifted:
		return nil
	default:
		return fmt.Errorf("invalid resource status: %s", s)
	}
}

// UnitStatus is the execution status of a single plan unit.
type UnitStatus string

const (
	UnitStatusPending   UnitStatus = "pending"
	UnitStatusBlocked   UnitStatus = "blocked"
	UnitStatusRunning   UnitStatus = "running"
	UnitStatusSucceeded UnitStatus = "succeeded"
	UnitStatusFailed    UnitStatus = "failed"
	UnitStatusSkipped   UnitStatus = "skipped"
	UnitStatusCancelled UnitStatus = "cancelled"
)

// IsTerminal reports whether the unit reached a final state.
func (s UnitStatus) IsTerminal() bool {
	return s == UnitStatusSucceeded || s == UnitStatusFailed ||
		s == UnitStatusSkipped || s == UnitStatusCancelled
}

// Validate checks that the unit status is a known value.
func (s UnitStatus) Validate() error {
	switch s {
	case UnitStatusPending, UnitStatusBlocked, UnitStatusRunning,
		UnitStatusSucceeded, UnitStatusFailed, UnitStatusSkipped, UnitStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid unit status: %s", s)
	}
}

// DriftStatus is the result of comparing stored state with refreshed state.
type DriftStatus string

const (
	DriftStatusInSync  DriftStatus = "in_sync"
	DriftStatusDrifted DriftStatus = "drifted"

	// DriftStatusGone means the resource no longer exists in the cloud
	// although state still tracks it.
	DriftStatusGone DriftStatus = "gone"

	DriftStatusUnknown DriftStatus = "unknown"
)

// EventType identifies a timeline event emitted during execution.
type EventType string

const (
	EventTypeRunStarted    EventType = "run_started"
	EventTypeRunCompleted  EventType = "run_completed"
	EventTypeRunFailed     EventType = "run_failed"
	EventTypeRunCancelled  EventType = "run_cancelled"
	EventTypeUnitStarted   EventType = "unit_started"
	EventTypeUnitCompleted EventType = "unit_completed"
	EventTypeUnitFailed    EventType = "unit_failed"
	EventTypeUnitRetried   EventType = "unit_retried"
	EventTypeUnitSkipped   EventType = "unit_skipped"
	EventTypeDriftDetected EventType = "drift_detected"
	EventTypePolicyDenied  EventType = "policy_denied"
	EventTypeWarning       EventType = "warning"
	EventTypeInfo          EventType = "info"
)

// Severity maps the event type to a log level.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypeUnitFailed, EventTypePolicyDenied:
		return "error"
	case EventTypeWarning, EventTypeUnitRetried, EventTypeUnitSkipped, EventTypeDriftDetected:
		return "warning"
	default:
		return "info"
	}
}
