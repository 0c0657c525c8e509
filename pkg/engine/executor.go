package engine

import (
	"context"
	"fmt"
	"time"
)

// DefaultExecutor performs plan unit operations through the provider
// registry and persists the resulting state.
type DefaultExecutor struct {
	providers ProviderRegistry
	state     StateManager
}

// NewExecutor creates an executor.
func NewExecutor(providers ProviderRegistry, state StateManager) *DefaultExecutor {
	return &DefaultExecutor{
		providers: providers,
		state:     state,
	}
}

// ExecuteUnit dispatches a unit to its provider. Create and update
// apply the desired state; recreate destroys first; delete tears the
// resource down and drops it from state.
func (e *DefaultExecutor) ExecuteUnit(ctx context.Context, unit *PlanUnit) (*UnitResult, error) {
	provider, err := e.providers.Get(ctx, unit.ProviderType, "latest")
	if err != nil {
		return nil, NewPermanentError(
			fmt.Sprintf("no provider for resource type %s", unit.ProviderType), err).
			WithCode(ErrCodeNotFound).
			WithResource(unit.ResourceID)
	}

	result := &UnitResult{
		UnitID: unit.ID,
		Status: UnitStatusRunning,
	}

	switch unit.Operation {
	case OperationCreate, OperationUpdate:
		if err := e.apply(ctx, provider, unit, result); err != nil {
			return result, err
		}
	case OperationRecreate:
		if err := e.destroy(ctx, provider, unit); err != nil {
			return result, err
		}
		if err := e.apply(ctx, provider, unit, result); err != nil {
			return result, err
		}
	case OperationDelete:
		if err := e.destroy(ctx, provider, unit); err != nil {
			return result, err
		}
		if err := e.state.DeleteResource(ctx, unit.ResourceID); err != nil {
			return result, fmt.Errorf("drop resource %s from state: %w", unit.ResourceID, err)
		}
	case OperationRead:
		resp, err := provider.Read(ctx, ReadRequest{
			ResourceID: unit.ResourceID,
			Config:     unit.DesiredState,
			State:      unit.ActualState,
		})
		if err != nil {
			return result, err
		}
		result.NewState = resp.State
	case OperationNoop:
		result.NewState = unit.ActualState
	default:
		return result, NewPermanentError(
			fmt.Sprintf("unsupported operation %s", unit.Operation), nil).
			WithCode(ErrCodeValidation).
			WithResource(unit.ResourceID)
	}

	result.Status = UnitStatusSucceeded
	return result, nil
}

func (e *DefaultExecutor) apply(ctx context.Context, provider Provider, unit *PlanUnit, result *UnitResult) error {
	resp, err := provider.Apply(ctx, ApplyRequest{
		ResourceID:     unit.ResourceID,
		Operation:      unit.Operation,
		DesiredState:   unit.DesiredState,
		ActualState:    unit.ActualState,
		PlannedChanges: unit.Changes,
	})
	if err != nil {
		return classifyProviderError(err, unit)
	}
	result.NewState = resp.NewState

	if err := e.persist(ctx, unit, resp); err != nil {
		return err
	}
	return nil
}

func (e *DefaultExecutor) destroy(ctx context.Context, provider Provider, unit *PlanUnit) error {
	resp, err := provider.Destroy(ctx, DestroyRequest{
		ResourceID: unit.ResourceID,
		State:      unit.ActualState,
	})
	if err != nil {
		return classifyProviderError(err, unit)
	}
	if !resp.Destroyed {
		return NewTransientError(
			fmt.Sprintf("resource %s not destroyed yet", unit.ResourceID), nil).
			WithResource(unit.ResourceID).
			WithOperation(string(OperationDelete))
	}
	return nil
}

// persist records the applied state, creating the tracked resource when
// it is new. Dependency IDs are saved alongside: destroy planning reads
// them back out of state to order teardown.
func (e *DefaultExecutor) persist(ctx context.Context, unit *PlanUnit, resp *ApplyResponse) error {
	existing, err := e.state.GetResource(ctx, unit.ResourceID)
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("read resource %s: %w", unit.ResourceID, err)
	}
	if existing == nil {
		now := time.Now()
		resource := &Resource{
			ID:           unit.ResourceID,
			Type:         unit.ProviderType,
			Config:       unit.DesiredState,
			State:        resp.NewState,
			Status:       ResourceStatusReady,
			Dependencies: unit.ResourceDependencies,
			CreatedAt:    now,
			UpdatedAt:    now,
			Version:      1,
		}
		if err := e.state.SaveResource(ctx, resource); err != nil {
			return fmt.Errorf("save resource %s: %w", unit.ResourceID, err)
		}
		return nil
	}

	if !sameDeps(existing.Dependencies, unit.ResourceDependencies) {
		existing.Dependencies = unit.ResourceDependencies
		existing.Config = unit.DesiredState
		existing.UpdatedAt = time.Now()
		if err := e.state.SaveResource(ctx, existing); err != nil {
			return fmt.Errorf("save resource %s: %w", unit.ResourceID, err)
		}
	}

	if err := e.state.UpdateResourceState(ctx, unit.ResourceID, resp.NewState, existing.Version); err != nil {
		return fmt.Errorf("update state for %s: %w", unit.ResourceID, err)
	}
	return nil
}

func sameDeps(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// classifyProviderError wraps unclassified provider failures as
// permanent so the scheduler does not retry them blindly.
func classifyProviderError(err error, unit *PlanUnit) error {
	if err == nil {
		return nil
	}
	if IsRetryable(err) || IsPermanent(err) {
		return err
	}
	return NewPermanentError("provider call failed", err).
		WithCode(ErrCodeProviderFailed).
		WithResource(unit.ResourceID).
		WithOperation(string(unit.Operation))
}
