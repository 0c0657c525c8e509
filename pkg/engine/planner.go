package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Default per-unit execution budget; providers that need longer declare
// it through their metadata.
const (
	defaultUnitTimeout = 5 * time.Minute
	defaultMaxRetries  = 3
)

// DefaultPlanner implements Planner. It diffs the desired topology
// against tracked state, turns the diff into plan units with dependency
// edges, and wires the execution graph. Resources present in state but
// absent from the topology become delete units.
type DefaultPlanner struct {
	providers ProviderRegistry
	state     StateManager
}

// NewPlanner creates a planner backed by a provider registry and a
// state manager.
func NewPlanner(providers ProviderRegistry, state StateManager) *DefaultPlanner {
	return &DefaultPlanner{
		providers: providers,
		state:     state,
	}
}

// ComputeDiff compares every desired resource with its tracked state
// and appends delete diffs for orphaned resources.
func (p *DefaultPlanner) ComputeDiff(ctx context.Context, desired *Topology) (*DiffResult, error) {
	if desired == nil {
		return nil, NewPermanentError("desired topology is nil", nil).
			WithCode(ErrCodeValidation)
	}

	result := &DiffResult{
		Resources: make([]ResourceDiff, 0, len(desired.Resources)),
		Summary: PlanSummary{
			TotalResources: len(desired.Resources),
		},
		Timestamp: time.Now(),
	}

	for i := range desired.Resources {
		diff, err := p.diffResource(ctx, &desired.Resources[i])
		if err != nil {
			return nil, fmt.Errorf("compute diff for resource %s: %w", desired.Resources[i].ID, err)
		}
		result.Resources = append(result.Resources, *diff)
	}

	orphans, err := p.diffOrphans(ctx, desired)
	if err != nil {
		return nil, err
	}
	result.Resources = append(result.Resources, orphans...)
	result.Summary.TotalResources += len(orphans)

	for _, diff := range result.Resources {
		switch diff.Operation {
		case OperationCreate:
			result.Summary.ToCreate++
		case OperationUpdate:
			result.Summary.ToUpdate++
		case OperationDelete:
			result.Summary.ToDelete++
		case OperationRecreate:
			result.Summary.ToRecreate++
		case OperationNoop:
			result.Summary.NoChange++
		}
	}

	return result, nil
}

// diffResource diffs one desired resource against tracked state.
func (p *DefaultPlanner) diffResource(ctx context.Context, resource *Resource) (*ResourceDiff, error) {
	diff := &ResourceDiff{
		ResourceID:   resource.ID,
		ResourceType: resource.Type,
		DesiredState: resource.Config,
		Dependencies: resource.Dependencies,
		Changes:      make([]Change, 0),
	}

	actual, err := p.state.GetResourceState(ctx, resource.ID)
	switch {
	case IsNotFound(err):
		// Not tracked yet.
		diff.Operation = OperationCreate
		diff.Changes = append(diff.Changes, Change{
			Path:   ".",
			After:  resource.Config,
			Action: ChangeActionAdd,
		})
		return diff, nil
	case err != nil:
		return nil, fmt.Errorf("read tracked state for %s: %w", resource.ID, err)
	}
	diff.ActualState = actual

	provider, err := p.providers.Get(ctx, resource.Type, "latest")
	if err != nil {
		// No provider for the type; fall back to a whole-document compare.
		if jsonEqual(resource.Config, actual) {
			diff.Operation = OperationNoop
			return diff, nil
		}
		diff.Operation = OperationUpdate
		diff.Changes = append(diff.Changes, Change{
			Path:   ".",
			Before: actual,
			After:  resource.Config,
			Action: ChangeActionModify,
		})
		return diff, nil
	}

	resp, err := provider.Plan(ctx, PlanRequest{
		ResourceID:   resource.ID,
		DesiredState: resource.Config,
		ActualState:  actual,
	})
	if err != nil {
		return nil, fmt.Errorf("provider plan: %w", err)
	}

	diff.Operation = resp.Operation
	diff.Changes = resp.Changes
	diff.RequiresRecreate = resp.RequiresRecreate
	if resp.RequiresRecreate {
		diff.Operation = OperationRecreate
	}
	return diff, nil
}

// diffOrphans finds tracked resources the topology no longer declares.
func (p *DefaultPlanner) diffOrphans(ctx context.Context, desired *Topology) ([]ResourceDiff, error) {
	tracked, err := p.state.ListResources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tracked resources: %w", err)
	}

	declared := make(map[string]struct{}, len(desired.Resources))
	for _, r := range desired.Resources {
		declared[r.ID] = struct{}{}
	}

	orphans := make([]ResourceDiff, 0)
	for _, r := range tracked {
		if _, ok := declared[r.ID]; ok {
			continue
		}
		orphans = append(orphans, ResourceDiff{
			ResourceID:   r.ID,
			ResourceType: r.Type,
			Operation:    OperationDelete,
			ActualState:  r.State,
			Dependencies: r.Dependencies,
			Changes: []Change{{
				Path:   ".",
				Before: r.State,
				Action: ChangeActionRemove,
			}},
		})
	}
	return orphans, nil
}

// jsonEqual compares two JSON documents structurally.
func jsonEqual(a, b json.RawMessage) bool {
	var av, bv interface{}
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

// BuildPlan turns a diff into an executable plan. Create and update
// units wait on the units of the resources they reference; delete units
// run in reverse dependency order so dependents go first.
func (p *DefaultPlanner) BuildPlan(ctx context.Context, desired *Topology, diff *DiffResult) (*Plan, error) {
	if diff == nil {
		return nil, NewPermanentError("diff result is nil", nil).
			WithCode(ErrCodeValidation)
	}

	plan := &Plan{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
		Units:     make([]PlanUnit, 0, len(diff.Resources)),
		Summary:   diff.Summary,
	}
	if desired != nil {
		plan.Workspace = desired.Workspace
	}

	for _, rd := range diff.Resources {
		if rd.Operation == OperationNoop {
			continue
		}
		plan.Units = append(plan.Units, PlanUnit{
			ID:                   uuid.New().String(),
			ResourceID:           rd.ResourceID,
			Operation:            rd.Operation,
			Status:               UnitStatusPending,
			DesiredState:         rd.DesiredState,
			ActualState:          rd.ActualState,
			Changes:              rd.Changes,
			ResourceDependencies: rd.Dependencies,
			ProviderType:         rd.ResourceType,
			Timeout:              defaultUnitTimeout,
			MaxRetries:           defaultMaxRetries,
		})
	}

	p.wireDependencies(plan, diff)

	graph, err := p.buildGraph(plan)
	if err != nil {
		return nil, err
	}
	plan.Graph = graph

	return plan, nil
}

// wireDependencies converts resource-level edges into unit edges.
//
// For mutating units the direction follows the resource edge: a cluster
// referencing a network waits for the network's unit. Delete units
// invert it: the network's delete waits for the cluster's delete.
func (p *DefaultPlanner) wireDependencies(plan *Plan, diff *DiffResult) {
	unitByResource := make(map[string]*PlanUnit, len(plan.Units))
	for i := range plan.Units {
		unitByResource[plan.Units[i].ResourceID] = &plan.Units[i]
	}

	depsByResource := make(map[string][]string, len(diff.Resources))
	for _, rd := range diff.Resources {
		depsByResource[rd.ResourceID] = rd.Dependencies
	}

	for i := range plan.Units {
		unit := &plan.Units[i]
		for _, depResource := range depsByResource[unit.ResourceID] {
			target, ok := unitByResource[depResource]
			if !ok {
				continue
			}
			if unit.Operation == OperationDelete && target.Operation == OperationDelete {
				// Reverse order on teardown.
				target.Dependencies = append(target.Dependencies, Dependency{
					TargetID: unit.ID,
					Kind:     DependencyRequire,
				})
				continue
			}
			unit.Dependencies = append(unit.Dependencies, Dependency{
				TargetID: target.ID,
				Kind:     DependencyRequire,
			})
		}
	}
}

// BuildDestroyPlan plans the teardown of everything in tracked state.
func (p *DefaultPlanner) BuildDestroyPlan(ctx context.Context) (*Plan, error) {
	tracked, err := p.state.ListResources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tracked resources: %w", err)
	}

	diff := &DiffResult{
		Resources: make([]ResourceDiff, 0, len(tracked)),
		Summary: PlanSummary{
			TotalResources: len(tracked),
			ToDelete:       len(tracked),
		},
		Timestamp: time.Now(),
	}
	for _, r := range tracked {
		diff.Resources = append(diff.Resources, ResourceDiff{
			ResourceID:   r.ID,
			ResourceType: r.Type,
			Operation:    OperationDelete,
			ActualState:  r.State,
			Dependencies: r.Dependencies,
			Changes: []Change{{
				Path:   ".",
				Before: r.State,
				Action: ChangeActionRemove,
			}},
		})
	}

	plan, err := p.BuildPlan(ctx, nil, diff)
	if err != nil {
		return nil, err
	}
	plan.Destroy = true
	return plan, nil
}

// buildGraph constructs and validates the plan's execution graph.
func (p *DefaultPlanner) buildGraph(plan *Plan) (*ExecutionGraph, error) {
	builder := NewGraphBuilder()
	graph, err := builder.Build(plan.Units)
	if err != nil {
		return nil, fmt.Errorf("build execution graph: %w", err)
	}
	if err := builder.Validate(graph); err != nil {
		return nil, fmt.Errorf("validate execution graph: %w", err)
	}

	for i := range plan.Units {
		if node, ok := graph.Nodes[plan.Units[i].ID]; ok {
			plan.Units[i].Level = node.Level
		}
	}
	return graph, nil
}

// ValidatePlan checks a plan for structural correctness.
func (p *DefaultPlanner) ValidatePlan(ctx context.Context, plan *Plan) error {
	if plan == nil {
		return NewPermanentError("plan is nil", nil).
			WithCode(ErrCodeValidation)
	}
	if len(plan.Units) == 0 {
		return NewPermanentError("plan has no units", nil).
			WithCode(ErrCodeValidation)
	}

	for i := range plan.Units {
		if err := validatePlanUnit(&plan.Units[i]); err != nil {
			return fmt.Errorf("invalid plan unit %s: %w", plan.Units[i].ID, err)
		}
	}

	if plan.Graph != nil {
		builder := NewGraphBuilder()
		if _, err := builder.Build(plan.Units); err != nil {
			return fmt.Errorf("graph validation: %w", err)
		}
	}
	return nil
}

func validatePlanUnit(unit *PlanUnit) error {
	if unit.ID == "" {
		return NewPermanentError("plan unit has empty ID", nil).
			WithCode(ErrCodeValidation)
	}
	if unit.ResourceID == "" {
		return NewPermanentError("plan unit has empty resource ID", nil).
			WithCode(ErrCodeValidation)
	}
	if err := unit.Operation.Validate(); err != nil {
		return err
	}
	if err := unit.Status.Validate(); err != nil {
		return err
	}
	if unit.Timeout <= 0 {
		return NewPermanentError("plan unit has invalid timeout", nil).
			WithCode(ErrCodeValidation).
			WithResource(unit.ResourceID)
	}
	if unit.MaxRetries < 0 {
		return NewPermanentError("plan unit has negative max retries", nil).
			WithCode(ErrCodeValidation).
			WithResource(unit.ResourceID)
	}
	return nil
}
