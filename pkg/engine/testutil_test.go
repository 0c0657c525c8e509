package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// memState is an in-memory StateManager for tests.
type memState struct {
	mu        sync.Mutex
	resources map[string]*Resource
	plans     map[string]*Plan
	runs      map[string]*Run
	events    []Event
}

func newMemState() *memState {
	return &memState{
		resources: make(map[string]*Resource),
		plans:     make(map[string]*Plan),
		runs:      make(map[string]*Run),
	}
}

func (m *memState) GetResource(ctx context.Context, id string) (*Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[id]
	if !ok {
		return nil, NewPermanentError("resource not found", nil).WithCode(ErrCodeNotFound)
	}
	copied := *r
	return &copied, nil
}

func (m *memState) SaveResource(ctx context.Context, r *Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *r
	m.resources[r.ID] = &copied
	return nil
}

func (m *memState) DeleteResource(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resources, id)
	return nil
}

func (m *memState) ListResources(ctx context.Context) ([]Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Resource, 0, len(m.resources))
	for _, r := range m.resources {
		out = append(out, *r)
	}
	return out, nil
}

func (m *memState) GetResourceState(ctx context.Context, id string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[id]
	if !ok {
		return nil, NewPermanentError("resource not found", nil).WithCode(ErrCodeNotFound)
	}
	return r.State, nil
}

func (m *memState) UpdateResourceState(ctx context.Context, id string, state json.RawMessage, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[id]
	if !ok {
		return NewPermanentError("resource not found", nil).WithCode(ErrCodeNotFound)
	}
	if r.Version != version {
		return NewConflictError("stale resource version", nil)
	}
	r.State = state
	r.Version++
	return nil
}

func (m *memState) SavePlan(ctx context.Context, p *Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[p.ID] = p
	return nil
}

func (m *memState) GetPlan(ctx context.Context, id string) (*Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, NewPermanentError("plan not found", nil).WithCode(ErrCodeNotFound)
	}
	return p, nil
}

func (m *memState) SaveRun(ctx context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *r
	m.runs[r.ID] = &copied
	return nil
}

func (m *memState) GetRun(ctx context.Context, id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, NewPermanentError("run not found", nil).WithCode(ErrCodeNotFound)
	}
	copied := *r
	return &copied, nil
}

func (m *memState) AppendEvent(ctx context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *e)
	return nil
}

func (m *memState) GetEvents(ctx context.Context, runID string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0)
	for _, e := range m.events {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}

// fakeProvider scripts Plan/Apply/Read/Destroy responses.
type fakeProvider struct {
	planFn    func(ctx context.Context, req PlanRequest) (*PlanResponse, error)
	applyFn   func(ctx context.Context, req ApplyRequest) (*ApplyResponse, error)
	readFn    func(ctx context.Context, req ReadRequest) (*ReadResponse, error)
	destroyFn func(ctx context.Context, req DestroyRequest) (*DestroyResponse, error)
}

func (f *fakeProvider) Init(ctx context.Context, config ProviderConfig) error { return nil }

func (f *fakeProvider) Plan(ctx context.Context, req PlanRequest) (*PlanResponse, error) {
	if f.planFn != nil {
		return f.planFn(ctx, req)
	}
	return &PlanResponse{Operation: OperationNoop}, nil
}

func (f *fakeProvider) Apply(ctx context.Context, req ApplyRequest) (*ApplyResponse, error) {
	if f.applyFn != nil {
		return f.applyFn(ctx, req)
	}
	return &ApplyResponse{NewState: req.DesiredState}, nil
}

func (f *fakeProvider) Read(ctx context.Context, req ReadRequest) (*ReadResponse, error) {
	if f.readFn != nil {
		return f.readFn(ctx, req)
	}
	return &ReadResponse{State: req.State, Exists: true}, nil
}

func (f *fakeProvider) Destroy(ctx context.Context, req DestroyRequest) (*DestroyResponse, error) {
	if f.destroyFn != nil {
		return f.destroyFn(ctx, req)
	}
	return &DestroyResponse{Destroyed: true}, nil
}

func (f *fakeProvider) Validate(ctx context.Context, config json.RawMessage) error { return nil }

func (f *fakeProvider) Metadata() ProviderMetadata {
	return ProviderMetadata{Name: "fake", Version: "0.0.0"}
}

// fakeRegistry serves one provider per resource type.
type fakeRegistry struct {
	providers map[string]Provider
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{providers: make(map[string]Provider)}
}

func (r *fakeRegistry) register(resourceType string, p Provider) {
	r.providers[resourceType] = p
}

func (r *fakeRegistry) Get(ctx context.Context, resourceType, version string) (Provider, error) {
	p, ok := r.providers[resourceType]
	if !ok {
		return nil, NewPermanentError(
			fmt.Sprintf("no provider for %s", resourceType), nil).
			WithCode(ErrCodeNotFound)
	}
	return p, nil
}

func (r *fakeRegistry) List(ctx context.Context) ([]ProviderMetadata, error) {
	out := make([]ProviderMetadata, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p.Metadata())
	}
	return out, nil
}

// fakeExecutor scripts unit outcomes for scheduler tests.
type fakeExecutor struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(unit *PlanUnit, attempt int) (*UnitResult, error)
}

func newFakeExecutor(fn func(unit *PlanUnit, attempt int) (*UnitResult, error)) *fakeExecutor {
	return &fakeExecutor{calls: make(map[string]int), fn: fn}
}

func (f *fakeExecutor) ExecuteUnit(ctx context.Context, unit *PlanUnit) (*UnitResult, error) {
	f.mu.Lock()
	f.calls[unit.ResourceID]++
	attempt := f.calls[unit.ResourceID]
	f.mu.Unlock()
	return f.fn(unit, attempt)
}

func (f *fakeExecutor) callCount(resourceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[resourceID]
}

// captureMetrics records MetricsRecorder calls for assertions.
type captureMetrics struct {
	mu         sync.Mutex
	executions []string
	retries    []string
	errors     []string
	drift      []string
}

func (c *captureMetrics) RecordUnitExecution(operation, status, resourceType string, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executions = append(c.executions, operation+"/"+status+"/"+resourceType)
}

func (c *captureMetrics) RecordUnitRetry(class string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries = append(c.retries, class)
}

func (c *captureMetrics) RecordProviderError(resourceType, class string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, resourceType+"/"+class)
}

func (c *captureMetrics) RecordDriftDetection(resourceType, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drift = append(c.drift, resourceType+"/"+status)
}

func (c *captureMetrics) snapshot(kind string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch kind {
	case "executions":
		return append([]string(nil), c.executions...)
	case "retries":
		return append([]string(nil), c.retries...)
	case "errors":
		return append([]string(nil), c.errors...)
	default:
		return append([]string(nil), c.drift...)
	}
}

func succeededResult(unit *PlanUnit) *UnitResult {
	return &UnitResult{
		UnitID:   unit.ID,
		Status:   UnitStatusSucceeded,
		NewState: unit.DesiredState,
	}
}
