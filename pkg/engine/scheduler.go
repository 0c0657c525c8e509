package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxParallel caps concurrent plan units when the caller does
// not set a limit.
const DefaultMaxParallel = 8

// LevelScheduler executes a plan level by level. Units within a level
// share no ordering constraint and run concurrently on a bounded worker
// pool. Failed required dependencies skip their dependents; transient,
// throttled and conflict failures retry with exponential backoff.
type LevelScheduler struct {
	executor Executor
	state    StateManager
	events   EventPublisher
	metrics  MetricsRecorder

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewLevelScheduler creates a scheduler.
func NewLevelScheduler(executor Executor, state StateManager, events EventPublisher) *LevelScheduler {
	return &LevelScheduler{
		executor: executor,
		state:    state,
		events:   events,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// WithMetrics attaches a metrics recorder for per-unit measurements.
func (s *LevelScheduler) WithMetrics(metrics MetricsRecorder) *LevelScheduler {
	s.metrics = metrics
	return s
}

// runState tracks unit outcomes for one execution. Keeping it per run
// lets the scheduler drive several plans concurrently.
type runState struct {
	mu     sync.RWMutex
	status map[string]UnitStatus
}

func newRunState(units []PlanUnit) *runState {
	rs := &runState{status: make(map[string]UnitStatus, len(units))}
	for _, unit := range units {
		rs.status[unit.ID] = UnitStatusPending
	}
	return rs
}

func (rs *runState) set(unitID string, status UnitStatus) {
	rs.mu.Lock()
	rs.status[unitID] = status
	rs.mu.Unlock()
}

func (rs *runState) get(unitID string) UnitStatus {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.status[unitID]
}

// Execute runs the plan to completion and returns the finished run.
func (s *LevelScheduler) Execute(ctx context.Context, plan *Plan, opts ExecuteOptions) (*Run, error) {
	if plan == nil {
		return nil, NewPermanentError("plan is nil", nil).WithCode(ErrCodeValidation)
	}
	if plan.Graph == nil {
		return nil, NewPermanentError("plan has no execution graph", nil).
			WithCode(ErrCodeValidation)
	}

	run := &Run{
		ID:        uuid.New().String(),
		PlanID:    plan.ID,
		Status:    RunStatusRunning,
		StartedAt: time.Now(),
		User:      opts.User,
		Summary: RunSummary{
			Total:   len(plan.Units),
			Pending: len(plan.Units),
		},
	}
	if err := s.state.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("save run: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancels[run.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, run.ID)
		s.mu.Unlock()
	}()

	s.publish(ctx, run.ID, "", "", EventTypeRunStarted, "run started")

	rs := newRunState(plan.Units)
	execErr := s.executeLevels(runCtx, run, plan, rs, opts)

	completedAt := time.Now()
	run.CompletedAt = &completedAt
	run.Duration = completedAt.Sub(run.StartedAt)
	run.Summary = summarize(plan.Units, rs)
	run.Status = finalStatus(runCtx, run.Summary, execErr)

	if err := s.state.SaveRun(ctx, run); err != nil {
		return run, fmt.Errorf("save final run state: %w", err)
	}

	switch run.Status {
	case RunStatusSucceeded:
		s.publish(ctx, run.ID, "", "", EventTypeRunCompleted, "run completed")
	case RunStatusCancelled:
		s.publish(ctx, run.ID, "", "", EventTypeRunCancelled, "run cancelled")
	default:
		s.publish(ctx, run.ID, "", "", EventTypeRunFailed,
			fmt.Sprintf("run finished with status %s", run.Status))
	}

	return run, execErr
}

// Cancel stops a running execution.
func (s *LevelScheduler) Cancel(ctx context.Context, runID string) error {
	s.mu.Lock()
	cancel, active := s.cancels[runID]
	s.mu.Unlock()

	if !active {
		run, err := s.state.GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("get run: %w", err)
		}
		if !run.Status.IsActive() {
			return NewPermanentError("run is not active", nil).
				WithCode(ErrCodeValidation).
				WithOperation("cancel")
		}
		return nil
	}

	cancel()
	return nil
}

// executeLevels walks the graph level by level.
func (s *LevelScheduler) executeLevels(
	ctx context.Context,
	run *Run,
	plan *Plan,
	rs *runState,
	opts ExecuteOptions,
) error {
	unitByID := make(map[string]*PlanUnit, len(plan.Units))
	for i := range plan.Units {
		unitByID[plan.Units[i].ID] = &plan.Units[i]
	}

	var firstErr error
	for level := 0; level < plan.Graph.Depth; level++ {
		select {
		case <-ctx.Done():
			return s.cancelRemaining(plan, rs, ctx.Err())
		default:
		}

		units := unitsAtLevel(plan.Graph, level, unitByID)
		if len(units) == 0 {
			continue
		}

		if err := s.executeLevel(ctx, run, units, rs, opts); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if opts.FailFast {
				s.skipRemaining(plan, rs, level)
				return fmt.Errorf("level %d: %w", level, err)
			}
		}
	}
	return firstErr
}

func unitsAtLevel(graph *ExecutionGraph, level int, unitByID map[string]*PlanUnit) []*PlanUnit {
	units := make([]*PlanUnit, 0)
	for _, node := range graph.Nodes {
		if node.Level != level {
			continue
		}
		if unit, ok := unitByID[node.ID]; ok {
			units = append(units, unit)
		}
	}
	return units
}

// executeLevel runs one level's units on a bounded worker pool.
func (s *LevelScheduler) executeLevel(
	ctx context.Context,
	run *Run,
	units []*PlanUnit,
	rs *runState,
	opts ExecuteOptions,
) error {
	workers := DefaultMaxParallel
	if opts.MaxParallel > 0 {
		workers = opts.MaxParallel
	}
	if len(units) < workers {
		workers = len(units)
	}

	queue := make(chan *PlanUnit, len(units))
	for _, unit := range units {
		queue <- unit
	}
	close(queue)

	errCh := make(chan error, len(units))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for unit := range queue {
				select {
				case <-ctx.Done():
					rs.set(unit.ID, UnitStatusCancelled)
					continue
				default:
				}

				if reason, ok := s.blockedBy(unit, rs); ok {
					s.skipUnit(ctx, run, unit, rs, reason)
					continue
				}
				if err := s.executeUnit(ctx, run, unit, rs, opts); err != nil {
					errCh <- fmt.Errorf("unit %s: %w", unit.ResourceID, err)
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)

	var firstErr error
	for err := range errCh {
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// executeUnit runs one unit with classified retries.
func (s *LevelScheduler) executeUnit(
	ctx context.Context,
	run *Run,
	unit *PlanUnit,
	rs *runState,
	opts ExecuteOptions,
) error {
	rs.set(unit.ID, UnitStatusRunning)
	s.publish(ctx, run.ID, unit.ID, unit.ResourceID, EventTypeUnitStarted,
		fmt.Sprintf("%s %s", unit.Operation, unit.ResourceID))

	started := time.Now()

	var result *UnitResult
	var err error
	attempts := 0
	for attempt := 0; attempt <= unit.MaxRetries; attempt++ {
		attempts = attempt + 1

		execCtx, cancel := context.WithTimeout(ctx, unit.Timeout)
		if opts.DryRun {
			result, err = rehearse(unit), nil
		} else {
			result, err = s.executor.ExecuteUnit(execCtx, unit)
		}
		cancel()

		if err == nil && result != nil && result.Status == UnitStatusSucceeded {
			break
		}
		if err != nil && !IsRetryable(err) {
			break
		}
		if attempt >= unit.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			break
		}

		delay := backoffDelay(attempt, err)
		if s.metrics != nil {
			s.metrics.RecordUnitRetry(string(retryClass(err)))
		}
		s.publish(ctx, run.ID, unit.ID, unit.ResourceID, EventTypeUnitRetried,
			fmt.Sprintf("retrying %s in %s (attempt %d/%d)", unit.ResourceID, delay.Round(time.Millisecond), attempt+2, unit.MaxRetries+1))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			rs.set(unit.ID, UnitStatusCancelled)
			return ctx.Err()
		}
	}

	completed := time.Now()
	if result == nil {
		result = &UnitResult{
			UnitID: unit.ID,
			Status: UnitStatusFailed,
		}
	}
	result.Attempts = attempts
	result.StartedAt = started
	result.CompletedAt = completed
	result.Duration = completed.Sub(started)
	if err != nil {
		result.Status = UnitStatusFailed
		result.Error = asProvisionError(err, unit)
	}
	unit.Result = result
	unit.Status = result.Status
	rs.set(unit.ID, result.Status)

	if s.metrics != nil {
		s.metrics.RecordUnitExecution(string(unit.Operation), string(result.Status), unit.ProviderType, result.Duration)
		if result.Error != nil {
			s.metrics.RecordProviderError(unit.ProviderType, string(result.Error.Class))
		}
	}

	if result.Status == UnitStatusSucceeded {
		s.publish(ctx, run.ID, unit.ID, unit.ResourceID, EventTypeUnitCompleted,
			fmt.Sprintf("%s %s succeeded after %d attempt(s)", unit.Operation, unit.ResourceID, attempts))
		return nil
	}

	s.publish(ctx, run.ID, unit.ID, unit.ResourceID, EventTypeUnitFailed,
		fmt.Sprintf("%s %s failed: %v", unit.Operation, unit.ResourceID, err))
	return err
}

// blockedBy reports whether a dependency outcome prevents the unit from
// running, with the reason.
func (s *LevelScheduler) blockedBy(unit *PlanUnit, rs *runState) (string, bool) {
	for _, dep := range unit.Dependencies {
		status := rs.get(dep.TargetID)
		switch dep.Kind {
		case DependencyRequire:
			if status != UnitStatusSucceeded {
				return fmt.Sprintf("required dependency %s finished as %s", dep.TargetID, status), true
			}
		case DependencyOrder:
			if !status.IsTerminal() {
				return fmt.Sprintf("ordering dependency %s not finished", dep.TargetID), true
			}
		case DependencyNotify:
			// Notifications never gate execution.
		}
	}
	return "", false
}

func (s *LevelScheduler) skipUnit(ctx context.Context, run *Run, unit *PlanUnit, rs *runState, reason string) {
	rs.set(unit.ID, UnitStatusSkipped)
	now := time.Now()
	unit.Status = UnitStatusSkipped
	unit.Result = &UnitResult{
		UnitID:      unit.ID,
		Status:      UnitStatusSkipped,
		StartedAt:   now,
		CompletedAt: now,
		Error: NewPermanentError(reason, nil).
			WithCode(ErrCodeDependencyFailed).
			WithResource(unit.ResourceID),
	}
	s.publish(ctx, run.ID, unit.ID, unit.ResourceID, EventTypeUnitSkipped,
		fmt.Sprintf("skipped %s: %s", unit.ResourceID, reason))
}

// skipRemaining marks pending units past the failed level as skipped.
func (s *LevelScheduler) skipRemaining(plan *Plan, rs *runState, failedLevel int) {
	for i := range plan.Units {
		unit := &plan.Units[i]
		if unit.Level > failedLevel && rs.get(unit.ID) == UnitStatusPending {
			rs.set(unit.ID, UnitStatusSkipped)
			unit.Status = UnitStatusSkipped
		}
	}
}

func (s *LevelScheduler) cancelRemaining(plan *Plan, rs *runState, cause error) error {
	for i := range plan.Units {
		unit := &plan.Units[i]
		switch rs.get(unit.ID) {
		case UnitStatusPending, UnitStatusBlocked:
			rs.set(unit.ID, UnitStatusCancelled)
			unit.Status = UnitStatusCancelled
		}
	}
	return NewPermanentError("execution cancelled", cause).WithCode(ErrCodeCancelled)
}

// backoffDelay computes exponential backoff with class-dependent base
// delay and jitter.
func backoffDelay(attempt int, err error) time.Duration {
	base := time.Second
	switch {
	case IsThrottled(err):
		base = 5 * time.Second
	case IsConflict(err):
		base = 2 * time.Second
	}

	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}

	// Up to 25% jitter keeps retries from synchronizing.
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

// retryClass names the error class driving a retry. Retries only
// happen for retryable classes, so transient is the fallback.
func retryClass(err error) ErrorClass {
	if c, ok := classOf(err); ok {
		return c
	}
	return ErrorClassTransient
}

func asProvisionError(err error, unit *PlanUnit) *ProvisionError {
	if err == nil {
		return nil
	}
	var perr *ProvisionError
	if errors.As(err, &perr) {
		return perr
	}
	return NewPermanentError("execution failed", err).
		WithCode(ErrCodeProviderFailed).
		WithResource(unit.ResourceID).
		WithOperation(string(unit.Operation))
}

// rehearse produces the result a dry run reports for a unit.
func rehearse(unit *PlanUnit) *UnitResult {
	return &UnitResult{
		UnitID:   unit.ID,
		Status:   UnitStatusSucceeded,
		NewState: unit.DesiredState,
	}
}

func summarize(units []PlanUnit, rs *runState) RunSummary {
	summary := RunSummary{Total: len(units)}
	for _, unit := range units {
		switch rs.get(unit.ID) {
		case UnitStatusSucceeded:
			summary.Succeeded++
		case UnitStatusFailed:
			summary.Failed++
		case UnitStatusSkipped, UnitStatusCancelled:
			summary.Skipped++
		case UnitStatusRunning:
			summary.Running++
		default:
			summary.Pending++
		}
	}
	return summary
}

func finalStatus(ctx context.Context, summary RunSummary, execErr error) RunStatus {
	switch {
	case ctx.Err() != nil:
		return RunStatusCancelled
	case summary.Failed == 0 && summary.Skipped == 0 && execErr == nil:
		return RunStatusSucceeded
	case summary.Succeeded > 0:
		return RunStatusPartial
	default:
		return RunStatusFailed
	}
}

func (s *LevelScheduler) publish(ctx context.Context, runID, unitID, resourceID string, eventType EventType, message string) {
	if s.events == nil {
		return
	}
	event := &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now(),
		RunID:      runID,
		UnitID:     unitID,
		ResourceID: resourceID,
		Message:    message,
		Level:      eventType.Severity(),
	}
	// Delivery failures must not affect execution.
	_ = s.events.Publish(ctx, event)
}
