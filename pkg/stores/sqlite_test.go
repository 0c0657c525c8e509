package stores

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/groundworkhq/groundwork/pkg/engine"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "state.db"),
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return store
}

func testResource(id string) *engine.Resource {
	now := time.Now().UTC().Truncate(time.Second)
	return &engine.Resource{
		ID:           id,
		Type:         "cloud.network",
		Name:         id,
		Config:       json.RawMessage(`{"cidr":"10.0.0.0/16"}`),
		Status:       engine.ResourceStatusPending,
		Labels:       map[string]string{"env": "prod"},
		Dependencies: []string{"base"},
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "state.db"),
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}, zerolog.Nop()); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestResourceRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	res := testResource("net")
	if err := store.SaveResource(ctx, res); err != nil {
		t.Fatalf("SaveResource: %v", err)
	}

	got, err := store.GetResource(ctx, "net")
	if err != nil {
		t.Fatalf("GetResource: %v", err)
	}
	if got.Type != "cloud.network" {
		t.Errorf("type = %q", got.Type)
	}
	if got.Labels["env"] != "prod" {
		t.Errorf("labels = %v", got.Labels)
	}
	if len(got.Dependencies) != 1 || got.Dependencies[0] != "base" {
		t.Errorf("dependencies = %v", got.Dependencies)
	}
	if got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}

	var config map[string]interface{}
	if err := json.Unmarshal(got.Config, &config); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if config["cidr"] != "10.0.0.0/16" {
		t.Errorf("config = %v", config)
	}
}

func TestGetResourceNotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetResource(context.Background(), "ghost")
	if err == nil {
		t.Fatal("expected error for untracked resource")
	}
	var perr *engine.ProvisionError
	if !errors.As(err, &perr) || perr.Code != engine.ErrCodeNotFound {
		t.Errorf("error = %v, want NOT_FOUND provision error", err)
	}
}

func TestUpdateResourceState(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.SaveResource(ctx, testResource("net")); err != nil {
		t.Fatalf("SaveResource: %v", err)
	}

	newState := json.RawMessage(`{"self_link":"mem://network/net"}`)
	if err := store.UpdateResourceState(ctx, "net", newState, 1); err != nil {
		t.Fatalf("UpdateResourceState: %v", err)
	}

	got, err := store.GetResource(ctx, "net")
	if err != nil {
		t.Fatalf("GetResource: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("version = %d, want 2 after update", got.Version)
	}
	if got.Status != engine.ResourceStatusReady {
		t.Errorf("status = %s, want ready", got.Status)
	}

	state, err := store.GetResourceState(ctx, "net")
	if err != nil {
		t.Fatalf("GetResourceState: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(state, &decoded); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if decoded["self_link"] != "mem://network/net" {
		t.Errorf("state = %v", decoded)
	}
}

func TestUpdateResourceStateVersionConflict(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.SaveResource(ctx, testResource("net")); err != nil {
		t.Fatalf("SaveResource: %v", err)
	}
	if err := store.UpdateResourceState(ctx, "net", json.RawMessage(`{}`), 1); err != nil {
		t.Fatalf("first update: %v", err)
	}

	// Second writer still holds version 1.
	err := store.UpdateResourceState(ctx, "net", json.RawMessage(`{}`), 1)
	if err == nil {
		t.Fatal("expected version conflict")
	}
	if !engine.IsConflict(err) {
		t.Errorf("error = %v, want conflict class", err)
	}
}

func TestDeleteResource(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.SaveResource(ctx, testResource("net")); err != nil {
		t.Fatalf("SaveResource: %v", err)
	}
	if err := store.DeleteResource(ctx, "net"); err != nil {
		t.Fatalf("DeleteResource: %v", err)
	}
	if _, err := store.GetResource(ctx, "net"); err == nil {
		t.Fatal("resource should be gone")
	}
	if err := store.DeleteResource(ctx, "net"); err == nil {
		t.Fatal("expected error deleting untracked resource")
	}
}

func TestListResources(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"b-net", "a-net"} {
		if err := store.SaveResource(ctx, testResource(id)); err != nil {
			t.Fatalf("SaveResource %s: %v", id, err)
		}
	}

	resources, err := store.ListResources(ctx)
	if err != nil {
		t.Fatalf("ListResources: %v", err)
	}
	if len(resources) != 2 {
		t.Fatalf("len = %d, want 2", len(resources))
	}
	if resources[0].ID != "a-net" || resources[1].ID != "b-net" {
		t.Errorf("order = %s, %s", resources[0].ID, resources[1].ID)
	}
}

func TestPlanRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	plan := &engine.Plan{
		ID:        "plan-1",
		Workspace: "prod",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		Units: []engine.PlanUnit{
			{
				ID:           "u1",
				ResourceID:   "net",
				ProviderType: "cloud.network",
				Operation:    engine.OperationCreate,
				Status:       engine.UnitStatusPending,
				DesiredState: json.RawMessage(`{"cidr":"10.0.0.0/16"}`),
			},
		},
		Summary: engine.PlanSummary{TotalResources: 1, ToCreate: 1},
	}

	if err := store.SavePlan(ctx, plan); err != nil {
		t.Fatalf("SavePlan: %v", err)
	}

	got, err := store.GetPlan(ctx, "plan-1")
	if err != nil {
		t.Fatalf("GetPlan: %v", err)
	}
	if got.Workspace != "prod" {
		t.Errorf("workspace = %q", got.Workspace)
	}
	if len(got.Units) != 1 || got.Units[0].Operation != engine.OperationCreate {
		t.Errorf("units = %+v", got.Units)
	}
	if got.Summary.ToCreate != 1 {
		t.Errorf("summary = %+v", got.Summary)
	}

	if _, err := store.GetPlan(ctx, "missing"); err == nil {
		t.Fatal("expected error for missing plan")
	}
}

func TestRunRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	plan := &engine.Plan{ID: "plan-1", CreatedAt: time.Now().UTC()}
	if err := store.SavePlan(ctx, plan); err != nil {
		t.Fatalf("SavePlan: %v", err)
	}

	started := time.Now().UTC().Truncate(time.Second)
	run := &engine.Run{
		ID:        "run-1",
		PlanID:    "plan-1",
		Status:    engine.RunStatusRunning,
		StartedAt: started,
		User:      "ops",
	}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	completed := started.Add(3 * time.Second)
	run.Status = engine.RunStatusSucceeded
	run.CompletedAt = &completed
	run.Duration = 3 * time.Second
	run.Summary = engine.RunSummary{Total: 2, Succeeded: 2}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun update: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != engine.RunStatusSucceeded {
		t.Errorf("status = %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
	if got.Duration != 3*time.Second {
		t.Errorf("duration = %v", got.Duration)
	}
	if got.Summary.Succeeded != 2 {
		t.Errorf("summary = %+v", got.Summary)
	}
}

func TestEventLog(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i, msg := range []string{"run started", "unit net succeeded", "run completed"} {
		event := &engine.Event{
			ID:        string(rune('a' + i)),
			Type:      engine.EventTypeRunStarted,
			RunID:     "run-1",
			Message:   msg,
			Level:     "info",
			Timestamp: time.Now().UTC(),
		}
		if i == 1 {
			event.Type = engine.EventTypeUnitCompleted
			event.UnitID = "u1"
			event.ResourceID = "net"
			event.Details = map[string]interface{}{"attempt": float64(1)}
		}
		if err := store.AppendEvent(ctx, event); err != nil {
			t.Fatalf("AppendEvent %d: %v", i, err)
		}
	}

	events, err := store.GetEvents(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len = %d, want 3", len(events))
	}
	if events[0].Message != "run started" || events[2].Message != "run completed" {
		t.Errorf("order wrong: %q .. %q", events[0].Message, events[2].Message)
	}
	if events[1].Details["attempt"] != float64(1) {
		t.Errorf("details = %v", events[1].Details)
	}

	other, err := store.GetEvents(ctx, "run-2")
	if err != nil {
		t.Fatalf("GetEvents other: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("unexpected events for other run: %v", other)
	}
}

func TestEventLogPublish(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	publisher := NewEventLog(store, zerolog.Nop())

	event := &engine.Event{
		Type:      engine.EventTypeUnitFailed,
		RunID:     "run-1",
		Message:   "unit net failed",
		Timestamp: time.Now().UTC(),
	}
	if err := publisher.Publish(ctx, event); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if event.ID == "" {
		t.Error("publish should assign an event ID")
	}
	if event.Level != "error" {
		t.Errorf("level = %q, want error from event type", event.Level)
	}

	events, err := store.GetEvents(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 1 || events[0].ID != event.ID {
		t.Errorf("events = %+v", events)
	}
}
