package engine

import (
	"context"
	"encoding/json"
	"testing"
)

func TestDriftDetector_InSync(t *testing.T) {
	state := newMemState()
	ctx := context.Background()
	if err := state.SaveResource(ctx, trackedResource("net.vpc", "cloud.network", `{"cidr":"10.0.0.0/16"}`)); err != nil {
		t.Fatal(err)
	}

	registry := newFakeRegistry()
	registry.register("cloud.network", &fakeProvider{})
	detector := NewDriftDetector(registry, state, nil)

	report, err := detector.DetectDrift(ctx, "net.vpc")
	if err != nil {
		t.Fatalf("DetectDrift failed: %v", err)
	}
	if report.Status != DriftStatusInSync {
		t.Errorf("expected in_sync, got %s", report.Status)
	}
}

func TestDriftDetector_Drifted(t *testing.T) {
	state := newMemState()
	ctx := context.Background()
	if err := state.SaveResource(ctx, trackedResource("net.vpc", "cloud.network", `{"cidr":"10.0.0.0/16","mtu":1460}`)); err != nil {
		t.Fatal(err)
	}

	registry := newFakeRegistry()
	registry.register("cloud.network", &fakeProvider{
		readFn: func(ctx context.Context, req ReadRequest) (*ReadResponse, error) {
			return &ReadResponse{
				State:  json.RawMessage(`{"cidr":"10.0.0.0/16","mtu":1500}`),
				Exists: true,
			}, nil
		},
	})
	detector := NewDriftDetector(registry, state, nil)

	report, err := detector.DetectDrift(ctx, "net.vpc")
	if err != nil {
		t.Fatalf("DetectDrift failed: %v", err)
	}
	if report.Status != DriftStatusDrifted {
		t.Fatalf("expected drifted, got %s", report.Status)
	}
	if len(report.Drifts) != 1 {
		t.Fatalf("expected 1 drifted field, got %d", len(report.Drifts))
	}
	if report.Drifts[0].Path != "mtu" {
		t.Errorf("expected drift on mtu, got %s", report.Drifts[0].Path)
	}

	updated, err := state.GetResource(ctx, "net.vpc")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != ResourceStatusDrifted {
		t.Errorf("expected drifted resource status, got %s", updated.Status)
	}
}

func TestDriftDetector_Gone(t *testing.T) {
	state := newMemState()
	ctx := context.Background()
	if err := state.SaveResource(ctx, trackedResource("bucket.logs", "cloud.bucket", `{"name":"logs"}`)); err != nil {
		t.Fatal(err)
	}

	registry := newFakeRegistry()
	registry.register("cloud.bucket", &fakeProvider{
		readFn: func(ctx context.Context, req ReadRequest) (*ReadResponse, error) {
			return &ReadResponse{Exists: false}, nil
		},
	})
	detector := NewDriftDetector(registry, state, nil)

	report, err := detector.DetectDrift(ctx, "bucket.logs")
	if err != nil {
		t.Fatalf("DetectDrift failed: %v", err)
	}
	if report.Status != DriftStatusGone {
		t.Errorf("expected gone, got %s", report.Status)
	}
}

func TestDriftDetector_UnknownWithoutProvider(t *testing.T) {
	state := newMemState()
	ctx := context.Background()
	if err := state.SaveResource(ctx, trackedResource("kms.main", "cloud.kmskey", `{"rotation_days":90}`)); err != nil {
		t.Fatal(err)
	}
	detector := NewDriftDetector(newFakeRegistry(), state, nil)

	report, err := detector.DetectDrift(ctx, "kms.main")
	if err != nil {
		t.Fatalf("DetectDrift failed: %v", err)
	}
	if report.Status != DriftStatusUnknown {
		t.Errorf("expected unknown, got %s", report.Status)
	}
}

func TestDriftDetector_DetectAll(t *testing.T) {
	state := newMemState()
	ctx := context.Background()
	if err := state.SaveResource(ctx, trackedResource("net.vpc", "cloud.network", `{"cidr":"10.0.0.0/16"}`)); err != nil {
		t.Fatal(err)
	}
	if err := state.SaveResource(ctx, trackedResource("bucket.logs", "cloud.bucket", `{"name":"logs"}`)); err != nil {
		t.Fatal(err)
	}

	registry := newFakeRegistry()
	registry.register("cloud.network", &fakeProvider{})
	registry.register("cloud.bucket", &fakeProvider{})
	detector := NewDriftDetector(registry, state, nil)

	reports, err := detector.DetectAll(ctx)
	if err != nil {
		t.Fatalf("DetectAll failed: %v", err)
	}
	if len(reports) != 2 {
		t.Errorf("expected 2 reports, got %d", len(reports))
	}
}

func TestDriftDetector_RecordsMetrics(t *testing.T) {
	state := newMemState()
	ctx := context.Background()
	if err := state.SaveResource(ctx, trackedResource("net.vpc", "cloud.network", `{"cidr":"10.0.0.0/16"}`)); err != nil {
		t.Fatal(err)
	}
	if err := state.SaveResource(ctx, trackedResource("bucket.logs", "cloud.bucket", `{"name":"logs"}`)); err != nil {
		t.Fatal(err)
	}

	registry := newFakeRegistry()
	registry.register("cloud.network", &fakeProvider{})
	registry.register("cloud.bucket", &fakeProvider{
		readFn: func(ctx context.Context, req ReadRequest) (*ReadResponse, error) {
			return &ReadResponse{Exists: false}, nil
		},
	})
	metrics := &captureMetrics{}
	detector := NewDriftDetector(registry, state, nil).WithMetrics(metrics)

	if _, err := detector.DetectAll(ctx); err != nil {
		t.Fatalf("DetectAll failed: %v", err)
	}

	recorded := metrics.snapshot("drift")
	if len(recorded) != 2 {
		t.Fatalf("recorded %d drift checks, want 2: %v", len(recorded), recorded)
	}
	seen := make(map[string]bool, len(recorded))
	for _, r := range recorded {
		seen[r] = true
	}
	if !seen["cloud.network/in_sync"] {
		t.Errorf("missing in_sync record in %v", recorded)
	}
	if !seen["cloud.bucket/gone"] {
		t.Errorf("missing gone record in %v", recorded)
	}
}

func TestDiffDocuments_NestedPaths(t *testing.T) {
	before := json.RawMessage(`{"labels":{"env":"prod"},"nodes":3}`)
	after := json.RawMessage(`{"labels":{"env":"prod","team":"core"},"nodes":5}`)

	changes := diffDocuments(before, after)
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d: %+v", len(changes), changes)
	}

	byPath := make(map[string]Change)
	for _, c := range changes {
		byPath[c.Path] = c
	}
	if c, ok := byPath["labels.team"]; !ok || c.Action != ChangeActionAdd {
		t.Errorf("expected add on labels.team, got %+v", byPath)
	}
	if c, ok := byPath["nodes"]; !ok || c.Action != ChangeActionModify {
		t.Errorf("expected modify on nodes, got %+v", byPath)
	}
}
