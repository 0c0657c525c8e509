package cloudapi

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/groundworkhq/groundwork/pkg/engine"
)

func newTestClient() *MemoryClient {
	return NewMemoryClient(zerolog.Nop())
}

func TestMemoryClient_CreateGetDelete(t *testing.T) {
	client := newTestClient()
	ctx := context.Background()

	created, err := client.Create(ctx, "network", "vpc-main", map[string]interface{}{
		"cidr": "10.0.0.0/16",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.Generation != 1 {
		t.Errorf("expected generation 1, got %d", created.Generation)
	}
	if created.SelfLink != "mem://network/vpc-main" {
		t.Errorf("unexpected self link %q", created.SelfLink)
	}

	got, err := client.Get(ctx, "network", "vpc-main")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Attrs["cidr"] != "10.0.0.0/16" {
		t.Errorf("unexpected attrs: %v", got.Attrs)
	}

	if err := client.Delete(ctx, "network", "vpc-main"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := client.Get(ctx, "network", "vpc-main"); !engine.IsPermanent(err) {
		t.Errorf("expected permanent not-found error, got: %v", err)
	}
}

func TestMemoryClient_CreateDuplicateConflicts(t *testing.T) {
	client := newTestClient()
	ctx := context.Background()

	if _, err := client.Create(ctx, "bucket", "logs", nil); err != nil {
		t.Fatal(err)
	}
	_, err := client.Create(ctx, "bucket", "logs", nil)
	if !engine.IsConflict(err) {
		t.Errorf("expected conflict for duplicate create, got: %v", err)
	}
}

func TestMemoryClient_UpdateGenerationGuard(t *testing.T) {
	client := newTestClient()
	ctx := context.Background()

	created, err := client.Create(ctx, "bucket", "logs", map[string]interface{}{"versioning": false})
	if err != nil {
		t.Fatal(err)
	}

	updated, err := client.Update(ctx, "bucket", "logs",
		map[string]interface{}{"versioning": true}, created.Generation)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Generation != 2 {
		t.Errorf("expected generation 2, got %d", updated.Generation)
	}

	// Stale generation must conflict.
	_, err = client.Update(ctx, "bucket", "logs",
		map[string]interface{}{"versioning": false}, created.Generation)
	if !engine.IsConflict(err) {
		t.Errorf("expected conflict for stale generation, got: %v", err)
	}
}

func TestMemoryClient_InjectedFaultsDrainAndClassify(t *testing.T) {
	client := newTestClient()
	ctx := context.Background()

	client.InjectFault(OpCreate, "network", Fault{Class: FaultThrottle, Remaining: 2})

	for i := 0; i < 2; i++ {
		_, err := client.Create(ctx, "network", "vpc-main", map[string]interface{}{"cidr": "10.0.0.0/16"})
		if !engine.IsThrottled(err) {
			t.Fatalf("call %d: expected throttled error, got: %v", i, err)
		}
	}

	// Fault drained; the call now succeeds.
	if _, err := client.Create(ctx, "network", "vpc-main", map[string]interface{}{"cidr": "10.0.0.0/16"}); err != nil {
		t.Fatalf("expected success after fault drained, got: %v", err)
	}
}

func TestMemoryClient_TransientFault(t *testing.T) {
	client := newTestClient()
	ctx := context.Background()

	client.InjectFault(OpGet, "kmskey", Fault{Class: FaultTransient, Remaining: 1})

	_, err := client.Get(ctx, "kmskey", "main")
	if !engine.IsTransient(err) {
		t.Errorf("expected transient error, got: %v", err)
	}
}

func TestMemoryClient_AttrsAreCopied(t *testing.T) {
	client := newTestClient()
	ctx := context.Background()

	attrs := map[string]interface{}{"cidr": "10.0.0.0/16"}
	if _, err := client.Create(ctx, "network", "vpc-main", attrs); err != nil {
		t.Fatal(err)
	}

	// Mutating the caller's map must not leak into the stored record.
	attrs["cidr"] = "192.168.0.0/24"

	got, err := client.Get(ctx, "network", "vpc-main")
	if err != nil {
		t.Fatal(err)
	}
	if got.Attrs["cidr"] != "10.0.0.0/16" {
		t.Errorf("stored attrs mutated: %v", got.Attrs)
	}
}

func TestMemoryClient_List(t *testing.T) {
	client := newTestClient()
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		if _, err := client.Create(ctx, "bucket", name, nil); err != nil {
			t.Fatal(err)
		}
	}

	records, err := client.List(ctx, "bucket")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 3 {
		t.Errorf("expected 3 records, got %d", len(records))
	}
}
