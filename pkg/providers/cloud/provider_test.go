package cloud

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/groundworkhq/groundwork/pkg/cloudapi"
	"github.com/groundworkhq/groundwork/pkg/engine"
)

func testProvider(t *testing.T, construct func(cloudapi.Client, zerolog.Logger) (engine.Provider, error)) (engine.Provider, *cloudapi.MemoryClient) {
	t.Helper()
	client := cloudapi.NewMemoryClient(zerolog.Nop())
	p, err := construct(client, zerolog.Nop())
	if err != nil {
		t.Fatalf("construct provider: %v", err)
	}
	return p, client
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestNetworkCreateLifecycle(t *testing.T) {
	p, _ := testProvider(t, NewNetworkProvider)
	ctx := context.Background()

	desired := mustJSON(t, map[string]interface{}{
		"name": "prod-net",
		"cidr": "10.0.0.0/16",
	})

	plan, err := p.Plan(ctx, engine.PlanRequest{ResourceID: "net", DesiredState: desired})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Operation != engine.OperationCreate {
		t.Errorf("operation = %s, want create", plan.Operation)
	}

	applied, err := p.Apply(ctx, engine.ApplyRequest{
		ResourceID:   "net",
		Operation:    engine.OperationCreate,
		DesiredState: desired,
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if applied.Outputs["self_link"] != "mem://network/prod-net" {
		t.Errorf("self_link = %v", applied.Outputs["self_link"])
	}

	read, err := p.Read(ctx, engine.ReadRequest{ResourceID: "net", Config: desired})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !read.Exists {
		t.Fatal("network should exist after apply")
	}

	var state map[string]interface{}
	if err := json.Unmarshal(read.State, &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state["cidr"] != "10.0.0.0/16" {
		t.Errorf("cidr = %v", state["cidr"])
	}
}

func TestNetworkCIDRChangeForcesRecreate(t *testing.T) {
	p, _ := testProvider(t, NewNetworkProvider)
	ctx := context.Background()

	original := mustJSON(t, map[string]interface{}{"name": "n", "cidr": "10.0.0.0/16"})
	if _, err := p.Apply(ctx, engine.ApplyRequest{ResourceID: "n", Operation: engine.OperationCreate, DesiredState: original}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	read, err := p.Read(ctx, engine.ReadRequest{ResourceID: "n", Config: original})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	changed := mustJSON(t, map[string]interface{}{"name": "n", "cidr": "10.1.0.0/16"})
	plan, err := p.Plan(ctx, engine.PlanRequest{ResourceID: "n", DesiredState: changed, ActualState: read.State})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Operation != engine.OperationRecreate || !plan.RequiresRecreate {
		t.Errorf("operation = %s recreate=%v, want recreate", plan.Operation, plan.RequiresRecreate)
	}
}

func TestNetworkPlanNoopWhenUnchanged(t *testing.T) {
	p, _ := testProvider(t, NewNetworkProvider)
	ctx := context.Background()

	desired := mustJSON(t, map[string]interface{}{"name": "n", "cidr": "10.0.0.0/16", "mtu": 1500})
	if _, err := p.Apply(ctx, engine.ApplyRequest{ResourceID: "n", Operation: engine.OperationCreate, DesiredState: desired}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	read, err := p.Read(ctx, engine.ReadRequest{ResourceID: "n", Config: desired})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	plan, err := p.Plan(ctx, engine.PlanRequest{ResourceID: "n", DesiredState: desired, ActualState: read.State})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Operation != engine.OperationNoop {
		t.Errorf("operation = %s, want noop (changes: %+v)", plan.Operation, plan.Changes)
	}
}

func TestNetworkValidateRejectsBadCIDR(t *testing.T) {
	p, _ := testProvider(t, NewNetworkProvider)
	err := p.Validate(context.Background(), mustJSON(t, map[string]interface{}{
		"name": "n",
		"cidr": "not-a-cidr",
	}))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !engine.IsPermanent(err) {
		t.Errorf("validation error should be permanent: %v", err)
	}
}

func TestBucketMutableUpdate(t *testing.T) {
	p, _ := testProvider(t, NewBucketProvider)
	ctx := context.Background()

	original := mustJSON(t, map[string]interface{}{"name": "data", "versioning": false})
	if _, err := p.Apply(ctx, engine.ApplyRequest{ResourceID: "b", Operation: engine.OperationCreate, DesiredState: original}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	read, err := p.Read(ctx, engine.ReadRequest{ResourceID: "b", Config: original})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	changed := mustJSON(t, map[string]interface{}{"name": "data", "versioning": true})
	plan, err := p.Plan(ctx, engine.PlanRequest{ResourceID: "b", DesiredState: changed, ActualState: read.State})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Operation != engine.OperationUpdate {
		t.Errorf("operation = %s, want update", plan.Operation)
	}
	if len(plan.Changes) != 1 || plan.Changes[0].Path != ".versioning" {
		t.Errorf("changes = %+v", plan.Changes)
	}

	if _, err := p.Apply(ctx, engine.ApplyRequest{ResourceID: "b", Operation: engine.OperationUpdate, DesiredState: changed, ActualState: read.State}); err != nil {
		t.Fatalf("Apply update: %v", err)
	}
	read, err = p.Read(ctx, engine.ReadRequest{ResourceID: "b", Config: changed})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var state map[string]interface{}
	if err := json.Unmarshal(read.State, &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state["versioning"] != true {
		t.Errorf("versioning = %v", state["versioning"])
	}
	if state["generation"] != float64(2) {
		t.Errorf("generation = %v, want 2", state["generation"])
	}
}

func TestClusterStartupScriptRendered(t *testing.T) {
	p, _ := testProvider(t, NewClusterProvider)
	ctx := context.Background()

	desired := mustJSON(t, map[string]interface{}{
		"name":           "vault",
		"network":        "mem://network/prod-net",
		"nodes":          3,
		"backend_bucket": "vault-backend",
		"startup_script": "#!/bin/bash\necho {{.name}} uses {{.backend_bucket}}\n",
	})

	applied, err := p.Apply(ctx, engine.ApplyRequest{ResourceID: "c", Operation: engine.OperationCreate, DesiredState: desired})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	var state map[string]interface{}
	if err := json.Unmarshal(applied.NewState, &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	rendered, _ := state["startup_script_rendered"].(string)
	if !strings.Contains(rendered, "echo vault uses vault-backend") {
		t.Errorf("rendered script = %q", rendered)
	}
	if state["startup_script"] != "#!/bin/bash\necho {{.name}} uses {{.backend_bucket}}\n" {
		t.Errorf("raw template should be preserved, got %q", state["startup_script"])
	}
}

func TestClusterApplyAllocatesNodeAddresses(t *testing.T) {
	p, _ := testProvider(t, NewClusterProvider)
	ctx := context.Background()

	applied, err := p.Apply(ctx, engine.ApplyRequest{
		ResourceID: "c",
		Operation:  engine.OperationCreate,
		DesiredState: mustJSON(t, map[string]interface{}{
			"name":    "vault",
			"network": "mem://network/prod-net",
			"nodes":   3,
		}),
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	var state map[string]interface{}
	if err := json.Unmarshal(applied.NewState, &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	addrs, ok := state["node_addresses"].([]interface{})
	if !ok {
		t.Fatalf("node_addresses missing from state: %v", state)
	}
	if len(addrs) != 3 {
		t.Fatalf("allocated %d addresses, want 3", len(addrs))
	}
	if addrs[0] != "10.128.0.10" {
		t.Errorf("first node address = %v", addrs[0])
	}
}

func TestClusterScriptWithoutShebangFails(t *testing.T) {
	p, _ := testProvider(t, NewClusterProvider)
	_, err := p.Apply(context.Background(), engine.ApplyRequest{
		ResourceID: "c",
		Operation:  engine.OperationCreate,
		DesiredState: mustJSON(t, map[string]interface{}{
			"name":           "c",
			"network":        "net",
			"startup_script": "echo no shebang",
		}),
	})
	if err == nil || !engine.IsPermanent(err) {
		t.Fatalf("expected permanent render error, got %v", err)
	}
}

func TestIAMValidateMembers(t *testing.T) {
	p, _ := testProvider(t, NewIAMProvider)
	ctx := context.Background()

	valid := mustJSON(t, map[string]interface{}{
		"target":  "mem://bucket/data",
		"role":    "roles/storage.objectAdmin",
		"members": []string{"serviceAccount:vault@local"},
	})
	if err := p.Validate(ctx, valid); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	invalid := mustJSON(t, map[string]interface{}{
		"target":  "mem://bucket/data",
		"role":    "not-a-role",
		"members": []string{"serviceAccount:vault@local"},
	})
	if err := p.Validate(ctx, invalid); err == nil {
		t.Fatal("expected role pattern violation")
	}

	empty := mustJSON(t, map[string]interface{}{
		"target":  "mem://bucket/data",
		"role":    "roles/storage.objectAdmin",
		"members": []string{},
	})
	if err := p.Validate(ctx, empty); err == nil {
		t.Fatal("expected minItems violation")
	}
}

func TestFunctionApplySetsURL(t *testing.T) {
	p, _ := testProvider(t, NewFunctionProvider)
	applied, err := p.Apply(context.Background(), engine.ApplyRequest{
		ResourceID: "fn",
		Operation:  engine.OperationCreate,
		DesiredState: mustJSON(t, map[string]interface{}{
			"name":    "hook",
			"runtime": "go122",
		}),
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	var state map[string]interface{}
	if err := json.Unmarshal(applied.NewState, &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state["url"] != "https://functions.local/hook" {
		t.Errorf("url = %v", state["url"])
	}
}

func TestDestroyThenReadGone(t *testing.T) {
	p, _ := testProvider(t, NewBucketProvider)
	ctx := context.Background()

	desired := mustJSON(t, map[string]interface{}{"name": "tmp"})
	applied, err := p.Apply(ctx, engine.ApplyRequest{ResourceID: "b", Operation: engine.OperationCreate, DesiredState: desired})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	resp, err := p.Destroy(ctx, engine.DestroyRequest{ResourceID: "b", State: applied.NewState})
	if err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if !resp.Destroyed {
		t.Error("expected destroyed")
	}

	read, err := p.Read(ctx, engine.ReadRequest{ResourceID: "b", Config: desired})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if read.Exists {
		t.Error("bucket should be gone after destroy")
	}
}

func TestFaultInjectionSurfacesClassifiedErrors(t *testing.T) {
	p, client := testProvider(t, NewBucketProvider)
	ctx := context.Background()

	client.InjectFault(cloudapi.OpCreate, "bucket", cloudapi.Fault{
		Class:     cloudapi.FaultThrottle,
		Remaining: 1,
	})

	desired := mustJSON(t, map[string]interface{}{"name": "flaky"})
	_, err := p.Apply(ctx, engine.ApplyRequest{ResourceID: "b", Operation: engine.OperationCreate, DesiredState: desired})
	if err == nil {
		t.Fatal("expected throttle error")
	}
	if !engine.IsThrottled(err) {
		t.Errorf("error should classify as throttled: %v", err)
	}

	// Charge consumed, retry succeeds.
	if _, err := p.Apply(ctx, engine.ApplyRequest{ResourceID: "b", Operation: engine.OperationCreate, DesiredState: desired}); err != nil {
		t.Fatalf("Apply after fault drained: %v", err)
	}
}

func TestBuiltinCoversAllTypes(t *testing.T) {
	client := cloudapi.NewMemoryClient(zerolog.Nop())
	providers, err := Builtin(client, zerolog.Nop())
	if err != nil {
		t.Fatalf("Builtin: %v", err)
	}
	for _, rt := range []string{"cloud.network", "cloud.bucket", "cloud.kmskey", "cloud.cluster", "cloud.iam", "cloud.function"} {
		p, ok := providers[rt]
		if !ok {
			t.Errorf("missing provider for %s", rt)
			continue
		}
		meta := p.Metadata()
		if len(meta.ResourceTypes) != 1 || meta.ResourceTypes[0] != rt {
			t.Errorf("%s metadata types = %v", rt, meta.ResourceTypes)
		}
	}
}
