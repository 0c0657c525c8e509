package modules

import (
	"strings"
	"testing"
)

func TestRegistry_Sources(t *testing.T) {
	r := NewRegistry()
	sources := r.Sources()
	want := []string{"fn/serverless", "net/vpc", "svc/cluster"}
	if len(sources) != len(want) {
		t.Fatalf("expected %d sources, got %v", len(want), sources)
	}
	for i, s := range want {
		if sources[i] != s {
			t.Errorf("sources[%d] = %q, want %q", i, sources[i], s)
		}
	}
}

func TestRegistry_UnknownSource(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Expand("app", "missing/module", nil); err == nil {
		t.Fatal("expected error for unknown module")
	}
}

func TestVPCModule_Expand(t *testing.T) {
	r := NewRegistry()
	exp, err := r.Expand("main", "net/vpc", map[string]interface{}{
		"name": "prod-net",
		"cidr": "10.0.0.0/16",
	})
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}

	if len(exp.Resources) != 1 {
		t.Fatalf("expected 1 resource, got %d", len(exp.Resources))
	}
	network := exp.Resources[0]
	if network.ID != "main.network" {
		t.Errorf("expected namespaced ID main.network, got %s", network.ID)
	}
	if network.Type != "cloud.network" {
		t.Errorf("unexpected type %s", network.Type)
	}
	if network.Config["cidr"] != "10.0.0.0/16" {
		t.Errorf("unexpected cidr %v", network.Config["cidr"])
	}
	if exp.Outputs["self_link"] != "${res.main.network.self_link}" {
		t.Errorf("unexpected self_link output %q", exp.Outputs["self_link"])
	}
}

func TestVPCModule_RequiresCIDR(t *testing.T) {
	r := NewRegistry()
	_, err := r.Expand("main", "net/vpc", map[string]interface{}{"name": "n"})
	if err == nil || !strings.Contains(err.Error(), "cidr") {
		t.Errorf("expected missing cidr error, got: %v", err)
	}
}

func TestClusterModule_Expand(t *testing.T) {
	r := NewRegistry()
	exp, err := r.Expand("app", "svc/cluster", map[string]interface{}{
		"name":    "vault",
		"network": "${res.main.network.self_link}",
		"nodes":   5,
	})
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}

	if len(exp.Resources) != 4 {
		t.Fatalf("expected 4 resources, got %d", len(exp.Resources))
	}

	byID := make(map[string]Resource)
	for _, res := range exp.Resources {
		byID[res.ID] = res
	}

	key, ok := byID["app.key"]
	if !ok || key.Type != "cloud.kmskey" {
		t.Fatalf("expected app.key kmskey, got %+v", key)
	}
	storage, ok := byID["app.storage"]
	if !ok || storage.Type != "cloud.bucket" {
		t.Fatalf("expected app.storage bucket, got %+v", storage)
	}
	if storage.Config["encryption_key"] != "${res.app.key.self_link}" {
		t.Errorf("bucket should reference the unseal key, got %v", storage.Config["encryption_key"])
	}
	if storage.Config["public"] != false {
		t.Error("backend bucket must not be public")
	}

	cluster, ok := byID["app.nodes"]
	if !ok || cluster.Type != "cloud.cluster" {
		t.Fatalf("expected app.nodes cluster, got %+v", cluster)
	}
	if cluster.Config["nodes"] != 5 {
		t.Errorf("expected 5 nodes, got %v", cluster.Config["nodes"])
	}
	script, _ := cluster.Config["startup_script"].(string)
	if !strings.HasPrefix(script, "#!") {
		t.Errorf("default startup script should carry a shebang, got %q", script)
	}

	binding, ok := byID["app.binding"]
	if !ok || binding.Type != "cloud.iam" {
		t.Fatalf("expected app.binding iam, got %+v", binding)
	}
	if binding.Config["role"] != "roles/storage.objectAdmin" {
		t.Errorf("unexpected role %v", binding.Config["role"])
	}
}

func TestClusterModule_RejectsZeroNodes(t *testing.T) {
	r := NewRegistry()
	_, err := r.Expand("app", "svc/cluster", map[string]interface{}{
		"name":    "vault",
		"network": "net",
		"nodes":   0,
	})
	if err == nil {
		t.Fatal("expected error for zero nodes")
	}
}

func TestServerlessModule_Expand(t *testing.T) {
	r := NewRegistry()
	exp, err := r.Expand("hook", "fn/serverless", map[string]interface{}{
		"name":    "webhook",
		"runtime": "go125",
		"invoker": "group:ops@example.com",
	})
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}

	if len(exp.Resources) != 3 {
		t.Fatalf("expected 3 resources, got %d", len(exp.Resources))
	}

	byID := make(map[string]Resource)
	for _, res := range exp.Resources {
		byID[res.ID] = res
	}
	fn := byID["hook.fn"]
	if fn.Config["source_bucket"] != "${res.hook.source.name}" {
		t.Errorf("function should reference source bucket, got %v", fn.Config["source_bucket"])
	}

	invoker := byID["hook.invoker"]
	members, _ := invoker.Config["members"].([]interface{})
	if len(members) != 1 || members[0] != "group:ops@example.com" {
		t.Errorf("unexpected members %v", members)
	}

	if exp.Outputs["url"] != "${res.hook.fn.self_link}" {
		t.Errorf("unexpected url output %q", exp.Outputs["url"])
	}
}
