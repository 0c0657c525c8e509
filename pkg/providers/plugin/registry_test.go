package plugin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/groundworkhq/groundwork/pkg/engine"
)

func testManifest(types ...string) *Manifest {
	return &Manifest{
		Name:          "dnsctl",
		Version:       "1.0.0",
		Entrypoint:    "dnsctl.wasm",
		ResourceTypes: types,
	}
}

func TestRegisterAndList(t *testing.T) {
	r := NewRegistry(DefaultHostConfig(), nil, zerolog.Nop())
	if err := r.Register(context.Background(), testManifest("dns.zone", "dns.record"), []byte("wasm")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	metadata, err := r.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(metadata) != 1 || metadata[0].Name != "dnsctl" {
		t.Fatalf("metadata = %+v", metadata)
	}
	if len(metadata[0].ResourceTypes) != 2 {
		t.Errorf("resource types = %v", metadata[0].ResourceTypes)
	}
}

func TestRegisterRejectsBuiltinTypes(t *testing.T) {
	r := NewRegistry(DefaultHostConfig(), nil, zerolog.Nop())
	err := r.Register(context.Background(), testManifest("cloud.network"), []byte("wasm"))
	if err == nil || !strings.Contains(err.Error(), "builtin") {
		t.Fatalf("expected builtin collision error, got %v", err)
	}
}

func TestRegisterRejectsDuplicateType(t *testing.T) {
	r := NewRegistry(DefaultHostConfig(), nil, zerolog.Nop())
	if err := r.Register(context.Background(), testManifest("dns.zone"), []byte("wasm")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	other := testManifest("dns.zone")
	other.Name = "otherdns"
	err := r.Register(context.Background(), other, []byte("wasm"))
	if err == nil || !strings.Contains(err.Error(), "already handled") {
		t.Fatalf("expected type conflict, got %v", err)
	}
}

func TestRegisterEnforcesChecksum(t *testing.T) {
	r := NewRegistry(DefaultHostConfig(), nil, zerolog.Nop())
	module := []byte("the actual module")

	m := testManifest("dns.zone")
	m.Checksum = "deadbeef"
	if err := r.Register(context.Background(), m, module); err == nil {
		t.Fatal("expected checksum mismatch")
	}

	sum := sha256.Sum256(module)
	m2 := testManifest("dns.zone")
	m2.Checksum = hex.EncodeToString(sum[:])
	if err := r.Register(context.Background(), m2, module); err != nil {
		t.Fatalf("Register with valid checksum: %v", err)
	}
}

func TestRegisterDeniesCapabilities(t *testing.T) {
	r := NewRegistry(DefaultHostConfig(), []string{string(engine.CapabilityFSTemp)}, zerolog.Nop())

	m := testManifest("dns.zone")
	m.Capabilities = []string{string(engine.CapabilityFSTemp), string(engine.CapabilityNetOutbound)}
	err := r.Register(context.Background(), m, []byte("wasm"))
	if err == nil || !strings.Contains(err.Error(), "net:outbound") {
		t.Fatalf("expected capability denial naming net:outbound, got %v", err)
	}

	m2 := testManifest("dns.zone")
	m2.Capabilities = []string{string(engine.CapabilityFSTemp)}
	if err := r.Register(context.Background(), m2, []byte("wasm")); err != nil {
		t.Fatalf("Register with allowed capability: %v", err)
	}
}

func TestResolveVersionConstraints(t *testing.T) {
	r := NewRegistry(DefaultHostConfig(), nil, zerolog.Nop())
	ctx := context.Background()
	for _, v := range []string{"1.2.0", "1.2.10", "1.3.0", "2.0.0"} {
		m := testManifest("dns.zone")
		m.Version = v
		if err := r.Register(ctx, m, []byte("wasm")); err != nil {
			t.Fatalf("Register %s: %v", v, err)
		}
	}

	cases := []struct {
		constraint string
		want       string
	}{
		{"", "dnsctl@2.0.0"},
		{"latest", "dnsctl@2.0.0"},
		{"1.2.10", "dnsctl@1.2.10"},
		{"~1.2.0", "dnsctl@1.2.10"},
		{"^1.2.0", "dnsctl@1.3.0"},
		{"^2.0.0", "dnsctl@2.0.0"},
	}
	for _, tc := range cases {
		key, err := r.resolveVersion("dnsctl", tc.constraint)
		if err != nil {
			t.Errorf("resolve %q: %v", tc.constraint, err)
			continue
		}
		if key != tc.want {
			t.Errorf("resolve %q = %s, want %s", tc.constraint, key, tc.want)
		}
	}

	for _, constraint := range []string{"3.0.0", "~3.0.0", "^3.0.0"} {
		if _, err := r.resolveVersion("dnsctl", constraint); err == nil || !engine.IsPermanent(err) {
			t.Errorf("resolve %q should fail with a permanent error, got %v", constraint, err)
		}
	}
	if _, err := r.resolveVersion("dnsctl", "~1"); err == nil {
		t.Error("tilde constraint without a minor segment should be rejected")
	}
}

func TestGetUnknownType(t *testing.T) {
	r := NewRegistry(DefaultHostConfig(), nil, zerolog.Nop())
	_, err := r.Get(context.Background(), "dns.zone", "latest")
	if err == nil || !engine.IsPermanent(err) {
		t.Fatalf("expected permanent not-found error, got %v", err)
	}
}

func TestLoadManifestFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	content := `name: dnsctl
version: 1.2.0
description: DNS zones and records
entrypoint: dnsctl.wasm
resource_types:
  - dns.zone
capabilities:
  - net:outbound
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if m.Key() != "dnsctl@1.2.0" {
		t.Errorf("key = %s", m.Key())
	}
	if m.WasmPath() != filepath.Join(dir, "dnsctl.wasm") {
		t.Errorf("wasm path = %s", m.WasmPath())
	}
}

func TestLoadManifestMissingFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(path, []byte("name: broken\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadManifest(path); err == nil {
		t.Fatal("expected validation error")
	}
}
