package commands

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()

	if s.Workspace != "default" {
		t.Errorf("workspace = %q, want default", s.Workspace)
	}
	if len(s.Sources) != 1 || s.Sources[0] != "." {
		t.Errorf("sources = %v, want [.]", s.Sources)
	}
	if !s.Policy.Enforce {
		t.Error("policy enforcement should default to on")
	}
	if s.Execution.MaxParallel != 4 {
		t.Errorf("max_parallel = %d, want 4", s.Execution.MaxParallel)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadSettingsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "groundwork.yaml")
	content := `workspace: staging
sources:
  - ./infra
database:
  path: /var/lib/groundwork/state.db
policy:
  enforce: false
  paths:
    - ./policies
execution:
  max_parallel: 8
  fail_fast: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}

	if s.Workspace != "staging" {
		t.Errorf("workspace = %q, want staging", s.Workspace)
	}
	if s.Database.Path != "/var/lib/groundwork/state.db" {
		t.Errorf("database path = %q", s.Database.Path)
	}
	if s.Policy.Enforce {
		t.Error("enforce should be off")
	}
	if len(s.Policy.Paths) != 1 || s.Policy.Paths[0] != "./policies" {
		t.Errorf("policy paths = %v", s.Policy.Paths)
	}
	if s.Execution.MaxParallel != 8 || !s.Execution.FailFast {
		t.Errorf("execution = %+v", s.Execution)
	}

	// Unset fields keep their defaults.
	if len(s.Plugins.AllowedCapabilities) == 0 {
		t.Error("allowed capabilities should keep defaults")
	}
}

func TestLoadSettingsMissingExplicitFile(t *testing.T) {
	_, err := LoadSettings(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing explicit settings file")
	}
}

func TestLoadSettingsFallsBackToDefaults(t *testing.T) {
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(cwd)

	s, err := LoadSettings("")
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.Workspace != "default" {
		t.Errorf("workspace = %q, want default", s.Workspace)
	}
}

func TestSettingsValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{"missing workspace", func(s *Settings) { s.Workspace = "" }, "workspace"},
		{"no sources", func(s *Settings) { s.Sources = nil }, "source"},
		{"missing db path", func(s *Settings) { s.Database.Path = "" }, "database"},
		{"negative parallelism", func(s *Settings) { s.Execution.MaxParallel = -1 }, "max_parallel"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := DefaultSettings()
			tc.mutate(s)
			err := s.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadSettingsRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "groundwork.yaml")
	if err := os.WriteFile(path, []byte("workspace: \"\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSettings(path); err == nil {
		t.Fatal("expected error for empty workspace")
	}
}

func TestParseVarFlags(t *testing.T) {
	overrides, err := parseVarFlags([]string{"region=eu-west1", "nodes=5"})
	if err != nil {
		t.Fatalf("parseVarFlags: %v", err)
	}
	if overrides["region"] != "eu-west1" || overrides["nodes"] != "5" {
		t.Errorf("overrides = %v", overrides)
	}

	if _, err := parseVarFlags([]string{"noequals"}); err == nil {
		t.Error("expected error for malformed --var")
	}
	if _, err := parseVarFlags([]string{"=value"}); err == nil {
		t.Error("expected error for empty variable name")
	}
}
