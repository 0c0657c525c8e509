package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Settings is the engine configuration loaded from groundwork.yaml.
type Settings struct {
	// Workspace names the state namespace.
	Workspace string `yaml:"workspace"`

	// Sources are the CUE files or directories to evaluate.
	Sources []string `yaml:"sources"`

	// DataDir holds the state database and generated artifacts.
	DataDir string `yaml:"data_dir"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Plugins struct {
		Dir string `yaml:"dir"`
		// Capabilities plugins may be granted.
		AllowedCapabilities []string `yaml:"allowed_capabilities"`
	} `yaml:"plugins"`

	Policy struct {
		// Paths are extra .rego files or directories.
		Paths []string `yaml:"paths"`
		// Enforce blocks apply on violations; advisory mode only warns.
		Enforce bool `yaml:"enforce"`
	} `yaml:"policy"`

	Execution struct {
		MaxParallel int  `yaml:"max_parallel"`
		FailFast    bool `yaml:"fail_fast"`
	} `yaml:"execution"`

	Telemetry struct {
		LogLevel  string `yaml:"log_level"`
		LogFormat string `yaml:"log_format"`
		Metrics   bool   `yaml:"metrics"`
		Tracing   bool   `yaml:"tracing"`
	} `yaml:"telemetry"`
}

// DefaultSettings returns the settings used when no file exists.
func DefaultSettings() *Settings {
	s := &Settings{
		Workspace: "default",
		Sources:   []string{"."},
		DataDir:   "./data",
	}
	s.Database.Path = filepath.Join(s.DataDir, "groundwork.db")
	s.Plugins.Dir = filepath.Join(s.DataDir, "plugins")
	s.Plugins.AllowedCapabilities = []string{"net:outbound", "fs:temp"}
	s.Policy.Enforce = true
	s.Execution.MaxParallel = 4
	s.Telemetry.LogLevel = "info"
	s.Telemetry.LogFormat = "console"
	return s
}

// LoadSettings reads the settings file, falling back to defaults when
// no path is given and ./groundwork.yaml does not exist.
func LoadSettings(path string) (*Settings, error) {
	explicit := path != ""
	if path == "" {
		path = "groundwork.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return DefaultSettings(), nil
		}
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}

	settings := DefaultSettings()
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("settings %s: %w", path, err)
	}
	return settings, nil
}

// Validate checks the loaded settings.
func (s *Settings) Validate() error {
	if s.Workspace == "" {
		return fmt.Errorf("workspace is required")
	}
	if len(s.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	if s.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if s.Execution.MaxParallel < 0 {
		return fmt.Errorf("max_parallel must not be negative")
	}
	return nil
}
