package plugin

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Manifest describes a WASM provider plugin: what it is, where its
// module lives, which resource types it reconciles and which host
// capabilities it needs.
type Manifest struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description,omitempty"`

	// Entrypoint is the WASM module path, relative to the manifest.
	Entrypoint string `yaml:"entrypoint"`

	// Checksum is the hex SHA-256 of the WASM module. Optional; when
	// set, the module must match before it may load.
	Checksum string `yaml:"checksum,omitempty"`

	// ResourceTypes lists the types this plugin handles, e.g.
	// "dns.zone". A type may not collide with a builtin cloud.* type.
	ResourceTypes []string `yaml:"resource_types"`

	// Capabilities the plugin requests from the host.
	Capabilities []string `yaml:"capabilities,omitempty"`

	// path is where the manifest was loaded from.
	path string
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	m.path = path

	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if len(m.ResourceTypes) == 0 {
		return fmt.Errorf("at least one resource type is required")
	}
	for _, rt := range m.ResourceTypes {
		if rt == "" {
			return fmt.Errorf("resource type must not be empty")
		}
	}
	return nil
}

// WasmPath resolves the module path relative to the manifest location.
func (m *Manifest) WasmPath() string {
	if filepath.IsAbs(m.Entrypoint) || m.path == "" {
		return m.Entrypoint
	}
	return filepath.Join(filepath.Dir(m.path), m.Entrypoint)
}

// VerifyChecksum checks the module bytes against the declared checksum.
// A manifest without a checksum passes.
func (m *Manifest) VerifyChecksum(wasmModule []byte) error {
	if m.Checksum == "" {
		return nil
	}
	sum := sha256.Sum256(wasmModule)
	computed := hex.EncodeToString(sum[:])
	if computed != m.Checksum {
		return fmt.Errorf("checksum mismatch for %s: manifest has %s, module is %s",
			m.Name, m.Checksum, computed)
	}
	return nil
}

// Key identifies a plugin as name@version.
func (m *Manifest) Key() string {
	return m.Name + "@" + m.Version
}
