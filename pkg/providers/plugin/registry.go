package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/groundworkhq/groundwork/pkg/engine"
)

// Registry holds registered plugins and lazily instantiates their WASM
// runtimes on first use.
type Registry struct {
	mu sync.Mutex

	// manifests and modules are keyed by name@version.
	manifests map[string]*Manifest
	modules   map[string][]byte

	// loaded holds instantiated providers, keyed like manifests.
	loaded map[string]*hostProvider

	// byType maps a resource type to the name of the plugin handling
	// it. Several versions of that plugin may be registered at once.
	byType map[string]string

	// allowed restricts the capabilities plugins may request. Empty
	// means deny everything except an empty request.
	allowed map[string]bool

	cfg HostConfig
	log zerolog.Logger
}

// NewRegistry creates an empty plugin registry.
func NewRegistry(cfg HostConfig, allowedCapabilities []string, logger zerolog.Logger) *Registry {
	allowed := make(map[string]bool, len(allowedCapabilities))
	for _, cap := range allowedCapabilities {
		allowed[cap] = true
	}
	return &Registry{
		manifests: make(map[string]*Manifest),
		modules:   make(map[string][]byte),
		loaded:    make(map[string]*hostProvider),
		byType:    make(map[string]string),
		allowed:   allowed,
		cfg:       cfg,
		log:       logger.With().Str("component", "plugins").Logger(),
	}
}

// Register adds a plugin from its manifest and module bytes. The module
// checksum must match the manifest, and requested capabilities must all
// be allowed.
func (r *Registry) Register(ctx context.Context, manifest *Manifest, wasmModule []byte) error {
	if err := manifest.VerifyChecksum(wasmModule); err != nil {
		return err
	}
	if denied := r.deniedCapabilities(manifest); len(denied) > 0 {
		return engine.NewPermanentError(fmt.Sprintf("plugin %s requests capabilities not allowed here: %s", manifest.Key(), strings.Join(denied, ", ")), nil).
			WithCode(engine.ErrCodePermissionDenied)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := manifest.Key()
	if _, exists := r.manifests[key]; exists {
		return engine.NewPermanentError(fmt.Sprintf("plugin %s already registered", key), nil).
			WithCode(engine.ErrCodeAlreadyExists)
	}
	for _, rt := range manifest.ResourceTypes {
		if strings.HasPrefix(rt, "cloud.") {
			return engine.NewPermanentError(fmt.Sprintf("plugin %s claims builtin resource type %s", key, rt), nil).
				WithCode(engine.ErrCodeValidation)
		}
		if owner, taken := r.byType[rt]; taken && owner != manifest.Name {
			return engine.NewPermanentError(fmt.Sprintf("resource type %s already handled by plugin %s", rt, owner), nil).
				WithCode(engine.ErrCodeConflict)
		}
	}

	r.manifests[key] = manifest
	r.modules[key] = wasmModule
	for _, rt := range manifest.ResourceTypes {
		r.byType[rt] = manifest.Name
	}
	r.log.Info().Str("plugin", key).Strs("types", manifest.ResourceTypes).Msg("plugin registered")
	return nil
}

// RegisterFromPath loads a manifest file and its WASM module.
func (r *Registry) RegisterFromPath(ctx context.Context, manifestPath string) error {
	manifest, err := LoadManifest(manifestPath)
	if err != nil {
		return err
	}
	wasmModule, err := os.ReadFile(manifest.WasmPath())
	if err != nil {
		return fmt.Errorf("read plugin module: %w", err)
	}
	return r.Register(ctx, manifest, wasmModule)
}

// ScanDirectory registers every <dir>/<plugin>/manifest.yaml found.
func (r *Registry) ScanDirectory(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read plugin directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifestPath := filepath.Join(dir, entry.Name(), "manifest.yaml")
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}
		if err := r.RegisterFromPath(ctx, manifestPath); err != nil {
			r.log.Warn().Err(err).Str("manifest", manifestPath).Msg("skipping plugin")
		}
	}
	return nil
}

// Get resolves a resource type to a loaded plugin provider. The
// version constraint may be exact ("1.2.0"), empty or "latest" for
// the newest registered version, a tilde range ("~1.2.0" matches
// 1.2.x) or a caret range ("^1.2.0" matches 1.x.x).
func (r *Registry) Get(ctx context.Context, resourceType, version string) (engine.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, ok := r.byType[resourceType]
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("no plugin handles resource type %q", resourceType), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	key, err := r.resolveVersion(name, version)
	if err != nil {
		return nil, err
	}

	if p, ok := r.loaded[key]; ok {
		return p, nil
	}

	p, err := newHostProvider(ctx, r.manifests[key], r.modules[key], r.cfg, r.log)
	if err != nil {
		return nil, err
	}
	r.loaded[key] = p
	return p, nil
}

// List returns metadata for all registered plugins, loaded or not.
func (r *Registry) List(ctx context.Context) ([]engine.ProviderMetadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.manifests))
	for key := range r.manifests {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	metadata := make([]engine.ProviderMetadata, 0, len(keys))
	for _, key := range keys {
		m := r.manifests[key]
		metadata = append(metadata, engine.ProviderMetadata{
			Name:                 m.Name,
			Version:              m.Version,
			Description:          m.Description,
			ResourceTypes:        m.ResourceTypes,
			RequiredCapabilities: m.Capabilities,
		})
	}
	return metadata, nil
}

// Close shuts down all loaded plugin runtimes.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for key, p := range r.loaded {
		if err := p.Close(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close plugin %s: %w", key, err)
		}
		delete(r.loaded, key)
	}
	return firstErr
}

// resolveVersion maps a version constraint onto a registered
// name@version key. Callers hold r.mu.
func (r *Registry) resolveVersion(name, version string) (string, error) {
	switch {
	case version == "" || version == "latest":
		return r.bestVersion(name, "")
	case strings.HasPrefix(version, "~"):
		parts := strings.Split(version[1:], ".")
		if len(parts) < 2 {
			return "", engine.NewPermanentError(fmt.Sprintf("invalid version constraint %q", version), nil).
				WithCode(engine.ErrCodeValidation)
		}
		return r.bestVersion(name, parts[0]+"."+parts[1]+".")
	case strings.HasPrefix(version, "^"):
		parts := strings.Split(version[1:], ".")
		if parts[0] == "" {
			return "", engine.NewPermanentError(fmt.Sprintf("invalid version constraint %q", version), nil).
				WithCode(engine.ErrCodeValidation)
		}
		return r.bestVersion(name, parts[0]+".")
	default:
		key := name + "@" + version
		if _, ok := r.manifests[key]; !ok {
			return "", engine.NewPermanentError(fmt.Sprintf("plugin %s not registered", key), nil).
				WithCode(engine.ErrCodeNotFound)
		}
		return key, nil
	}
}

// bestVersion picks the highest registered version of name whose
// version string starts with prefix. An empty prefix matches all.
func (r *Registry) bestVersion(name, prefix string) (string, error) {
	var best *Manifest
	for _, m := range r.manifests {
		if m.Name != name || !strings.HasPrefix(m.Version, prefix) {
			continue
		}
		if best == nil || versionLess(best.Version, m.Version) {
			best = m
		}
	}
	if best == nil {
		return "", engine.NewPermanentError(fmt.Sprintf("no registered version of plugin %s matches %s*", name, prefix), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	return best.Key(), nil
}

// versionLess compares dotted versions segment by segment, numerically
// where the segments parse as numbers.
func versionLess(a, b string) bool {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var sa, sb string
		if i < len(as) {
			sa = as[i]
		}
		if i < len(bs) {
			sb = bs[i]
		}
		na, errA := strconv.Atoi(sa)
		nb, errB := strconv.Atoi(sb)
		if errA == nil && errB == nil {
			if na != nb {
				return na < nb
			}
			continue
		}
		if sa != sb {
			return sa < sb
		}
	}
	return false
}

func (r *Registry) deniedCapabilities(manifest *Manifest) []string {
	var denied []string
	for _, cap := range manifest.Capabilities {
		if !r.allowed[cap] {
			denied = append(denied, cap)
		}
	}
	sort.Strings(denied)
	return denied
}
