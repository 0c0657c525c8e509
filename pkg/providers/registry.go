// Package providers resolves resource types to the providers that
// reconcile them. Builtin cloud.* providers are registered in-process;
// anything else is delegated to the WASM plugin registry.
package providers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/groundworkhq/groundwork/pkg/cloudapi"
	"github.com/groundworkhq/groundwork/pkg/engine"
	"github.com/groundworkhq/groundwork/pkg/providers/cloud"
	"github.com/groundworkhq/groundwork/pkg/providers/plugin"
)

// Registry implements engine.ProviderRegistry.
type Registry struct {
	mu      sync.RWMutex
	builtin map[string]engine.Provider
	plugins *plugin.Registry
	log     zerolog.Logger
}

// NewRegistry creates a registry with the builtin cloud providers wired
// to the given client. plugins may be nil when plugin support is off.
func NewRegistry(client cloudapi.Client, plugins *plugin.Registry, logger zerolog.Logger) (*Registry, error) {
	builtin, err := cloud.Builtin(client, logger)
	if err != nil {
		return nil, err
	}
	return &Registry{
		builtin: builtin,
		plugins: plugins,
		log:     logger.With().Str("component", "providers").Logger(),
	}, nil
}

// Register adds or replaces a builtin provider. Tests use this to
// substitute fakes for individual resource types.
func (r *Registry) Register(resourceType string, p engine.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builtin[resourceType] = p
}

// Get resolves a resource type. Builtins ignore the version constraint;
// plugin lookups honor it.
func (r *Registry) Get(ctx context.Context, resourceType, version string) (engine.Provider, error) {
	r.mu.RLock()
	p, ok := r.builtin[resourceType]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	if r.plugins != nil {
		return r.plugins.Get(ctx, resourceType, version)
	}

	return nil, engine.NewPermanentError(fmt.Sprintf("no provider for resource type %q", resourceType), nil).
		WithCode(engine.ErrCodeNotFound).
		WithDetail("known_types", strings.Join(r.knownTypes(), ", "))
}

// List returns metadata for every registered provider, builtins first.
func (r *Registry) List(ctx context.Context) ([]engine.ProviderMetadata, error) {
	r.mu.RLock()
	metadata := make([]engine.ProviderMetadata, 0, len(r.builtin))
	for _, p := range r.builtin {
		metadata = append(metadata, p.Metadata())
	}
	r.mu.RUnlock()

	sort.Slice(metadata, func(i, j int) bool { return metadata[i].Name < metadata[j].Name })

	if r.plugins != nil {
		pluginMeta, err := r.plugins.List(ctx)
		if err != nil {
			return nil, err
		}
		metadata = append(metadata, pluginMeta...)
	}
	return metadata, nil
}

func (r *Registry) knownTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.builtin))
	for t := range r.builtin {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Close shuts down plugin providers. Builtins hold no resources.
func (r *Registry) Close(ctx context.Context) error {
	if r.plugins != nil {
		return r.plugins.Close(ctx)
	}
	return nil
}
