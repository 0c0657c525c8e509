// Package modules expands module invocations into concrete resource
// declarations. A module bundles related resources behind a small set
// of inputs; expansion namespaces every resource ID with the call name
// so two invocations of the same module never collide.
package modules

import (
	"fmt"
	"sort"
)

// Resource is one declaration produced by expanding a module.
type Resource struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Name      string                 `json:"name"`
	Config    map[string]interface{} `json:"config"`
	Labels    map[string]string      `json:"labels,omitempty"`
	DependsOn []string               `json:"depends_on,omitempty"`
}

// Expansion is the result of one module invocation.
type Expansion struct {
	Resources []Resource

	// Outputs maps output names to values. An output may be a literal
	// or a ${res.<id>.<attr>} reference into the expanded resources.
	Outputs map[string]string
}

// Module expands an invocation into resources.
type Module interface {
	// Source is the identifier configs use to invoke the module.
	Source() string

	// Expand produces the module's resources for one call. Resource
	// IDs must be prefixed with callName.
	Expand(callName string, inputs map[string]interface{}) (*Expansion, error)
}

// Registry holds the available modules.
type Registry struct {
	modules map[string]Module
}

// NewRegistry creates a registry with the builtin module library.
func NewRegistry() *Registry {
	r := &Registry{modules: make(map[string]Module)}
	r.Register(&vpcModule{})
	r.Register(&clusterModule{})
	r.Register(&serverlessModule{})
	return r
}

// Register adds a module, replacing any module with the same source.
func (r *Registry) Register(m Module) {
	r.modules[m.Source()] = m
}

// Expand resolves a source to a module and expands the call.
func (r *Registry) Expand(callName, source string, inputs map[string]interface{}) (*Expansion, error) {
	m, ok := r.modules[source]
	if !ok {
		return nil, fmt.Errorf("unknown module source %q (have %v)", source, r.Sources())
	}
	if callName == "" {
		return nil, fmt.Errorf("module call for %q has empty name", source)
	}
	return m.Expand(callName, inputs)
}

// Sources lists the registered module sources.
func (r *Registry) Sources() []string {
	out := make([]string, 0, len(r.modules))
	for source := range r.modules {
		out = append(out, source)
	}
	sort.Strings(out)
	return out
}

// input helpers shared by the builtins

func stringInput(inputs map[string]interface{}, key string) (string, error) {
	v, ok := inputs[key]
	if !ok {
		return "", fmt.Errorf("missing required input %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("input %q must be a non-empty string", key)
	}
	return s, nil
}

func stringInputOr(inputs map[string]interface{}, key, fallback string) string {
	if v, ok := inputs[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func intInputOr(inputs map[string]interface{}, key string, fallback int) int {
	switch v := inputs[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func boolInputOr(inputs map[string]interface{}, key string, fallback bool) bool {
	if v, ok := inputs[key].(bool); ok {
		return v
	}
	return fallback
}

func resRef(resourceID, attr string) string {
	return fmt.Sprintf("${res.%s.%s}", resourceID, attr)
}
