package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/groundworkhq/groundwork/pkg/engine"
)

// Engine implements engine.PolicyEngine on top of OPA. It starts with
// the builtin policies; LoadPolicies adds workspace rules.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	log      zerolog.Logger
}

type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates a policy engine with the builtin rules compiled.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		log:      logger.With().Str("component", "policy").Logger(),
	}
	for _, p := range BuiltinPolicies() {
		if err := e.compile(context.Background(), p); err != nil {
			return nil, fmt.Errorf("compile builtin policy %s: %w", p.Name, err)
		}
	}
	return e, nil
}

// LoadPolicies compiles .rego files from the given files or directories.
// Workspace policies may shadow builtins by name.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := loadFromPaths(paths)
	if err != nil {
		return err
	}
	for _, p := range policies {
		if err := e.compile(ctx, p); err != nil {
			return fmt.Errorf("compile policy %s: %w", p.Name, err)
		}
	}
	e.log.Info().Int("count", len(policies)).Msg("policies loaded")
	return nil
}

// EvaluateTopology checks every resource against all enabled policies.
func (e *Engine) EvaluateTopology(ctx context.Context, topo *engine.Topology) (*engine.PolicyResult, error) {
	if topo == nil {
		return nil, fmt.Errorf("topology is nil")
	}

	inputs := make([]map[string]interface{}, 0, len(topo.Resources))
	for i := range topo.Resources {
		input, err := resourceInput(&topo.Resources[i])
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, input)
	}
	return e.evaluate(ctx, inputs)
}

// EvaluatePlan checks the plan as a whole, e.g. for destructive units.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *engine.Plan) (*engine.PolicyResult, error) {
	if plan == nil {
		return nil, fmt.Errorf("plan is nil")
	}

	units := make([]map[string]interface{}, 0, len(plan.Units))
	for i := range plan.Units {
		u := &plan.Units[i]
		units = append(units, map[string]interface{}{
			"id":            u.ID,
			"resource_id":   u.ResourceID,
			"provider_type": u.ProviderType,
			"operation":     string(u.Operation),
		})
	}
	input := map[string]interface{}{
		"plan": map[string]interface{}{
			"id":      plan.ID,
			"destroy": plan.Destroy,
			"units":   units,
		},
	}
	return e.evaluate(ctx, []map[string]interface{}{input})
}

// ListPolicies returns all compiled policies.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, cp.policy)
	}
	return policies
}

func (e *Engine) evaluate(ctx context.Context, inputs []map[string]interface{}) (*engine.PolicyResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &engine.PolicyResult{Allowed: true, EvaluatedAt: time.Now()}

	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}
		for _, input := range inputs {
			violations, err := e.evalOne(ctx, cp, input)
			if err != nil {
				e.log.Error().Err(err).Str("policy", cp.policy.Name).Msg("policy evaluation failed")
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("policy %s failed to evaluate: %v", cp.policy.Name, err))
				continue
			}
			for _, v := range violations {
				if Severity(v.Severity).blocking() {
					result.Allowed = false
					result.Violations = append(result.Violations, v)
				} else {
					result.Warnings = append(result.Warnings,
						fmt.Sprintf("%s: %s", v.Policy, v.Message))
				}
			}
		}
	}
	return result, nil
}

func (e *Engine) evalOne(ctx context.Context, cp *compiledPolicy, input map[string]interface{}) ([]engine.PolicyViolation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []engine.PolicyViolation
	for _, res := range results {
		for _, expr := range res.Expressions {
			entries, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, entry := range entries {
				violations = append(violations, e.violation(cp.policy, entry))
			}
		}
	}
	return violations, nil
}

// violation converts a deny entry into a typed violation. Entries are
// either plain strings or {message, severity, resource} documents.
func (e *Engine) violation(p Policy, entry interface{}) engine.PolicyViolation {
	v := engine.PolicyViolation{
		Policy:   p.Name,
		Severity: string(p.Severity),
	}
	switch doc := entry.(type) {
	case string:
		v.Message = doc
	case map[string]interface{}:
		if msg, ok := doc["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := doc["severity"].(string); ok {
			v.Severity = sev
		}
		if res, ok := doc["resource"].(string); ok {
			v.ResourceID = res
		}
	default:
		v.Message = fmt.Sprintf("%v", entry)
	}
	return v
}

func (e *Engine) compile(ctx context.Context, p Policy) error {
	module, err := ast.ParseModuleWithOpts(p.Name, p.Rego, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return fmt.Errorf("parse rego: %w", err)
	}

	query, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("prepare query: %w", err)
	}

	e.mu.Lock()
	e.policies[p.Name] = &compiledPolicy{policy: p, query: query}
	e.mu.Unlock()
	return nil
}

func resourceInput(res *engine.Resource) (map[string]interface{}, error) {
	var config map[string]interface{}
	if len(res.Config) > 0 {
		if err := json.Unmarshal(res.Config, &config); err != nil {
			return nil, fmt.Errorf("resource %s: decode config: %w", res.ID, err)
		}
	}
	return map[string]interface{}{
		"resource": map[string]interface{}{
			"id":     res.ID,
			"type":   res.Type,
			"name":   res.Name,
			"module": res.Module,
			"config": config,
			"labels": res.Labels,
		},
	}, nil
}
