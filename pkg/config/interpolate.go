package config

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Interpolator resolves ${...} references in resource declarations and
// expands counted resources.
//
// Supported reference forms:
//
//	${var.<name>}         workspace variable
//	${res.<id>.<attr>}    attribute of another resource; adds an
//	                      implicit require dependency on it
//	${mod.<call>.<out>}   module output
//	${count.index}        instance index inside a counted resource
//
// Attribute references resolve against the target's declared
// configuration plus the synthetic attrs id, name and self_link, and
// chase chained references. A reference cycle is a validation error.
type Interpolator struct {
	variables map[string]interface{}
	outputs   map[string]string
}

// NewInterpolator creates an interpolator. outputs maps
// "<call>.<output>" to module output values.
func NewInterpolator(variables map[string]interface{}, outputs map[string]string) *Interpolator {
	if variables == nil {
		variables = make(map[string]interface{})
	}
	if outputs == nil {
		outputs = make(map[string]string)
	}
	return &Interpolator{variables: variables, outputs: outputs}
}

var refPattern = regexp.MustCompile(`\$\{([a-z]+)\.([^}]+)\}`)

// Expand resolves counts and references for a set of resources. The
// returned resources carry resolved configs and the dependency edges
// implied by their references.
func (in *Interpolator) Expand(resources []ResourceConfig) ([]ResourceConfig, error) {
	expanded, counted, err := in.expandCounts(resources)
	if err != nil {
		return nil, err
	}

	st := &resolveState{
		interp:  in,
		byID:    make(map[string]*ResourceConfig, len(expanded)),
		counted: counted,
		deps:    make(map[string]map[string]struct{}),
	}
	for i := range expanded {
		res := &expanded[i]
		if _, dup := st.byID[res.ID]; dup {
			return nil, fmt.Errorf("duplicate resource ID %q", res.ID)
		}
		st.byID[res.ID] = res
	}

	for i := range expanded {
		res := &expanded[i]
		resolved, err := st.resolveValue(res.Config, res.ID, nil)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", res.ID, err)
		}
		res.Config = resolved.(map[string]interface{})

		if res.Name != "" {
			name, err := st.resolveValue(res.Name, res.ID, nil)
			if err != nil {
				return nil, fmt.Errorf("resource %s: name: %w", res.ID, err)
			}
			s, ok := name.(string)
			if !ok {
				return nil, fmt.Errorf("resource %s: name must resolve to a string", res.ID)
			}
			res.Name = s
		}
	}

	// Merge implied edges into DependsOn.
	for i := range expanded {
		res := &expanded[i]
		seen := make(map[string]struct{}, len(res.DependsOn))
		for _, dep := range res.DependsOn {
			seen[dep] = struct{}{}
		}
		for dep := range st.deps[res.ID] {
			seen[dep] = struct{}{}
		}
		deps := make([]string, 0, len(seen))
		for dep := range seen {
			if dep == res.ID {
				return nil, fmt.Errorf("resource %s depends on itself", res.ID)
			}
			if _, ok := st.byID[dep]; !ok {
				return nil, fmt.Errorf("resource %s depends on unknown resource %q", res.ID, dep)
			}
			deps = append(deps, dep)
		}
		sort.Strings(deps)
		res.DependsOn = deps
	}

	return expanded, nil
}

// expandCounts resolves each resource's count and clones counted
// resources into indexed instances. It returns the base IDs that
// expanded to more than one instance.
func (in *Interpolator) expandCounts(resources []ResourceConfig) ([]ResourceConfig, map[string]int, error) {
	out := make([]ResourceConfig, 0, len(resources))
	counted := make(map[string]int)

	for _, res := range resources {
		count, err := in.resolveCount(res)
		if err != nil {
			return nil, nil, err
		}
		switch {
		case count == 0:
			// Conditional resource, disabled.
		case count == 1:
			instance := cloneResource(res)
			instance.Count = nil
			instance.Config = substituteIndex(instance.Config, 0).(map[string]interface{})
			out = append(out, instance)
		default:
			counted[res.ID] = count
			for i := 0; i < count; i++ {
				instance := cloneResource(res)
				instance.ID = fmt.Sprintf("%s[%d]", res.ID, i)
				instance.Count = nil
				instance.Config = substituteIndex(instance.Config, i).(map[string]interface{})
				if instance.Name != "" {
					instance.Name = fmt.Sprintf("%s-%d", instance.Name, i)
				}
				out = append(out, instance)
			}
		}
	}
	return out, counted, nil
}

func (in *Interpolator) resolveCount(res ResourceConfig) (int, error) {
	switch v := res.Count.(type) {
	case nil:
		return 1, nil
	case int:
		return validateCount(res.ID, v)
	case int64:
		return validateCount(res.ID, int(v))
	case float64:
		return validateCount(res.ID, int(v))
	case string:
		resolved := v
		if m := refPattern.FindStringSubmatch(v); m != nil {
			if m[1] != "var" {
				return 0, fmt.Errorf("resource %s: count may only reference variables, got %q", res.ID, v)
			}
			value, ok := in.variables[m[2]]
			if !ok {
				return 0, fmt.Errorf("resource %s: count references unknown variable %q", res.ID, m[2])
			}
			resolved = fmt.Sprintf("%v", value)
		}
		n, err := strconv.Atoi(resolved)
		if err != nil {
			return 0, fmt.Errorf("resource %s: count %q is not an integer", res.ID, resolved)
		}
		return validateCount(res.ID, n)
	default:
		return 0, fmt.Errorf("resource %s: unsupported count type %T", res.ID, res.Count)
	}
}

func validateCount(id string, n int) (int, error) {
	if n < 0 {
		return 0, fmt.Errorf("resource %s: count must not be negative, got %d", id, n)
	}
	return n, nil
}

// substituteIndex replaces ${count.index} eagerly during expansion.
func substituteIndex(v interface{}, index int) interface{} {
	switch val := v.(type) {
	case string:
		return strings.ReplaceAll(val, "${count.index}", strconv.Itoa(index))
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = substituteIndex(item, index)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = substituteIndex(item, index)
		}
		return out
	default:
		return v
	}
}

func cloneResource(res ResourceConfig) ResourceConfig {
	out := res
	out.Config = cloneValue(res.Config).(map[string]interface{})
	if res.Labels != nil {
		labels := make(map[string]string, len(res.Labels))
		for k, v := range res.Labels {
			labels[k] = v
		}
		out.Labels = labels
	}
	out.DependsOn = append([]string(nil), res.DependsOn...)
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// resolveState carries reference resolution across resources.
type resolveState struct {
	interp  *Interpolator
	byID    map[string]*ResourceConfig
	counted map[string]int

	// deps collects implied edges: resource ID -> referenced IDs.
	deps map[string]map[string]struct{}
}

func (st *resolveState) addDep(from, to string) {
	if from == to {
		return
	}
	edges, ok := st.deps[from]
	if !ok {
		edges = make(map[string]struct{})
		st.deps[from] = edges
	}
	edges[to] = struct{}{}
}

// resolveValue resolves references inside any config value. stack holds
// "<id>.<attr>" frames for cycle detection across chained references.
func (st *resolveState) resolveValue(v interface{}, owner string, stack []string) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return st.resolveString(val, owner, stack)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			resolved, err := st.resolveValue(item, owner, stack)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			resolved, err := st.resolveValue(item, owner, stack)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func (st *resolveState) resolveString(s, owner string, stack []string) (interface{}, error) {
	matches := refPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// A string that is exactly one reference keeps the referent's type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		m := refPattern.FindStringSubmatch(s)
		return st.resolveToken(m[1], m[2], owner, stack)
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(s[last:m[0]])
		kind := s[m[2]:m[3]]
		rest := s[m[4]:m[5]]
		value, err := st.resolveToken(kind, rest, owner, stack)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&sb, "%v", value)
		last = m[1]
	}
	sb.WriteString(s[last:])
	return sb.String(), nil
}

func (st *resolveState) resolveToken(kind, rest, owner string, stack []string) (interface{}, error) {
	switch kind {
	case "var":
		value, ok := st.interp.variables[rest]
		if !ok {
			return nil, fmt.Errorf("unknown variable %q", rest)
		}
		return value, nil

	case "mod":
		output, ok := st.interp.outputs[rest]
		if !ok {
			return nil, fmt.Errorf("unknown module output %q", rest)
		}
		return st.resolveString(output, owner, stack)

	case "count":
		// ${count.index} is substituted during expansion; reaching
		// here means the resource declared no count.
		return nil, fmt.Errorf("${count.%s} outside a counted resource", rest)

	case "res":
		return st.resolveResourceRef(rest, owner, stack)

	default:
		return nil, fmt.Errorf("unknown reference kind %q", kind)
	}
}

func (st *resolveState) resolveResourceRef(ref, owner string, stack []string) (interface{}, error) {
	cut := strings.LastIndex(ref, ".")
	if cut <= 0 || cut == len(ref)-1 {
		return nil, fmt.Errorf("malformed resource reference %q", ref)
	}
	targetID, attr := ref[:cut], ref[cut+1:]

	target, ok := st.byID[targetID]
	if !ok {
		if n, wasCounted := st.counted[targetID]; wasCounted {
			return nil, fmt.Errorf("resource %q expanded to %d instances; reference one as %s[<i>]", targetID, n, targetID)
		}
		return nil, fmt.Errorf("reference to unknown resource %q", targetID)
	}

	st.addDep(owner, targetID)

	frame := targetID + "." + attr
	for _, seen := range stack {
		if seen == frame {
			return nil, fmt.Errorf("reference cycle through %s", strings.Join(append(stack, frame), " -> "))
		}
	}
	stack = append(stack, frame)

	switch attr {
	case "id":
		return target.ID, nil
	case "name":
		return st.resourceName(target, stack)
	case "self_link":
		name, err := st.resourceName(target, stack)
		if err != nil {
			return nil, err
		}
		kind := strings.TrimPrefix(target.Type, "cloud.")
		return fmt.Sprintf("mem://%s/%s", kind, name), nil
	}

	raw, ok := target.Config[attr]
	if !ok {
		return nil, fmt.Errorf("resource %s has no attribute %q", targetID, attr)
	}
	// Chase chained references with the target as owner so its own
	// dependency edges get recorded.
	return st.resolveValue(raw, targetID, stack)
}

func (st *resolveState) resourceName(target *ResourceConfig, stack []string) (interface{}, error) {
	if raw, ok := target.Config["name"]; ok {
		return st.resolveValue(raw, target.ID, stack)
	}
	if target.Name != "" {
		return st.resolveValue(target.Name, target.ID, stack)
	}
	return target.ID, nil
}
