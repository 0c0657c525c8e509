package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"

	"github.com/groundworkhq/groundwork/pkg/engine"
	"github.com/groundworkhq/groundwork/pkg/modules"
)

// CUEParser parses topology sources and evaluates them into an
// engine.Topology. It implements engine.Evaluator.
type CUEParser struct {
	ctx       *cue.Context
	validator *validator.Validate
	starlark  *StarlarkEvaluator
	modules   *modules.Registry

	// Overrides replace workspace variables, e.g. from CLI flags.
	Overrides map[string]interface{}
}

// NewCUEParser creates a parser with the builtin module registry.
func NewCUEParser() *CUEParser {
	return &CUEParser{
		ctx:       cuecontext.New(),
		validator: validator.New(),
		starlark:  NewStarlarkEvaluator(10 * time.Second),
		modules:   modules.NewRegistry(),
	}
}

// Evaluate parses sources, runs computed variables, expands modules and
// counts, resolves references, and returns the final topology.
func (cp *CUEParser) Evaluate(ctx context.Context, sources []string) (*engine.Topology, error) {
	parsed, err := cp.Parse(ctx, sources)
	if err != nil {
		return nil, err
	}
	return cp.evaluateParsed(ctx, parsed)
}

// EvaluateInline evaluates CUE content directly, mainly for tests and
// the validate command's stdin mode.
func (cp *CUEParser) EvaluateInline(ctx context.Context, content string) (*engine.Topology, error) {
	parsed, err := cp.ParseInline(ctx, content)
	if err != nil {
		return nil, err
	}
	return cp.evaluateParsed(ctx, parsed)
}

func (cp *CUEParser) evaluateParsed(ctx context.Context, parsed *ParsedConfig) (*engine.Topology, error) {
	if len(parsed.Errors) > 0 {
		msgs := make([]string, 0, len(parsed.Errors))
		for _, e := range parsed.Errors {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("invalid configuration: %v", msgs)
	}

	variables, err := cp.resolveVariables(ctx, parsed)
	if err != nil {
		return nil, err
	}

	resources := append([]ResourceConfig(nil), parsed.Resources...)
	outputs := make(map[string]string)
	for callName, call := range parsed.Modules {
		expansion, err := cp.modules.Expand(callName, call.Source, call.Inputs)
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", callName, err)
		}
		for _, res := range expansion.Resources {
			resources = append(resources, ResourceConfig{
				ID:        res.ID,
				Type:      res.Type,
				Name:      res.Name,
				Config:    res.Config,
				Labels:    res.Labels,
				DependsOn: res.DependsOn,
				Module:    callName,
			})
		}
		for output, value := range expansion.Outputs {
			outputs[callName+"."+output] = value
		}
	}

	interp := NewInterpolator(variables, outputs)
	resolved, err := interp.Expand(resources)
	if err != nil {
		return nil, err
	}

	topo := &engine.Topology{
		Workspace: parsed.Workspace.Name,
		Source:    sourceLabel(parsed.SourceFiles),
		ParsedAt:  time.Now(),
		Resources: make([]engine.Resource, 0, len(resolved)),
		Variables: variables,
	}
	for _, res := range resolved {
		if err := cp.validator.Struct(res); err != nil {
			return nil, fmt.Errorf("resource %s: %w", res.ID, err)
		}
		raw, err := json.Marshal(res.Config)
		if err != nil {
			return nil, fmt.Errorf("resource %s: encode config: %w", res.ID, err)
		}
		topo.Resources = append(topo.Resources, engine.Resource{
			ID:           res.ID,
			Type:         res.Type,
			Name:         res.Name,
			Module:       res.Module,
			Config:       raw,
			Status:       engine.ResourceStatusPending,
			Labels:       res.Labels,
			Dependencies: res.DependsOn,
		})
	}
	return topo, nil
}

// resolveVariables merges declared variables, computed variables and
// overrides, in that order of precedence.
func (cp *CUEParser) resolveVariables(ctx context.Context, parsed *ParsedConfig) (map[string]interface{}, error) {
	variables := make(map[string]interface{}, len(parsed.Workspace.Variables))
	for k, v := range parsed.Workspace.Variables {
		variables[k] = v
	}

	for name, script := range parsed.Compute {
		value, err := cp.starlark.Evaluate(ctx, name, script, variables)
		if err != nil {
			return nil, fmt.Errorf("computed variable %s: %w", name, err)
		}
		variables[name] = value
	}

	for k, v := range cp.Overrides {
		variables[k] = v
	}
	return variables, nil
}

// Validate checks a topology's resources against struct constraints.
func (cp *CUEParser) Validate(ctx context.Context, topo *engine.Topology) error {
	if topo == nil {
		return fmt.Errorf("topology is nil")
	}
	for _, res := range topo.Resources {
		rc := ResourceConfig{ID: res.ID, Type: res.Type, Name: res.Name}
		if err := cp.validator.Struct(rc); err != nil {
			return fmt.Errorf("resource %s: %w", res.ID, err)
		}
	}
	return nil
}

// Parse loads and unifies the given files or directories.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*ParsedConfig, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var unified cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("stat source %s: %w", source, err)
		}

		var val cue.Value
		var files []string
		var errs []ValidationError
		if info.IsDir() {
			val, files, errs = cp.loadDirectory(source)
		} else {
			val, errs = cp.loadFile(source)
			files = []string{source}
		}
		parseErrors = append(parseErrors, errs...)
		if val.Exists() {
			if unified.Exists() {
				unified = unified.Unify(val)
			} else {
				unified = val
			}
		}
		sourceFiles = append(sourceFiles, files...)
	}

	if len(parseErrors) > 0 {
		return &ParsedConfig{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      parseErrors,
		}, nil
	}
	if err := unified.Err(); err != nil {
		return &ParsedConfig{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      cp.convertCUEErrors(err),
		}, nil
	}

	return cp.extract(unified, sourceFiles)
}

// ParseInline parses CUE content without touching the filesystem.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*ParsedConfig, error) {
	val := cp.ctx.CompileString(content, cue.Filename("inline.cue"))
	if err := val.Err(); err != nil {
		return &ParsedConfig{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      cp.convertCUEErrors(err),
		}, nil
	}
	return cp.extract(val, []string{"inline"})
}

func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	instances := load.Instances([]string{dir}, nil)
	if len(instances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(inst.Err)
	}
	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(err)
	}

	var files []string
	for _, f := range inst.Files {
		if f.Filename != "" {
			files = append(files, f.Filename)
		}
	}
	return val, files, nil
}

func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("read file: %v", err),
			Severity: "error",
		}}
	}
	val := cp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}
	return val, nil
}

// extract pulls the workspace, variables, modules and resources out of
// a unified CUE value.
func (cp *CUEParser) extract(val cue.Value, sourceFiles []string) (*ParsedConfig, error) {
	parsed := &ParsedConfig{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
		Modules:     make(map[string]ModuleCall),
		Compute:     make(map[string]string),
	}

	if ws := val.LookupPath(cue.ParsePath("workspace")); ws.Exists() {
		if err := ws.Decode(&parsed.Workspace); err != nil {
			parsed.Errors = append(parsed.Errors, ValidationError{
				Path:     "workspace",
				Message:  fmt.Sprintf("decode workspace: %v", err),
				Severity: "error",
			})
		}
	}

	if compute := val.LookupPath(cue.ParsePath("compute")); compute.Exists() {
		if err := compute.Decode(&parsed.Compute); err != nil {
			parsed.Errors = append(parsed.Errors, ValidationError{
				Path:     "compute",
				Message:  fmt.Sprintf("decode compute block: %v", err),
				Severity: "error",
			})
		}
	}

	if mods := val.LookupPath(cue.ParsePath("modules")); mods.Exists() {
		iter, err := mods.Fields(cue.All())
		if err != nil {
			parsed.Errors = append(parsed.Errors, ValidationError{
				Path:     "modules",
				Message:  fmt.Sprintf("iterate modules: %v", err),
				Severity: "error",
			})
		} else {
			for iter.Next() {
				name := iter.Selector().Unquoted()
				var call ModuleCall
				if err := iter.Value().Decode(&call); err != nil {
					parsed.Errors = append(parsed.Errors, ValidationError{
						Path:     "modules." + name,
						Message:  err.Error(),
						Severity: "error",
					})
					continue
				}
				if err := cp.validator.Struct(call); err != nil {
					parsed.Errors = append(parsed.Errors, ValidationError{
						Path:     "modules." + name,
						Message:  err.Error(),
						Severity: "error",
					})
					continue
				}
				parsed.Modules[name] = call
			}
		}
	}

	if resources := val.LookupPath(cue.ParsePath("resources")); resources.Exists() {
		cp.extractResources(resources, parsed)
	}

	return parsed, nil
}

// extractResources accepts resources as a map keyed by ID or as a list
// of declarations carrying their own IDs.
func (cp *CUEParser) extractResources(val cue.Value, parsed *ParsedConfig) {
	switch val.Kind() {
	case cue.StructKind:
		iter, err := val.Fields(cue.All())
		if err != nil {
			parsed.Errors = append(parsed.Errors, ValidationError{
				Path:     "resources",
				Message:  fmt.Sprintf("iterate resources: %v", err),
				Severity: "error",
			})
			return
		}
		for iter.Next() {
			id := iter.Selector().Unquoted()
			res, err := cp.decodeResource(id, iter.Value())
			if err != nil {
				parsed.Errors = append(parsed.Errors, ValidationError{
					Path:     "resources." + id,
					Message:  err.Error(),
					Severity: "error",
				})
				continue
			}
			parsed.Resources = append(parsed.Resources, res)
		}
	case cue.ListKind:
		list, err := val.List()
		if err != nil {
			parsed.Errors = append(parsed.Errors, ValidationError{
				Path:     "resources",
				Message:  fmt.Sprintf("list resources: %v", err),
				Severity: "error",
			})
			return
		}
		for i := 0; list.Next(); i++ {
			res, err := cp.decodeResource("", list.Value())
			if err != nil {
				parsed.Errors = append(parsed.Errors, ValidationError{
					Path:     fmt.Sprintf("resources[%d]", i),
					Message:  err.Error(),
					Severity: "error",
				})
				continue
			}
			parsed.Resources = append(parsed.Resources, res)
		}
	default:
		parsed.Errors = append(parsed.Errors, ValidationError{
			Path:     "resources",
			Message:  fmt.Sprintf("resources must be a struct or list, got %s", val.Kind()),
			Severity: "error",
		})
	}
}

func (cp *CUEParser) decodeResource(id string, val cue.Value) (ResourceConfig, error) {
	var res ResourceConfig
	if err := val.Decode(&res); err != nil {
		return res, fmt.Errorf("decode resource: %w", err)
	}
	if res.ID == "" {
		res.ID = id
	}
	if res.Config == nil {
		res.Config = make(map[string]interface{})
	}
	if err := cp.validator.Struct(res); err != nil {
		return res, err
	}
	return res, nil
}

func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		var file string
		var line, column int
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}
		out = append(out, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Message:  cueerrors.Details(e, nil),
			Severity: "error",
		})
	}
	return out
}

func sourceLabel(files []string) string {
	if len(files) == 0 {
		return "inline"
	}
	if len(files) == 1 {
		return files[0]
	}
	return fmt.Sprintf("%s (+%d more)", files[0], len(files)-1)
}
