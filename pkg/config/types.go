// Package config evaluates topology sources into an engine.Topology.
// Sources are CUE documents declaring a workspace, variables, resources
// and module invocations; procedural helpers run in a sandboxed
// Starlark interpreter.
package config

import (
	"fmt"
	"time"
)

// WorkspaceConfig is the workspace block of a topology.
type WorkspaceConfig struct {
	Name        string                 `json:"name" validate:"required"`
	Variables   map[string]interface{} `json:"variables,omitempty"`
	PolicyPaths []string               `json:"policy_paths,omitempty"`
}

// ResourceConfig is one declared resource before interpolation.
type ResourceConfig struct {
	ID   string `json:"id" validate:"required"`
	Type string `json:"type" validate:"required"`
	Name string `json:"name,omitempty"`

	// Count controls expansion: an integer, or a "${var.<name>}"
	// reference resolving to one. Zero drops the resource.
	Count interface{} `json:"count,omitempty"`

	Config    map[string]interface{} `json:"config"`
	Labels    map[string]string      `json:"labels,omitempty"`
	DependsOn []string               `json:"depends_on,omitempty"`

	// Module records which module call produced this resource. Empty
	// for resources declared directly.
	Module string `json:"module,omitempty"`
}

// ModuleCall invokes a module from the registry.
type ModuleCall struct {
	Source string                 `json:"source" validate:"required"`
	Inputs map[string]interface{} `json:"inputs,omitempty"`
}

// ValidationError is one problem found while parsing or validating.
type ValidationError struct {
	File     string `json:"file,omitempty"`
	Path     string `json:"path,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (e ValidationError) String() string {
	switch {
	case e.File != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	default:
		return e.Message
	}
}

// ParsedConfig is the raw result of parsing sources, before module
// expansion and interpolation.
type ParsedConfig struct {
	Workspace WorkspaceConfig       `json:"workspace"`
	Resources []ResourceConfig      `json:"resources,omitempty"`
	Modules   map[string]ModuleCall `json:"modules,omitempty"`

	// Compute maps variable names to Starlark scripts whose result
	// becomes the variable's value.
	Compute map[string]string `json:"compute,omitempty"`

	SourceFiles []string          `json:"source_files,omitempty"`
	ParsedAt    time.Time         `json:"parsed_at"`
	Errors      []ValidationError `json:"errors,omitempty"`
}
