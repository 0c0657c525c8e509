// Package policy evaluates Rego rules against topologies and plans.
// Policies contribute deny rules; a denied entry with severity error or
// critical blocks the run, lower severities surface as warnings.
package policy

import "time"

// Severity grades a violation.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// blocking reports whether a severity stops execution.
func (s Severity) blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one Rego rule set.
type Policy struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Rego        string   `json:"rego"`
	Severity    Severity `json:"severity"`
	Enabled     bool     `json:"enabled"`
	Tags        []string `json:"tags,omitempty"`

	// Builtin marks policies that ship with the binary.
	Builtin bool `json:"builtin,omitempty"`

	LoadedAt time.Time `json:"loaded_at"`
}
