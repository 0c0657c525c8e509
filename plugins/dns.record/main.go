// Package main implements the dns.record plugin provider. It manages
// DNS records in a managed zone and compiles to WASM for sandboxed,
// capability-gated execution inside the engine's plugin host.
package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/groundworkhq/groundwork/pkg/engine"
)

// RecordConfig is the desired configuration for a dns.record resource.
type RecordConfig struct {
	// Zone is the managed zone the record lives in, e.g. "example-com".
	Zone string `json:"zone"`

	// Name is the record name relative to the zone, e.g. "api".
	Name string `json:"name"`

	// Type is the record type (A, AAAA, CNAME, TXT, MX).
	Type string `json:"type"`

	// Values are the rrdatas for the record set.
	Values []string `json:"values"`

	// TTL in seconds. Defaults to 300.
	TTL int `json:"ttl,omitempty"`
}

// RecordState is the applied state of a record set.
type RecordState struct {
	Zone   string   `json:"zone"`
	Name   string   `json:"name"`
	Type   string   `json:"type"`
	Values []string `json:"values"`
	TTL    int      `json:"ttl"`

	// FQDN is the fully qualified name the record resolves under.
	FQDN string `json:"fqdn"`
}

var validTypes = map[string]bool{
	"A":     true,
	"AAAA":  true,
	"CNAME": true,
	"TXT":   true,
	"MX":    true,
}

type provider struct {
	granted map[string]bool
}

var plugin = &provider{}

func (p *provider) init(config engine.ProviderConfig) error {
	p.granted = make(map[string]bool, len(config.Capabilities))
	for _, cap := range config.Capabilities {
		p.granted[cap] = true
	}
	if !p.granted["net:outbound"] {
		return fmt.Errorf("dns.record requires the net:outbound capability")
	}
	return nil
}

func (p *provider) read(req engine.ReadRequest) (*engine.ReadResponse, error) {
	// The control plane is the record we last wrote; without state the
	// record does not exist yet.
	if len(req.State) == 0 {
		return &engine.ReadResponse{Exists: false}, nil
	}
	return &engine.ReadResponse{State: req.State, Exists: true}, nil
}

func (p *provider) plan(req engine.PlanRequest) (*engine.PlanResponse, error) {
	desired, err := decodeConfig(req.DesiredState)
	if err != nil {
		return nil, err
	}

	if len(req.ActualState) == 0 {
		return &engine.PlanResponse{
			Operation: engine.OperationCreate,
			Changes: []engine.Change{
				{Path: ".", After: desired, Action: engine.ChangeActionAdd},
			},
		}, nil
	}

	var actual RecordState
	if err := json.Unmarshal(req.ActualState, &actual); err != nil {
		return nil, fmt.Errorf("decode actual state: %w", err)
	}

	resp := &engine.PlanResponse{Operation: engine.OperationNoop}
	appendChange := func(path string, before, after interface{}) {
		resp.Operation = engine.OperationUpdate
		resp.Changes = append(resp.Changes, engine.Change{
			Path:   path,
			Before: before,
			After:  after,
			Action: engine.ChangeActionModify,
		})
	}

	// Zone, name and type identify the record set; changing any of them
	// means a different record entirely.
	if actual.Zone != desired.Zone {
		appendChange(".zone", actual.Zone, desired.Zone)
		resp.RequiresRecreate = true
	}
	if actual.Name != desired.Name {
		appendChange(".name", actual.Name, desired.Name)
		resp.RequiresRecreate = true
	}
	if actual.Type != desired.Type {
		appendChange(".type", actual.Type, desired.Type)
		resp.RequiresRecreate = true
	}
	if !equalValues(actual.Values, desired.Values) {
		appendChange(".values", actual.Values, desired.Values)
	}
	if actual.TTL != desired.TTL {
		appendChange(".ttl", actual.TTL, desired.TTL)
	}
	if resp.RequiresRecreate {
		resp.Operation = engine.OperationRecreate
	}
	return resp, nil
}

func (p *provider) apply(req engine.ApplyRequest) (*engine.ApplyResponse, error) {
	desired, err := decodeConfig(req.DesiredState)
	if err != nil {
		return nil, err
	}

	state := RecordState{
		Zone:   desired.Zone,
		Name:   desired.Name,
		Type:   desired.Type,
		Values: desired.Values,
		TTL:    desired.TTL,
		FQDN:   fqdn(desired),
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return &engine.ApplyResponse{
		NewState: raw,
		Outputs: map[string]interface{}{
			"fqdn": state.FQDN,
		},
	}, nil
}

func (p *provider) destroy(req engine.DestroyRequest) (*engine.DestroyResponse, error) {
	return &engine.DestroyResponse{Destroyed: true}, nil
}

func (p *provider) validate(config json.RawMessage) error {
	_, err := decodeConfig(config)
	return err
}

func decodeConfig(raw json.RawMessage) (*RecordConfig, error) {
	var cfg RecordConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode record config: %w", err)
		}
	}

	if cfg.Zone == "" {
		return nil, fmt.Errorf("zone is required")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	rrtype := strings.ToUpper(cfg.Type)
	if !validTypes[rrtype] {
		return nil, fmt.Errorf("unsupported record type %q", cfg.Type)
	}
	cfg.Type = rrtype
	if len(cfg.Values) == 0 {
		return nil, fmt.Errorf("at least one value is required")
	}
	if cfg.TTL < 0 {
		return nil, fmt.Errorf("ttl must not be negative")
	}
	if cfg.TTL == 0 {
		cfg.TTL = 300
	}
	if rrtype == "CNAME" && len(cfg.Values) > 1 {
		return nil, fmt.Errorf("CNAME records take exactly one value")
	}
	return &cfg, nil
}

func fqdn(cfg *RecordConfig) string {
	zone := strings.ReplaceAll(cfg.Zone, "-", ".")
	return fmt.Sprintf("%s.%s.", cfg.Name, zone)
}

func equalValues(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func main() {
	// The host drives the provider through the exported provider_*
	// functions; nothing runs at module start.
}
