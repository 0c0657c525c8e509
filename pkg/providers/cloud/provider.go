// Package cloud implements the builtin providers for the cloud.* resource
// types. All of them reconcile against a cloudapi.Client and share the
// same diff, schema-validation and generation-handling machinery; the
// per-type files contribute a schema, the immutable field set, and any
// type-specific apply hooks.
package cloud

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/groundworkhq/groundwork/pkg/cloudapi"
	"github.com/groundworkhq/groundwork/pkg/engine"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// applyHook lets a resource type transform its desired attrs before they
// are written to the cloud API, e.g. rendering a startup script.
type applyHook func(ctx context.Context, resourceID string, attrs map[string]interface{}) error

// provider is the shared implementation behind every cloud.* type.
type provider struct {
	resourceType string
	kind         string
	description  string
	client       cloudapi.Client
	schema       *jsonschema.Schema
	immutable    map[string]bool
	hook         applyHook
	log          zerolog.Logger
}

func newProvider(client cloudapi.Client, logger zerolog.Logger, resourceType, description string, immutable []string, hook applyHook) (*provider, error) {
	kind := strings.TrimPrefix(resourceType, "cloud.")

	raw, err := schemaFS.ReadFile("schemas/" + kind + ".json")
	if err != nil {
		return nil, fmt.Errorf("load schema for %s: %w", resourceType, err)
	}
	schema, err := jsonschema.CompileString(kind+".json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", resourceType, err)
	}

	imm := make(map[string]bool, len(immutable))
	for _, f := range immutable {
		imm[f] = true
	}

	return &provider{
		resourceType: resourceType,
		kind:         kind,
		description:  description,
		client:       client,
		schema:       schema,
		immutable:    imm,
		hook:         hook,
		log:          logger.With().Str("component", "provider").Str("type", resourceType).Logger(),
	}, nil
}

func (p *provider) Init(ctx context.Context, config engine.ProviderConfig) error {
	return nil
}

func (p *provider) Metadata() engine.ProviderMetadata {
	return engine.ProviderMetadata{
		Name:          p.resourceType,
		Version:       "1.0.0",
		Description:   p.description,
		ResourceTypes: []string{p.resourceType},
	}
}

func (p *provider) Validate(ctx context.Context, config json.RawMessage) error {
	var doc interface{}
	if err := json.Unmarshal(config, &doc); err != nil {
		return engine.NewPermanentError(fmt.Sprintf("invalid config document: %v", err), nil).
			WithCode(engine.ErrCodeValidation)
	}
	if err := p.schema.Validate(doc); err != nil {
		return engine.NewPermanentError(fmt.Sprintf("config does not match %s schema: %v", p.resourceType, err), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

func (p *provider) Read(ctx context.Context, req engine.ReadRequest) (*engine.ReadResponse, error) {
	name, err := p.resourceName(req.ResourceID, req.Config)
	if err != nil {
		return nil, err
	}

	record, err := p.client.Get(ctx, p.kind, name)
	if err != nil {
		if isNotFound(err) {
			return &engine.ReadResponse{Exists: false}, nil
		}
		return nil, err
	}

	state, err := json.Marshal(recordState(record))
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return &engine.ReadResponse{State: state, Exists: true}, nil
}

func (p *provider) Plan(ctx context.Context, req engine.PlanRequest) (*engine.PlanResponse, error) {
	if err := p.Validate(ctx, req.DesiredState); err != nil {
		return nil, err
	}

	desired, err := decodeDoc(req.DesiredState)
	if err != nil {
		return nil, err
	}

	if len(req.ActualState) == 0 {
		return &engine.PlanResponse{
			Operation: engine.OperationCreate,
			Changes:   createChanges(desired),
		}, nil
	}

	actual, err := decodeDoc(req.ActualState)
	if err != nil {
		return nil, err
	}

	changes := p.diffAttrs(desired, actual)
	if len(changes) == 0 {
		return &engine.PlanResponse{Operation: engine.OperationNoop}, nil
	}

	resp := &engine.PlanResponse{
		Operation: engine.OperationUpdate,
		Changes:   changes,
	}
	for _, c := range changes {
		if c.ForcesRecreate {
			resp.Operation = engine.OperationRecreate
			resp.RequiresRecreate = true
			break
		}
	}
	return resp, nil
}

func (p *provider) Apply(ctx context.Context, req engine.ApplyRequest) (*engine.ApplyResponse, error) {
	desired, err := decodeDoc(req.DesiredState)
	if err != nil {
		return nil, err
	}
	name, err := p.resourceName(req.ResourceID, req.DesiredState)
	if err != nil {
		return nil, err
	}

	attrs := make(map[string]interface{}, len(desired))
	for k, v := range desired {
		attrs[k] = v
	}
	if p.hook != nil {
		if err := p.hook(ctx, req.ResourceID, attrs); err != nil {
			return nil, err
		}
	}

	var record *cloudapi.Record
	existing, err := p.client.Get(ctx, p.kind, name)
	switch {
	case err == nil:
		record, err = p.client.Update(ctx, p.kind, name, attrs, existing.Generation)
		if err != nil {
			return nil, err
		}
	case isNotFound(err):
		record, err = p.client.Create(ctx, p.kind, name, attrs)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	p.log.Debug().Str("resource", req.ResourceID).Str("name", name).
		Int64("generation", record.Generation).Msg("applied")

	state, err := json.Marshal(recordState(record))
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return &engine.ApplyResponse{
		NewState: state,
		Outputs: map[string]interface{}{
			"self_link":  record.SelfLink,
			"generation": record.Generation,
		},
	}, nil
}

func (p *provider) Destroy(ctx context.Context, req engine.DestroyRequest) (*engine.DestroyResponse, error) {
	name := req.ResourceID
	if len(req.State) > 0 {
		if state, err := decodeDoc(req.State); err == nil {
			if n, ok := state["name"].(string); ok && n != "" {
				name = n
			}
		}
	}

	if err := p.client.Delete(ctx, p.kind, name); err != nil {
		return nil, err
	}
	p.log.Debug().Str("resource", req.ResourceID).Str("name", name).Msg("destroyed")
	return &engine.DestroyResponse{Destroyed: true}, nil
}

// resourceName prefers the declared name attr, falling back to the
// resource ID.
func (p *provider) resourceName(resourceID string, config json.RawMessage) (string, error) {
	if len(config) > 0 {
		doc, err := decodeDoc(config)
		if err != nil {
			return "", err
		}
		if name, ok := doc["name"].(string); ok && name != "" {
			return name, nil
		}
	}
	if resourceID == "" {
		return "", engine.NewPermanentError("resource has neither a name nor an ID", nil).
			WithCode(engine.ErrCodeValidation)
	}
	return resourceID, nil
}

// diffAttrs compares desired attrs against actual state, ignoring the
// server-assigned fields the desired document never carries.
func (p *provider) diffAttrs(desired, actual map[string]interface{}) []engine.Change {
	var changes []engine.Change

	keys := make([]string, 0, len(desired))
	for k := range desired {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		want := desired[k]
		have, ok := actual[k]
		if !ok {
			changes = append(changes, engine.Change{
				Path:           "." + k,
				After:          want,
				Action:         engine.ChangeActionAdd,
				ForcesRecreate: p.immutable[k],
			})
			continue
		}
		if !jsonValueEqual(want, have) {
			changes = append(changes, engine.Change{
				Path:           "." + k,
				Before:         have,
				After:          want,
				Action:         engine.ChangeActionModify,
				ForcesRecreate: p.immutable[k],
			})
		}
	}
	return changes
}

func createChanges(desired map[string]interface{}) []engine.Change {
	keys := make([]string, 0, len(desired))
	for k := range desired {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	changes := make([]engine.Change, 0, len(keys))
	for _, k := range keys {
		changes = append(changes, engine.Change{
			Path:   "." + k,
			After:  desired[k],
			Action: engine.ChangeActionAdd,
		})
	}
	return changes
}

func recordState(record *cloudapi.Record) map[string]interface{} {
	state := make(map[string]interface{}, len(record.Attrs)+3)
	for k, v := range record.Attrs {
		state[k] = v
	}
	state["name"] = record.Name
	state["self_link"] = record.SelfLink
	state["generation"] = record.Generation
	return state
}

func decodeDoc(raw json.RawMessage) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("decode document: %v", err), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return doc, nil
}

// jsonValueEqual compares values as JSON so an int desired value matches
// the float64 the state round-trips through.
func jsonValueEqual(a, b interface{}) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

func isNotFound(err error) bool {
	var perr *engine.ProvisionError
	return errors.As(err, &perr) && perr.Code == engine.ErrCodeNotFound
}
