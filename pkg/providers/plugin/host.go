// Package plugin loads provider plugins compiled to WASM and exposes
// them behind the engine.Provider contract. Plugins export a fixed set
// of functions (provider_init, provider_read, provider_plan,
// provider_apply, provider_destroy, provider_validate) that exchange
// JSON documents through linear memory.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	wazeroapi "github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/groundworkhq/groundwork/pkg/engine"
)

// HostConfig tunes the WASM runtime a plugin executes in.
type HostConfig struct {
	// Timeout bounds each exported-function call.
	Timeout time.Duration

	// MemoryLimitPages caps linear memory in 64KiB pages.
	MemoryLimitPages uint32
}

// DefaultHostConfig returns the limits used when none are configured:
// 30s per call and 16MiB of memory.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		Timeout:          30 * time.Second,
		MemoryLimitPages: 256,
	}
}

// hostProvider runs one plugin instance. It implements engine.Provider.
type hostProvider struct {
	manifest *Manifest
	runtime  wazero.Runtime
	module   wazeroapi.Module
	calls    map[string]wazeroapi.Function
	malloc   wazeroapi.Function
	free     wazeroapi.Function
	timeout  time.Duration
	granted  map[string]bool
	log      zerolog.Logger
}

var exportedCalls = []string{
	"provider_init",
	"provider_read",
	"provider_plan",
	"provider_apply",
	"provider_destroy",
	"provider_validate",
}

func newHostProvider(ctx context.Context, manifest *Manifest, wasmModule []byte, cfg HostConfig, logger zerolog.Logger) (*hostProvider, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	module, err := runtime.Instantiate(ctx, wasmModule)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate plugin %s: %w", manifest.Key(), err)
	}

	p := &hostProvider{
		manifest: manifest,
		runtime:  runtime,
		module:   module,
		calls:    make(map[string]wazeroapi.Function, len(exportedCalls)),
		timeout:  cfg.Timeout,
		granted:  make(map[string]bool, len(manifest.Capabilities)),
		log:      logger.With().Str("component", "plugin").Str("plugin", manifest.Key()).Logger(),
	}
	for _, cap := range manifest.Capabilities {
		p.granted[cap] = true
	}

	if module.Memory() == nil {
		p.Close(ctx)
		return nil, fmt.Errorf("plugin %s exports no memory", manifest.Key())
	}
	if p.malloc = module.ExportedFunction("malloc"); p.malloc == nil {
		p.Close(ctx)
		return nil, fmt.Errorf("plugin %s exports no malloc", manifest.Key())
	}
	if p.free = module.ExportedFunction("free"); p.free == nil {
		p.Close(ctx)
		return nil, fmt.Errorf("plugin %s exports no free", manifest.Key())
	}
	for _, name := range exportedCalls {
		fn := module.ExportedFunction(name)
		if fn == nil {
			p.Close(ctx)
			return nil, fmt.Errorf("plugin %s exports no %s", manifest.Key(), name)
		}
		p.calls[name] = fn
	}

	return p, nil
}

func (p *hostProvider) Init(ctx context.Context, config engine.ProviderConfig) error {
	for _, cap := range config.Capabilities {
		if !p.granted[cap] {
			return engine.NewPermanentError(fmt.Sprintf("plugin %s was not granted capability %s", p.manifest.Key(), cap), nil).
				WithCode(engine.ErrCodePermissionDenied)
		}
	}
	_, err := p.invoke(ctx, "provider_init", config)
	return err
}

func (p *hostProvider) Read(ctx context.Context, req engine.ReadRequest) (*engine.ReadResponse, error) {
	var resp engine.ReadResponse
	if err := p.invokeInto(ctx, "provider_read", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (p *hostProvider) Plan(ctx context.Context, req engine.PlanRequest) (*engine.PlanResponse, error) {
	var resp engine.PlanResponse
	if err := p.invokeInto(ctx, "provider_plan", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (p *hostProvider) Apply(ctx context.Context, req engine.ApplyRequest) (*engine.ApplyResponse, error) {
	var resp engine.ApplyResponse
	if err := p.invokeInto(ctx, "provider_apply", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (p *hostProvider) Destroy(ctx context.Context, req engine.DestroyRequest) (*engine.DestroyResponse, error) {
	var resp engine.DestroyResponse
	if err := p.invokeInto(ctx, "provider_destroy", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (p *hostProvider) Validate(ctx context.Context, config json.RawMessage) error {
	out, err := p.invoke(ctx, "provider_validate", config)
	if err != nil {
		return err
	}
	var verdict struct {
		Valid  bool     `json:"valid"`
		Errors []string `json:"errors,omitempty"`
	}
	if err := json.Unmarshal(out, &verdict); err != nil {
		return fmt.Errorf("plugin %s: decode validation verdict: %w", p.manifest.Key(), err)
	}
	if !verdict.Valid {
		return engine.NewPermanentError(fmt.Sprintf("plugin validation failed: %v", verdict.Errors), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

func (p *hostProvider) Metadata() engine.ProviderMetadata {
	return engine.ProviderMetadata{
		Name:                 p.manifest.Name,
		Version:              p.manifest.Version,
		Description:          p.manifest.Description,
		ResourceTypes:        p.manifest.ResourceTypes,
		RequiredCapabilities: p.manifest.Capabilities,
	}
}

// Close releases the WASM runtime.
func (p *hostProvider) Close(ctx context.Context) error {
	if p.module != nil {
		if err := p.module.Close(ctx); err != nil {
			return fmt.Errorf("close plugin module: %w", err)
		}
		p.module = nil
	}
	if p.runtime != nil {
		if err := p.runtime.Close(ctx); err != nil {
			return fmt.Errorf("close plugin runtime: %w", err)
		}
		p.runtime = nil
	}
	return nil
}

func (p *hostProvider) invokeInto(ctx context.Context, name string, req, resp interface{}) error {
	out, err := p.invoke(ctx, name, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(out, resp); err != nil {
		return fmt.Errorf("plugin %s: decode %s response: %w", p.manifest.Key(), name, err)
	}
	return nil
}

// invoke marshals req, passes it through linear memory, and returns the
// plugin's JSON response. Plugins report failures as {"error": "..."}.
func (p *hostProvider) invoke(ctx context.Context, name string, req interface{}) ([]byte, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", name, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.call(callCtx, p.calls[name], input)
	if err != nil {
		if callCtx.Err() != nil {
			return nil, engine.NewTransientError(fmt.Sprintf("plugin %s: %s timed out after %v", p.manifest.Key(), name, p.timeout), nil).
				WithCode(engine.ErrCodeTimeout)
		}
		return nil, engine.NewPermanentError(fmt.Sprintf("plugin %s: %s: %v", p.manifest.Key(), name, err), nil).
			WithCode(engine.ErrCodeProviderFailed)
	}

	var failure struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(out, &failure); err == nil && failure.Error != "" {
		return nil, engine.NewPermanentError(fmt.Sprintf("plugin %s: %s", p.manifest.Key(), failure.Error), nil).
			WithCode(engine.ErrCodeProviderFailed)
	}
	return out, nil
}

// call writes input into plugin memory, invokes fn and reads back the
// packed (ptr<<32 | len) result.
func (p *hostProvider) call(ctx context.Context, fn wazeroapi.Function, input []byte) ([]byte, error) {
	memory := p.module.Memory()

	var inputPtr uint32
	if len(input) > 0 {
		results, err := p.malloc.Call(ctx, uint64(len(input)))
		if err != nil {
			return nil, fmt.Errorf("malloc: %w", err)
		}
		inputPtr = uint32(results[0])
		if inputPtr == 0 {
			return nil, fmt.Errorf("malloc returned null")
		}
		defer p.free.Call(ctx, uint64(inputPtr))

		if !memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("write input to plugin memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(len(input)))
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("plugin call returned no result")
	}

	packed := results[0]
	outPtr := uint32(packed >> 32)
	outLen := uint32(packed & 0xFFFFFFFF)
	if outLen == 0 {
		return []byte("{}"), nil
	}

	out, ok := memory.Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("read output from plugin memory")
	}
	result := make([]byte, len(out))
	copy(result, out)

	if _, err := p.free.Call(ctx, uint64(outPtr)); err != nil {
		p.log.Warn().Err(err).Msg("free plugin output")
	}
	return result, nil
}
