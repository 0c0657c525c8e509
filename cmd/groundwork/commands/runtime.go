package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/groundworkhq/groundwork/pkg/cloudapi"
	"github.com/groundworkhq/groundwork/pkg/config"
	"github.com/groundworkhq/groundwork/pkg/engine"
	"github.com/groundworkhq/groundwork/pkg/policy"
	"github.com/groundworkhq/groundwork/pkg/providers"
	"github.com/groundworkhq/groundwork/pkg/providers/plugin"
	"github.com/groundworkhq/groundwork/pkg/stores"
	"github.com/groundworkhq/groundwork/pkg/telemetry"
)

// runtime bundles the wired engine components for one CLI invocation.
type runtime struct {
	settings  *Settings
	logger    zerolog.Logger
	store     *stores.SQLiteStore
	client    *cloudapi.MemoryClient
	providers *providers.Registry
	parser    *config.CUEParser
	planner   engine.Planner
	scheduler engine.Scheduler
	drift     engine.DriftDetector
	policy    *policy.Engine
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
}

// newRuntime wires the full stack from the settings file.
func newRuntime(ctx context.Context) (*runtime, error) {
	settings, err := LoadSettings(settingsPath)
	if err != nil {
		return nil, err
	}

	logCfg := telemetry.DefaultConfig().Logging
	if settings.Telemetry.LogLevel != "" {
		logCfg.Level = settings.Telemetry.LogLevel
	}
	if settings.Telemetry.LogFormat != "" {
		logCfg.Format = settings.Telemetry.LogFormat
	}
	logger, err := telemetry.NewLogger(logCfg)
	if err != nil {
		return nil, err
	}
	if verbose {
		logger = logger.Level(zerolog.DebugLevel)
	}

	metricsCfg := telemetry.DefaultConfig().Metrics
	metricsCfg.Enabled = settings.Telemetry.Metrics
	metrics := telemetry.NewMetrics(metricsCfg)
	if settings.Telemetry.Metrics {
		metrics.Serve(logger)
	}

	tracingCfg := telemetry.DefaultConfig().Tracing
	tracingCfg.Enabled = settings.Telemetry.Tracing
	tracer, err := telemetry.NewTracer(tracingCfg, "groundwork", "dev", "cli")
	if err != nil {
		return nil, err
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: settings.Database.Path}, logger)
	if err != nil {
		return nil, fmt.Errorf("create state store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("initialize state store: %w", err)
	}

	client := cloudapi.NewMemoryClient(logger)

	plugins := plugin.NewRegistry(plugin.DefaultHostConfig(), settings.Plugins.AllowedCapabilities, logger)
	if settings.Plugins.Dir != "" {
		if _, err := os.Stat(settings.Plugins.Dir); err == nil {
			if err := plugins.ScanDirectory(ctx, settings.Plugins.Dir); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("scan plugin directory: %w", err)
			}
		}
	}

	registry, err := providers.NewRegistry(client, plugins, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create provider registry: %w", err)
	}

	policyEngine, err := policy.NewEngine(logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create policy engine: %w", err)
	}
	if len(settings.Policy.Paths) > 0 {
		if err := policyEngine.LoadPolicies(ctx, settings.Policy.Paths); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	events := stores.NewEventLog(store, logger)
	executor := engine.NewExecutor(registry, store)

	return &runtime{
		settings:  settings,
		logger:    logger,
		store:     store,
		client:    client,
		providers: registry,
		parser:    config.NewCUEParser(),
		planner:   engine.NewPlanner(registry, store),
		scheduler: engine.NewLevelScheduler(executor, store, events).WithMetrics(metrics),
		drift:     engine.NewDriftDetector(registry, store, events).WithMetrics(metrics),
		policy:    policyEngine,
		metrics:   metrics,
		tracer:    tracer,
	}, nil
}

// Close releases runtime resources.
func (r *runtime) Close(ctx context.Context) {
	if r.providers != nil {
		_ = r.providers.Close(ctx)
	}
	if r.tracer != nil {
		_ = r.tracer.Shutdown(ctx)
	}
	if r.store != nil {
		_ = r.store.Close()
	}
}

// evaluate parses and validates the configured sources.
func (r *runtime) evaluate(ctx context.Context) (*engine.Topology, error) {
	topo, err := r.parser.Evaluate(ctx, r.settings.Sources)
	if err != nil {
		return nil, err
	}
	if topo.Workspace == "" {
		topo.Workspace = r.settings.Workspace
	}
	if err := r.parser.Validate(ctx, topo); err != nil {
		return nil, err
	}
	return topo, nil
}

// gate evaluates policies and reports violations. It returns an error
// when enforcement is on and a blocking violation fired.
func (r *runtime) gate(result *engine.PolicyResult) error {
	for _, warning := range result.Warnings {
		fmt.Printf("  warning: %s\n", warning)
	}
	for _, v := range result.Violations {
		r.metrics.RecordPolicyViolation(v.Policy, v.Severity)
		fmt.Printf("  violation [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
	}
	if !result.Allowed && r.settings.Policy.Enforce {
		return fmt.Errorf("%d policy violation(s)", len(result.Violations))
	}
	return nil
}

func (r *runtime) executeOptions(dryRun bool) engine.ExecuteOptions {
	return engine.ExecuteOptions{
		MaxParallel: r.settings.Execution.MaxParallel,
		DryRun:      dryRun,
		FailFast:    r.settings.Execution.FailFast,
		User:        os.Getenv("USER"),
	}
}
