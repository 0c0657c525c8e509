package telemetry

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty service name", func(c *Config) { c.ServiceName = "" }},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
		{"bad exporter", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger2"
		}},
		{"bad sampling rate", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SamplingRate = 1.5
		}},
		{"metrics without address", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.ListenAddress = ""
		}},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("debug") != zerolog.DebugLevel {
		t.Error("debug level not parsed")
	}
	if parseLevel("unknown") != zerolog.InfoLevel {
		t.Error("unknown level should default to info")
	}
}

func TestLoggerJSONOutput(t *testing.T) {
	logger, err := NewLogger(LoggingConfig{Level: "info", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	var buf bytes.Buffer
	logger = logger.Output(&buf)
	logger.Info().Str("component", "planner").Msg("plan built")

	out := buf.String()
	if !strings.Contains(out, `"component":"planner"`) || !strings.Contains(out, "plan built") {
		t.Errorf("unexpected log output: %s", out)
	}

	buf.Reset()
	logger.Debug().Msg("below threshold")
	if buf.Len() != 0 {
		t.Errorf("debug line not filtered at info level: %s", buf.String())
	}
}

func TestMetricsDisabledIsNoop(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	m.RecordRunStarted("prod")
	m.RecordRunCompleted("succeeded", time.Second)
	m.RecordUnitRetry("transient")
	m.RecordDriftDetection("cloud.network", "drifted")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("disabled metrics handler code = %d, want 404", rec.Code)
	}
}

func TestMetricsScrape(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, Namespace: "groundwork", Path: "/metrics"})

	m.RecordRunStarted("prod")
	m.RecordUnitExecution("create", "succeeded", "cloud.network", 120*time.Millisecond)
	m.RecordUnitRetry("throttled")
	m.RecordPolicyViolation("bucket-no-public-access", "error")
	m.RecordRunCompleted("succeeded", 2*time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("scrape code = %d", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"groundwork_runs_started_total",
		`groundwork_plan_units_executed_total{operation="create",status="succeeded"} 1`,
		`groundwork_plan_unit_retries_total{class="throttled"} 1`,
		`groundwork_policy_violations_total{policy="bucket-no-public-access",severity="error"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}

func TestTracerDisabled(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{Enabled: false}, "groundwork", "dev", "test")
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}
	ctx, span := tracer.Start(context.Background(), "plan")
	span.End()
	if ctx == nil {
		t.Fatal("nil context from span start")
	}
	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
