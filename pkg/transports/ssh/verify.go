package ssh

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Runner is the node-facing surface the verifier needs.
type Runner interface {
	Connect(ctx context.Context) error
	Run(ctx context.Context, command string) (*CommandResult, error)
	Upload(ctx context.Context, content []byte, remotePath string, mode os.FileMode) error
	Close() error
}

// Node identifies one cluster member to verify.
type Node struct {
	Name   string
	Config *Config
}

// NodeReport is the verification outcome for one node.
type NodeReport struct {
	Node     string
	Healthy  bool
	Output   string
	Error    string
	Duration time.Duration
}

// Verifier probes cluster nodes after apply and pushes their startup
// scripts into place.
type Verifier struct {
	dial  func(cfg *Config) (Runner, error)
	probe string
	log   zerolog.Logger
}

// DefaultProbeCommand reports whether the bootstrap unit finished.
const DefaultProbeCommand = "systemctl is-active bootstrap.service"

// DefaultScriptPath is where startup scripts land on the node.
const DefaultScriptPath = "/var/lib/bootstrap/startup.sh"

// NewVerifier creates a verifier using real SSH connections.
func NewVerifier(logger zerolog.Logger) *Verifier {
	log := logger.With().Str("component", "verify").Logger()
	return &Verifier{
		probe: DefaultProbeCommand,
		log:   log,
		dial: func(cfg *Config) (Runner, error) {
			return NewClient(cfg, log)
		},
	}
}

// WithProbe overrides the health probe command.
func (v *Verifier) WithProbe(command string) *Verifier {
	v.probe = command
	return v
}

// Verify probes every node. A node that cannot be reached or whose
// probe exits non-zero is reported unhealthy; the error return is for
// setup failures only.
func (v *Verifier) Verify(ctx context.Context, nodes []Node) ([]NodeReport, error) {
	if len(nodes) == 0 {
		return nil, nil
	}

	reports := make([]NodeReport, 0, len(nodes))
	for _, node := range nodes {
		reports = append(reports, v.verifyNode(ctx, node))
	}
	return reports, nil
}

func (v *Verifier) verifyNode(ctx context.Context, node Node) NodeReport {
	start := time.Now()
	report := NodeReport{Node: node.Name}

	runner, err := v.dial(node.Config)
	if err != nil {
		report.Error = err.Error()
		report.Duration = time.Since(start)
		return report
	}
	defer runner.Close()

	if err := runner.Connect(ctx); err != nil {
		report.Error = err.Error()
		report.Duration = time.Since(start)
		v.log.Warn().Str("node", node.Name).Err(err).Msg("node unreachable")
		return report
	}

	result, err := runner.Run(ctx, v.probe)
	report.Duration = time.Since(start)
	if err != nil {
		report.Error = err.Error()
		return report
	}

	report.Output = result.Stdout
	if result.ExitCode != 0 {
		report.Error = fmt.Sprintf("probe exited %d: %s", result.ExitCode, result.Stderr)
		return report
	}

	report.Healthy = true
	v.log.Debug().Str("node", node.Name).Dur("took", report.Duration).Msg("node healthy")
	return report
}

// PushStartupScript uploads the rendered startup script to one node.
func (v *Verifier) PushStartupScript(ctx context.Context, node Node, script string) error {
	runner, err := v.dial(node.Config)
	if err != nil {
		return err
	}
	defer runner.Close()

	if err := runner.Connect(ctx); err != nil {
		return err
	}
	if err := runner.Upload(ctx, []byte(script), DefaultScriptPath, 0o755); err != nil {
		return fmt.Errorf("push startup script to %s: %w", node.Name, err)
	}
	v.log.Info().Str("node", node.Name).Msg("startup script pushed")
	return nil
}
