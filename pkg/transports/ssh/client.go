package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/groundworkhq/groundwork/pkg/engine"
)

// CommandResult is the outcome of one remote command.
type CommandResult struct {
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Client runs commands and uploads files on a single node.
type Client struct {
	config *Config
	log    zerolog.Logger
	dial   func(network, address string, config *ssh.ClientConfig) (*ssh.Client, error)

	mu     sync.Mutex
	client *ssh.Client
}

// NewClient creates a client for the given node. Call Connect before use.
func NewClient(config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	return &Client{
		config: config,
		log:    logger.With().Str("component", "ssh").Str("host", config.Host).Logger(),
		dial:   ssh.Dial,
	}, nil
}

// Connect dials the node. Dial failures are transient: nodes may still
// be booting when verification starts.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	clientConfig, err := c.config.BuildClientConfig()
	if err != nil {
		return engine.NewPermanentError(
			fmt.Sprintf("build ssh config for %s", c.config.Host), err).
			WithCode(engine.ErrCodeValidation)
	}

	address := c.config.Address()
	c.log.Debug().Str("address", address).Msg("dialing")

	type dialOutcome struct {
		client *ssh.Client
		err    error
	}
	resChan := make(chan dialOutcome, 1)
	go func() {
		client, err := c.dial("tcp", address, clientConfig)
		resChan <- dialOutcome{client: client, err: err}
	}()

	select {
	case <-ctx.Done():
		// The dial may still win the race and hand back a live
		// connection; reap it instead of leaking it.
		go func() {
			if res := <-resChan; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return engine.NewTransientError(
			fmt.Sprintf("connect to %s cancelled", address), ctx.Err()).
			WithCode(engine.ErrCodeTimeout)
	case res := <-resChan:
		if res.err != nil {
			return engine.NewTransientError(
				fmt.Sprintf("connect to %s failed", address), res.err)
		}
		c.client = res.client
		c.log.Debug().Str("address", address).Msg("connected")
		return nil
	}
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// Run executes a command and captures its output. A non-zero exit is
// reported in the result, not as an error.
func (c *Client) Run(ctx context.Context, command string) (*CommandResult, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return nil, fmt.Errorf("not connected")
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, engine.NewTransientError(
			fmt.Sprintf("open session on %s", c.config.Host), err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	timeout := c.config.CommandTimeout
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-runCtx.Done():
		_ = session.Signal(ssh.SIGKILL)
		<-done
		return nil, engine.NewTransientError(
			fmt.Sprintf("command on %s timed out after %v", c.config.Host, timeout), runCtx.Err()).
			WithCode(engine.ErrCodeTimeout)
	case err := <-done:
		result := &CommandResult{
			Command:  command,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
		}
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				result.ExitCode = exitErr.ExitStatus()
				return result, nil
			}
			return nil, engine.NewTransientError(
				fmt.Sprintf("run command on %s", c.config.Host), err)
		}
		return result, nil
	}
}

// Upload writes content to a remote path over SFTP, creating parent
// directories as needed.
func (c *Client) Upload(ctx context.Context, content []byte, remotePath string, mode os.FileMode) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return fmt.Errorf("not connected")
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return engine.NewTransientError(
			fmt.Sprintf("open sftp session on %s", c.config.Host), err)
	}
	defer sftpClient.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sftpClient.MkdirAll(dir); err != nil {
			return engine.NewTransientError(
				fmt.Sprintf("create remote directory %s on %s", dir, c.config.Host), err)
		}
	}

	file, err := sftpClient.Create(remotePath)
	if err != nil {
		return engine.NewTransientError(
			fmt.Sprintf("create %s on %s", remotePath, c.config.Host), err)
	}
	if _, err := file.Write(content); err != nil {
		_ = file.Close()
		return engine.NewTransientError(
			fmt.Sprintf("write %s on %s", remotePath, c.config.Host), err)
	}
	if err := file.Close(); err != nil {
		return engine.NewTransientError(
			fmt.Sprintf("close %s on %s", remotePath, c.config.Host), err)
	}

	if err := sftpClient.Chmod(remotePath, mode); err != nil {
		return engine.NewTransientError(
			fmt.Sprintf("chmod %s on %s", remotePath, c.config.Host), err)
	}

	c.log.Debug().Str("path", remotePath).Int("bytes", len(content)).Msg("uploaded")
	return nil
}
