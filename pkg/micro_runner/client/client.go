// Package client drives an archstate-runner over a Transport.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/archstate/pkg/engine"
	"github.com/openfroyo/archstate/pkg/micro_runner/protocol"
)

// Transport defines the interface for uploading and executing the runner.
type Transport interface {
	// Upload copies the runner binary to the target host
	Upload(ctx context.Context, localPath, remotePath string) error
	// Execute starts the runner process and returns stdin/stdout
	Execute(ctx context.Context, remotePath string) (stdin io.WriteCloser, stdout io.ReadCloser, err error)
	// Cleanup removes the runner binary from the target host
	Cleanup(ctx context.Context, remotePath string) error
}

// ErrClosed is returned for commands sent after Close.
var ErrClosed = errors.New("client is closed")

// CommandError is an ERROR reply from the runner.
type CommandError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command failed: %s - %s", e.Code, e.Message)
}

// Config contains client configuration options.
type Config struct {
	Transport  Transport
	RunnerPath string // Path to local runner binary
	RemotePath string // Path on the target host

	StartupTimeout time.Duration
	CommandTimeout time.Duration
	Logger         zerolog.Logger
}

// Client manages communication with one runner instance. Commands are
// serialized; the protocol carries one command at a time.
type Client struct {
	cfg     Config
	encoder *protocol.Encoder
	decoder *protocol.Decoder
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	ready   *protocol.ReadyMessage
	exit    *protocol.ExitMessage

	mu     sync.Mutex
	cmdMu  sync.Mutex
	closed bool
}

// NewClient validates cfg and fills in defaults.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.RunnerPath == "" {
		return nil, fmt.Errorf("runner path is required")
	}
	if cfg.RemotePath == "" {
		cfg.RemotePath = "/tmp/archstate-runner"
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = time.Hour
	}
	return &Client{cfg: cfg}, nil
}

// Start uploads the runner binary, starts it and waits for READY.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	if err := c.cfg.Transport.Upload(ctx, c.cfg.RunnerPath, c.cfg.RemotePath); err != nil {
		return fmt.Errorf("failed to upload runner: %w", err)
	}

	stdin, stdout, err := c.cfg.Transport.Execute(ctx, c.cfg.RemotePath)
	if err != nil {
		return fmt.Errorf("failed to start runner: %w", err)
	}

	c.stdin = stdin
	c.stdout = stdout
	c.encoder = protocol.NewEncoder(stdin)
	c.decoder = protocol.NewDecoder(stdout)

	readyCtx, cancel := context.WithTimeout(ctx, c.cfg.StartupTimeout)
	defer cancel()

	readyCh := make(chan *protocol.ReadyMessage, 1)
	errCh := make(chan error, 1)

	go func() {
		msg, err := c.decoder.Decode()
		if err != nil {
			errCh <- err
			return
		}
		if msg.Type != protocol.MessageTypeReady {
			errCh <- fmt.Errorf("expected READY, got %s", msg.Type)
			return
		}
		var ready protocol.ReadyMessage
		if err := protocol.ParseParams(msg.Data, &ready); err != nil {
			errCh <- err
			return
		}
		readyCh <- &ready
	}()

	select {
	case <-readyCtx.Done():
		return fmt.Errorf("timeout waiting for READY message")
	case err := <-errCh:
		return fmt.Errorf("failed to receive READY: %w", err)
	case ready := <-readyCh:
		c.ready = ready
		c.cfg.Logger.Debug().
			Str("version", ready.Version).
			Str("platform", ready.Platform+"/"+ready.Arch).
			Int("pid", ready.PID).
			Msg("Runner ready")
		return nil
	}
}

// Execute sends a command to the runner and waits for completion.
func (c *Client) Execute(ctx context.Context, cmd *protocol.CommandMessage) (*protocol.DoneMessage, error) {
	return c.ExecuteWithEvents(ctx, cmd, nil)
}

// ExecuteWithEvents sends a command and streams its events to eventCh.
// Without a channel, events are logged at debug level.
func (c *Client) ExecuteWithEvents(ctx context.Context, cmd *protocol.CommandMessage, eventCh chan<- *protocol.EventMessage) (*protocol.DoneMessage, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	if c.closed || c.encoder == nil {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := c.encoder.EncodeCommand(cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	for {
		msg, err := c.decoder.Decode()
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		switch msg.Type {
		case protocol.MessageTypeEvent:
			var event protocol.EventMessage
			if err := protocol.ParseParams(msg.Data, &event); err != nil {
				return nil, fmt.Errorf("failed to parse event: %w", err)
			}
			if eventCh != nil {
				eventCh <- &event
			} else {
				c.cfg.Logger.Debug().Str("command_id", event.CommandID).Str("level", event.Level).Msg(event.Message)
			}

		case protocol.MessageTypeDone:
			var done protocol.DoneMessage
			if err := protocol.ParseParams(msg.Data, &done); err != nil {
				return nil, fmt.Errorf("failed to parse done: %w", err)
			}
			if done.CommandID != cmd.ID {
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, done.CommandID)
			}
			return &done, nil

		case protocol.MessageTypeError:
			var errMsg protocol.ErrorMessage
			if err := protocol.ParseParams(msg.Data, &errMsg); err != nil {
				return nil, fmt.Errorf("failed to parse error: %w", err)
			}
			if errMsg.CommandID != "" && errMsg.CommandID != cmd.ID {
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, errMsg.CommandID)
			}
			return nil, &CommandError{Code: errMsg.Code, Message: errMsg.Message, Retryable: errMsg.Retryable}

		case protocol.MessageTypeExit:
			var exit protocol.ExitMessage
			if err := protocol.ParseParams(msg.Data, &exit); err == nil {
				c.mu.Lock()
				c.exit = &exit
				c.mu.Unlock()
			}
			return nil, fmt.Errorf("runner exited unexpectedly: %s", exit.Reason)

		default:
			return nil, fmt.Errorf("unexpected message type: %s", msg.Type)
		}
	}
}

// call builds and runs a command of type typ.
func (c *Client) call(ctx context.Context, typ protocol.CommandType, params, result interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}

	timeout := c.cfg.CommandTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	seconds := int(timeout.Seconds())
	if seconds < 1 {
		seconds = 1
	}

	done, err := c.Execute(ctx, &protocol.CommandMessage{
		ID:      uuid.NewString(),
		Type:    typ,
		Timeout: seconds,
		Params:  raw,
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(done.Result, result); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", typ, err)
	}
	return nil
}

// ApplyState runs one state on the runner's host.
func (c *Client) ApplyState(ctx context.Context, params protocol.StateApplyParams) (engine.StateResult, error) {
	var result engine.StateResult
	if err := params.Validate(); err != nil {
		return result, err
	}
	err := c.call(ctx, protocol.CommandTypeStateApply, params, &result)
	return result, err
}

// CallModule calls a read-only module function and returns its value.
func (c *Client) CallModule(ctx context.Context, function string, args map[string]interface{}) (interface{}, error) {
	var result protocol.ModuleCallResult
	err := c.call(ctx, protocol.CommandTypeModuleCall, protocol.ModuleCallParams{Function: function, Args: args}, &result)
	return result.Value, err
}

// Exec runs a shell command on the runner's host.
func (c *Client) Exec(ctx context.Context, params protocol.ExecParams) (*protocol.ExecResult, error) {
	var result protocol.ExecResult
	if err := c.call(ctx, protocol.CommandTypeExec, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Ready returns the READY message received during startup.
func (c *Client) Ready() *protocol.ReadyMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Exit returns the EXIT message, once the runner has sent it.
func (c *Client) Exit() *protocol.ExitMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exit
}

// Close closes stdin so the runner exits, waits briefly for its EXIT
// message, and removes the binary unless the runner deleted itself.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var errs []error

	if c.stdin != nil {
		if err := c.stdin.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close stdin: %w", err))
		}
	}

	if c.decoder != nil {
		c.awaitExit(ctx)
	}

	if c.stdout != nil {
		if err := c.stdout.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close stdout: %w", err))
		}
	}

	if exit := c.Exit(); exit == nil || !exit.SelfDeleted {
		if err := c.cfg.Transport.Cleanup(ctx, c.cfg.RemotePath); err != nil {
			c.cfg.Logger.Debug().Err(err).Str("path", c.cfg.RemotePath).Msg("Failed to remove runner binary")
		}
	}

	return errors.Join(errs...)
}

func (c *Client) awaitExit(ctx context.Context) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	exitCh := make(chan *protocol.ExitMessage, 1)
	go func() {
		defer close(exitCh)
		for {
			msg, err := c.decoder.Decode()
			if err != nil {
				return
			}
			if msg.Type != protocol.MessageTypeExit {
				continue
			}
			var exit protocol.ExitMessage
			if err := protocol.ParseParams(msg.Data, &exit); err == nil {
				exitCh <- &exit
			}
			return
		}
	}()

	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()
	select {
	case exit, ok := <-exitCh:
		if ok {
			c.mu.Lock()
			c.exit = exit
			c.mu.Unlock()
		}
	case <-timer.C:
	case <-ctx.Done():
	}
}
