package ssh

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/openfroyo/archstate/pkg/runner"
)

// RunnerTransport uploads and starts archstate-runner over an SSH client.
// It satisfies the micro_runner client Transport interface.
type RunnerTransport struct {
	client *Client

	// Sudo runs the runner through "sudo -n" so states can manage packages.
	Sudo bool

	// Args are passed to the runner.
	Args []string
}

// NewRunnerTransport wraps a connected client.
func NewRunnerTransport(client *Client, sudo bool) *RunnerTransport {
	return &RunnerTransport{client: client, Sudo: sudo}
}

// Upload copies the runner binary and makes it executable.
func (t *RunnerTransport) Upload(ctx context.Context, localPath, remotePath string) error {
	return t.client.Upload(ctx, localPath, remotePath, 0755)
}

// Execute starts the runner and returns its stdin and stdout.
func (t *RunnerTransport) Execute(ctx context.Context, remotePath string) (io.WriteCloser, io.ReadCloser, error) {
	return t.client.Start(ctx, t.command(remotePath))
}

// Cleanup removes the runner binary.
func (t *RunnerTransport) Cleanup(ctx context.Context, remotePath string) error {
	res, err := t.client.Run(ctx, "rm -f "+runner.Quote(remotePath), nil)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("failed to remove %s: %s", remotePath, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (t *RunnerTransport) command(remotePath string) string {
	cmd := runner.Join(runner.Quote(remotePath), t.Args...)
	if t.Sudo {
		cmd = "sudo -n " + cmd
	}
	return cmd
}
