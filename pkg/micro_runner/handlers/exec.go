// Package handlers implements the commands archstate-runner accepts.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"

	"github.com/openfroyo/archstate/pkg/micro_runner/protocol"
	"github.com/openfroyo/archstate/pkg/runner"
)

// ExecHandler handles shell command execution.
type ExecHandler struct {
	Executor runner.Executor
}

// Handle runs the command through the executor. A non-zero exit status is
// reported in the result, not as an error.
func (h *ExecHandler) Handle(ctx context.Context, params *protocol.ExecParams, eventCh chan<- *protocol.EventMessage) (*protocol.ExecResult, error) {
	if params.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	cmdline := params.Command
	if len(params.Args) > 0 {
		cmdline = runner.Join(params.Command, params.Args...)
	}

	runAs := currentUser()
	if params.RunAsBuildUser && h.Executor.BuildUser() != "" {
		runAs = h.Executor.BuildUser()
	}
	emit(ctx, eventCh, "debug", fmt.Sprintf("running %s as %s", params.Command, runAs))

	out, err := h.Executor.Run(ctx, cmdline, runner.Options{
		Cwd:        params.Cwd,
		Env:        params.Env,
		Stdin:      params.Stdin,
		Privileged: !params.RunAsBuildUser,
	})
	if err != nil {
		var cmdErr *runner.CommandError
		if !errors.As(err, &cmdErr) || out == nil {
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
	}

	return &protocol.ExecResult{
		ExitCode: out.ExitCode,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		Duration: out.Duration.Seconds(),
	}, nil
}

// currentUser names the user privileged commands run as.
func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return strconv.Itoa(os.Geteuid())
}

// emit sends a progress event unless the command is already cancelled. The
// runner fills in the command ID.
func emit(ctx context.Context, eventCh chan<- *protocol.EventMessage, level, msg string) {
	if eventCh == nil {
		return
	}
	select {
	case eventCh <- &protocol.EventMessage{Level: level, Message: msg}:
	case <-ctx.Done():
	}
}
