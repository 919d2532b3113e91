// Package runner executes shell commands, optionally as an unprivileged
// build user. makepkg and yay refuse to run as root, so every package-tool
// invocation goes through here.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/openfroyo/archstate/pkg/telemetry"
)

// DefaultShell runs command strings.
const DefaultShell = "/bin/sh"

// Options tune a single command.
type Options struct {
	// Cwd is the working directory.
	Cwd string

	// Env is added to the inherited environment.
	Env map[string]string

	// Stdin is fed to the command.
	Stdin string

	// Privileged runs the command as the current user even when a build
	// user is configured, for steps like chown and patch.
	Privileged bool
}

// Output is the captured result of a command.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Executor runs shell command strings. Runner is the real implementation;
// tests substitute a fake.
type Executor interface {
	// Run executes cmd and returns its output. A non-zero exit status is
	// returned as *CommandError together with the output.
	Run(ctx context.Context, cmd string, opts Options) (*Output, error)

	// BuildUser returns the configured build user, or "" to run as the
	// current user.
	BuildUser() string
}

// CommandError reports a command that exited non-zero.
type CommandError struct {
	Cmd      string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(e.Stdout)
	}
	if msg == "" {
		return fmt.Sprintf("command %q exited with status %d", e.Cmd, e.ExitCode)
	}
	return fmt.Sprintf("command %q exited with status %d: %s", e.Cmd, e.ExitCode, msg)
}

// ExitCodeOf returns the exit code carried by err, or -1.
func ExitCodeOf(err error) int {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.ExitCode
	}
	return -1
}

// Runner is the Executor used outside tests.
type Runner struct {
	buildUser string
	shell     string
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
}

// Option configures a Runner.
type Option func(*Runner)

// WithMetrics records every command in metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithShell overrides DefaultShell.
func WithShell(shell string) Option {
	return func(r *Runner) { r.shell = shell }
}

// New creates a runner. An empty buildUser runs commands as the current user.
func New(buildUser string, logger zerolog.Logger, opts ...Option) *Runner {
	r := &Runner{
		buildUser: buildUser,
		shell:     DefaultShell,
		logger:    logger.With().Str("component", "runner").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// BuildUser returns the configured build user.
func (r *Runner) BuildUser() string {
	return r.buildUser
}

// Run executes cmd through the shell in its own process group. If the context
// is cancelled the whole group is killed.
func (r *Runner) Run(ctx context.Context, cmdline string, opts Options) (*Output, error) {
	op := telemetry.StartOperation(ctx, "command", telemetry.AttrCommand.String(programName(cmdline)))
	out, err := r.run(op.Ctx, cmdline, opts)
	op.End(err)
	return out, err
}

func (r *Runner) run(ctx context.Context, cmdline string, opts Options) (*Output, error) {
	cmd := exec.Command(r.shell, "-c", cmdline)
	cmd.Dir = opts.Cwd
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	runAs := r.buildUser
	if opts.Privileged {
		runAs = ""
	}
	if runAs != "" {
		cred, home, err := lookupCredential(r.buildUser)
		if err != nil {
			return nil, err
		}
		if cred != nil {
			cmd.SysProcAttr.Credential = cred
			cmd.Env = append(cmd.Env, "HOME="+home, "USER="+r.buildUser, "LOGNAME="+r.buildUser)
		}
	}
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if opts.Stdin != "" {
		cmd.Stdin = strings.NewReader(opts.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	program := programName(cmdline)
	start := time.Now()

	if err := cmd.Start(); err != nil {
		r.metrics.RecordCommand(program, err, time.Since(start))
		return nil, fmt.Errorf("failed to start command %q: %w", cmdline, err)
	}

	pgid := cmd.Process.Pid
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = unix.Kill(-pgid, unix.SIGKILL)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)

	out := &Output{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	r.logger.Debug().
		Str("cmd", cmdline).
		Str("user", runAs).
		Str("cwd", opts.Cwd).
		Dur("duration", out.Duration).
		Msg("Ran command")

	if waitErr != nil {
		if ctx.Err() != nil {
			r.metrics.RecordCommand(program, ctx.Err(), out.Duration)
			return out, fmt.Errorf("command %q aborted: %w", cmdline, ctx.Err())
		}
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			r.metrics.RecordCommand(program, waitErr, out.Duration)
			return out, fmt.Errorf("failed to run command %q: %w", cmdline, waitErr)
		}
		out.ExitCode = exitErr.ExitCode()
		cmdErr := &CommandError{Cmd: cmdline, ExitCode: out.ExitCode, Stdout: out.Stdout, Stderr: out.Stderr}
		r.metrics.RecordCommand(program, cmdErr, out.Duration)
		r.logger.Debug().Int("exit_code", out.ExitCode).Str("stderr", strings.TrimSpace(out.Stderr)).Msg("Command failed")
		return out, cmdErr
	}

	r.metrics.RecordCommand(program, nil, out.Duration)
	return out, nil
}

// RunCmd runs cmd and returns its stdout.
func RunCmd(ctx context.Context, e Executor, cmd string, opts Options) (string, error) {
	out, err := e.Run(ctx, cmd, opts)
	if err != nil {
		return "", err
	}
	return out.Stdout, nil
}

// LookupIDs returns the uid and primary gid of a user.
func LookupIDs(username string) (uid, gid int, err error) {
	u, err := user.Lookup(username)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to look up user %s: %w", username, err)
	}
	uid, err = strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid uid %q for user %s", u.Uid, username)
	}
	gid, err = strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid gid %q for user %s", u.Gid, username)
	}
	return uid, gid, nil
}

// lookupCredential returns nil when the process already runs as username.
func lookupCredential(username string) (*syscall.Credential, string, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, "", fmt.Errorf("failed to look up build user %s: %w", username, err)
	}
	uid, gid, err := LookupIDs(username)
	if err != nil {
		return nil, "", err
	}
	if uid == os.Geteuid() {
		return nil, u.HomeDir, nil
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, u.HomeDir, nil
}

// Quote single-quotes s for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// Join quotes each argument after the first and joins them into a command
// line. The program itself is left as given.
func Join(program string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, program)
	for _, a := range args {
		parts = append(parts, Quote(a))
	}
	return strings.Join(parts, " ")
}

func programName(cmdline string) string {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return "sh"
	}
	name := fields[0]
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return name
}
