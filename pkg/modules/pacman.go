package modules

import (
	"context"

	"github.com/openfroyo/archstate/pkg/runner"
)

// PacmanBuild runs package-tool commands as the configured non-root build
// user. makepkg and yay refuse to run as root.
type PacmanBuild struct {
	exec runner.Executor
}

// NewPacmanBuild wraps an executor.
func NewPacmanBuild(exec runner.Executor) *PacmanBuild {
	return &PacmanBuild{exec: exec}
}

// GetBuildUser returns pacman.nonroot_builder, or "" when unset.
func (p *PacmanBuild) GetBuildUser() string {
	return p.exec.BuildUser()
}

// RunCmd runs cmd as the build user and returns its stdout. A non-zero exit
// status is returned as *runner.CommandError.
func (p *PacmanBuild) RunCmd(ctx context.Context, cmd string, opts runner.Options) (string, error) {
	opts.Privileged = false
	return runner.RunCmd(ctx, p.exec, cmd, opts)
}

// Run runs cmd as the current user, for steps that need root.
func (p *PacmanBuild) Run(ctx context.Context, cmd string, opts runner.Options) (string, error) {
	opts.Privileged = true
	return runner.RunCmd(ctx, p.exec, cmd, opts)
}

// Executor returns the underlying executor.
func (p *PacmanBuild) Executor() runner.Executor {
	return p.exec
}
