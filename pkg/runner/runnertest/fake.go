// Package runnertest provides a scripted runner.Executor for tests.
package runnertest

import (
	"context"
	"strings"
	"sync"

	"github.com/openfroyo/archstate/pkg/runner"
)

// Response is the scripted outcome of a command.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int

	// Err is returned as-is instead of a CommandError.
	Err error

	// Do runs before the response is returned, e.g. to create files.
	Do func(cmd string, opts runner.Options)
}

// Call records one invocation.
type Call struct {
	Cmd  string
	Opts runner.Options
}

// Fake matches commands by prefix. The longest matching prefix wins;
// unmatched commands succeed with empty output.
type Fake struct {
	User string

	mu        sync.Mutex
	responses map[string]Response
	calls     []Call
}

// New creates a fake with no scripted responses.
func New() *Fake {
	return &Fake{responses: make(map[string]Response)}
}

// On scripts the response for commands starting with prefix.
func (f *Fake) On(prefix string, resp Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[prefix] = resp
	return f
}

// BuildUser implements runner.Executor.
func (f *Fake) BuildUser() string {
	return f.User
}

// Run implements runner.Executor.
func (f *Fake) Run(ctx context.Context, cmd string, opts runner.Options) (*runner.Output, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Cmd: cmd, Opts: opts})
	var resp Response
	best := -1
	for prefix, r := range f.responses {
		if strings.HasPrefix(cmd, prefix) && len(prefix) > best {
			resp, best = r, len(prefix)
		}
	}
	f.mu.Unlock()

	if resp.Do != nil {
		resp.Do(cmd, opts)
	}
	if resp.Err != nil {
		return nil, resp.Err
	}

	out := &runner.Output{Stdout: resp.Stdout, Stderr: resp.Stderr, ExitCode: resp.ExitCode}
	if resp.ExitCode != 0 {
		return out, &runner.CommandError{Cmd: cmd, ExitCode: resp.ExitCode, Stdout: resp.Stdout, Stderr: resp.Stderr}
	}
	return out, nil
}

// Calls returns the recorded command lines.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmds := make([]string, len(f.calls))
	for i, c := range f.calls {
		cmds[i] = c.Cmd
	}
	return cmds
}

// CallOpts returns the options of the i-th call.
func (f *Fake) CallOpts(i int) runner.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i].Opts
}
