package client

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/archstate/pkg/engine"
	"github.com/openfroyo/archstate/pkg/micro_runner/handlers"
	"github.com/openfroyo/archstate/pkg/micro_runner/protocol"
	"github.com/openfroyo/archstate/pkg/micro_runner/server"
	"github.com/openfroyo/archstate/pkg/runner/runnertest"
)

// pipeTransport serves an in-process runner over pipes.
type pipeTransport struct {
	handler    server.Handler
	selfDelete string

	mu       sync.Mutex
	uploaded []string
	cleaned  []string
	exits    chan *protocol.ExitMessage
}

func newPipeTransport(h server.Handler) *pipeTransport {
	return &pipeTransport{handler: h, exits: make(chan *protocol.ExitMessage, 1)}
}

func (p *pipeTransport) Upload(ctx context.Context, localPath, remotePath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.uploaded = append(p.uploaded, localPath+"->"+remotePath)
	return nil
}

func (p *pipeTransport) Execute(ctx context.Context, remotePath string) (io.WriteCloser, io.ReadCloser, error) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	srv := &server.Server{
		Handler:    p.handler,
		Version:    "test",
		Logger:     zerolog.Nop(),
		SelfDelete: p.selfDelete != "",
		ExecPath:   p.selfDelete,
	}
	go func() {
		exit := srv.Serve(context.Background(), inR, outW)
		_ = outW.Close()
		p.exits <- exit
	}()
	return inW, outR, nil
}

func (p *pipeTransport) Cleanup(ctx context.Context, remotePath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleaned = append(p.cleaned, remotePath)
	return nil
}

func testDispatcher(t *testing.T) *handlers.Dispatcher {
	t.Helper()
	reg := engine.NewRegistry()
	err := reg.Register("test.echo", func(ctx context.Context, sc *engine.StateContext, name string, args map[string]interface{}) engine.StateResult {
		res := engine.NewStateResult(name)
		if sc.Test {
			res.Result = engine.ResultNone
			res.Comment = "would echo"
			return res
		}
		msg, _ := args["msg"].(string)
		res.Comment = msg
		res.Changes = engine.OldNew("", msg)
		return res
	})
	if err != nil {
		t.Fatalf("failed to register state: %v", err)
	}
	if err := reg.Register("test.fail", func(ctx context.Context, sc *engine.StateContext, name string, args map[string]interface{}) engine.StateResult {
		return engine.Fail(name, "it broke")
	}); err != nil {
		t.Fatalf("failed to register state: %v", err)
	}

	fake := runnertest.New().On("uname", runnertest.Response{Stdout: "Linux\n"})
	return &handlers.Dispatcher{
		Exec:  &handlers.ExecHandler{Executor: fake},
		State: &handlers.StateHandler{Registry: reg, Logger: zerolog.Nop()},
	}
}

func startClient(t *testing.T, tr Transport) *Client {
	t.Helper()
	c, err := NewClient(Config{Transport: tr, RunnerPath: "/usr/lib/archstate/archstate-runner", Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return c
}

func TestNewClient(t *testing.T) {
	if _, err := NewClient(Config{RunnerPath: "/bin/true"}); err == nil {
		t.Error("expected error without transport")
	}
	if _, err := NewClient(Config{Transport: &LocalTransport{}}); err == nil {
		t.Error("expected error without runner path")
	}
	c, err := NewClient(Config{Transport: &LocalTransport{}, RunnerPath: "/bin/true"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if c.cfg.RemotePath != "/tmp/archstate-runner" || c.cfg.StartupTimeout != 10*time.Second {
		t.Errorf("unexpected defaults %+v", c.cfg)
	}
	if _, err := c.Execute(context.Background(), &protocol.CommandMessage{}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed before Start, got %v", err)
	}
}

func TestClientCommands(t *testing.T) {
	tr := newPipeTransport(testDispatcher(t))
	c := startClient(t, tr)
	ctx := context.Background()

	ready := c.Ready()
	if ready == nil || ready.Version != "test" || !ready.Caps["state.apply"] || ready.Caps["module.call"] {
		t.Fatalf("unexpected READY %+v", ready)
	}
	if len(tr.uploaded) != 1 || tr.uploaded[0] != "/usr/lib/archstate/archstate-runner->/tmp/archstate-runner" {
		t.Errorf("unexpected uploads %v", tr.uploaded)
	}

	res, err := c.ApplyState(ctx, protocol.StateApplyParams{Function: "test.echo", ID: "hello", Args: map[string]interface{}{"msg": "hi"}})
	if err != nil {
		t.Fatalf("ApplyState() error = %v", err)
	}
	if res.Result != engine.ResultTrue || res.Comment != "hi" || res.Changes["new"] != "hi" {
		t.Errorf("unexpected result %+v", res)
	}

	res, err = c.ApplyState(ctx, protocol.StateApplyParams{Function: "test.echo", ID: "hello", Test: true})
	if err != nil {
		t.Fatalf("ApplyState() error = %v", err)
	}
	if res.Result != engine.ResultNone {
		t.Errorf("expected none in test mode, got %s", res.Result)
	}

	if _, err := c.ApplyState(ctx, protocol.StateApplyParams{ID: "x"}); err == nil {
		t.Error("expected validation error")
	}

	out, err := c.Exec(ctx, protocol.ExecParams{Command: "uname"})
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if out.ExitCode != 0 || out.Stdout != "Linux\n" {
		t.Errorf("unexpected exec result %+v", out)
	}

	_, err = c.CallModule(ctx, protocol.ModulePacmanGetBuildUser, nil)
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Code != "EXEC_FAILED" {
		t.Errorf("expected EXEC_FAILED command error, got %v", err)
	}

	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	exit := <-tr.exits
	if exit.Reason != server.ReasonStdinClosed || exit.CommandsTotal != 4 {
		t.Errorf("unexpected exit %+v", exit)
	}
	if got := c.Exit(); got == nil || got.Reason != server.ReasonStdinClosed {
		t.Errorf("expected client to see EXIT, got %+v", got)
	}
	if len(tr.cleaned) != 1 || tr.cleaned[0] != "/tmp/archstate-runner" {
		t.Errorf("expected one cleanup, got %v", tr.cleaned)
	}
	if _, err := c.Exec(ctx, protocol.ExecParams{Command: "uname"}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
	if err := c.Close(ctx); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestClientEvents(t *testing.T) {
	c := startClient(t, newPipeTransport(testDispatcher(t)))
	defer c.Close(context.Background())

	eventCh := make(chan *protocol.EventMessage, 10)
	done, err := c.ExecuteWithEvents(context.Background(), &protocol.CommandMessage{
		ID:      "cmd-events",
		Type:    protocol.CommandTypeStateApply,
		Timeout: 10,
		Params:  []byte(`{"function":"test.echo","id":"hello"}`),
	}, eventCh)
	if err != nil {
		t.Fatalf("ExecuteWithEvents() error = %v", err)
	}
	if done.CommandID != "cmd-events" {
		t.Errorf("unexpected command id %s", done.CommandID)
	}
	close(eventCh)
	var msgs []string
	for evt := range eventCh {
		if evt.CommandID != "cmd-events" {
			t.Errorf("event carries command id %q", evt.CommandID)
		}
		msgs = append(msgs, evt.Message)
	}
	if len(msgs) != 1 || msgs[0] != "applying test.echo hello" {
		t.Errorf("unexpected events %v", msgs)
	}
}

func TestClientRegistry(t *testing.T) {
	c := startClient(t, newPipeTransport(testDispatcher(t)))
	defer c.Close(context.Background())

	fns := c.StateFunctions()
	if len(fns) != 2 || fns[0] != "test.echo" || fns[1] != "test.fail" {
		t.Fatalf("unexpected state functions %v", fns)
	}

	reg, err := c.Registry()
	if err != nil {
		t.Fatalf("Registry() error = %v", err)
	}

	decls := []engine.StateDecl{
		{ID: "greet", Function: "test.echo", Args: map[string]interface{}{"msg": "hello"}},
		{ID: "broken", Function: "test.fail"},
		{ID: "after", Function: "test.echo", Require: []string{"broken"}},
	}
	report, err := engine.NewApplier(reg, zerolog.Nop()).Apply(context.Background(), "remote.yaml", decls, false)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if report.Succeeded != 1 || report.Failed != 2 || report.Changed != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	greet, _ := report.Outcome("greet")
	if greet.Result.Comment != "hello" {
		t.Errorf("unexpected greet result %+v", greet.Result)
	}
	broken, _ := report.Outcome("broken")
	if broken.Result.Comment != "it broke" {
		t.Errorf("unexpected broken result %+v", broken.Result)
	}
	after, _ := report.Outcome("after")
	if !after.Skipped {
		t.Error("expected dependent state to be skipped")
	}
}

func TestClientSelfDelete(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "archstate-runner")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatalf("failed to write binary: %v", err)
	}
	tr := newPipeTransport(testDispatcher(t))
	tr.selfDelete = bin
	c := startClient(t, tr)

	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if exit := c.Exit(); exit == nil || !exit.SelfDeleted {
		t.Fatalf("expected self-deleted EXIT, got %+v", exit)
	}
	if len(tr.cleaned) != 0 {
		t.Errorf("expected no cleanup after self-delete, got %v", tr.cleaned)
	}
	if _, err := os.Stat(bin); !os.IsNotExist(err) {
		t.Errorf("expected binary to be removed, got %v", err)
	}
}

type silentTransport struct{ pipeTransport }

func (s *silentTransport) Execute(ctx context.Context, remotePath string) (io.WriteCloser, io.ReadCloser, error) {
	_, inW := io.Pipe()
	outR, _ := io.Pipe()
	return inW, outR, nil
}

func TestClientStartTimeout(t *testing.T) {
	c, err := NewClient(Config{
		Transport:      &silentTransport{},
		RunnerPath:     "/bin/true",
		StartupTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	err = c.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "timeout waiting for READY") {
		t.Errorf("expected READY timeout, got %v", err)
	}
}

func TestLocalTransport(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "runner")
	if err := os.WriteFile(src, []byte("binary"), 0755); err != nil {
		t.Fatalf("failed to write binary: %v", err)
	}
	ctx := context.Background()

	tr := &LocalTransport{}
	dst := filepath.Join(dir, "remote", "runner")
	if err := tr.Upload(ctx, src, dst); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "binary" {
		t.Fatalf("expected copied binary, got %q %v", data, err)
	}
	if err := tr.Cleanup(ctx, dst); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Errorf("expected copy to be removed, got %v", err)
	}

	if err := tr.Upload(ctx, src, src); err != nil {
		t.Fatalf("Upload() to same path error = %v", err)
	}
	if err := tr.Cleanup(ctx, src); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if _, err := os.Stat(src); err != nil {
		t.Errorf("expected original binary to survive cleanup: %v", err)
	}
}

func TestLocalTransportExecute(t *testing.T) {
	tr := &LocalTransport{}
	stdin, stdout, err := tr.Execute(context.Background(), "/bin/cat")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if _, err := io.WriteString(stdin, "ping\n"); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	stdin.Close()
	out, err := io.ReadAll(stdout)
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	if string(out) != "ping\n" {
		t.Errorf("expected echo, got %q", out)
	}
	if err := stdout.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
