package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/archstate/pkg/engine"
	"github.com/openfroyo/archstate/pkg/fetch"
	"github.com/openfroyo/archstate/pkg/micro_runner/protocol"
	"github.com/openfroyo/archstate/pkg/modules"
	"github.com/openfroyo/archstate/pkg/runner/runnertest"
)

func newTestDispatcher(t *testing.T, fake *runnertest.Fake, root string) *Dispatcher {
	t.Helper()

	cfg := fetch.DefaultConfig()
	cfg.CacheDir = t.TempDir()
	cfg.FileRoots = []string{root}
	cfg.Progress = false
	cfg.Retries = 0
	fetcher := fetch.New(cfg, zerolog.Nop())

	pacman := modules.NewPacmanBuild(fake)
	reg := engine.NewRegistry()
	err := reg.Register("test.echo", func(ctx context.Context, sc *engine.StateContext, name string, args map[string]interface{}) engine.StateResult {
		res := engine.NewStateResult(name)
		if sc.Test {
			res.Result = engine.ResultNone
		}
		if msg, ok := args["msg"].(string); ok {
			res.Comment = msg
		}
		return res
	})
	if err != nil {
		t.Fatalf("failed to register state: %v", err)
	}
	reg.RegisterModule("broken", func() (bool, string) { return false, "missing binary" })
	if err := reg.Register("broken.installed", func(ctx context.Context, sc *engine.StateContext, name string, args map[string]interface{}) engine.StateResult {
		return engine.NewStateResult(name)
	}); err != nil {
		t.Fatalf("failed to register state: %v", err)
	}

	return &Dispatcher{
		Exec:  &ExecHandler{Executor: fake},
		State: &StateHandler{Registry: reg, Logger: zerolog.Nop()},
		Module: &ModuleHandler{
			AppImage: modules.NewAppImage(fetcher, zerolog.Nop()),
			Makepkg:  modules.NewMakepkg(fetcher, pacman, zerolog.Nop()),
			Pacman:   pacman,
		},
	}
}

func command(t *testing.T, typ protocol.CommandType, params interface{}) *protocol.CommandMessage {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("failed to marshal params: %v", err)
	}
	return &protocol.CommandMessage{ID: "cmd-1", Type: typ, Timeout: 30, Params: raw}
}

func TestExecHandler(t *testing.T) {
	fake := runnertest.New().
		On("makepkg", runnertest.Response{Stdout: "built\n"}).
		On("false", runnertest.Response{ExitCode: 1, Stderr: "nope"}).
		On("boom", runnertest.Response{Err: errors.New("fork failed")})
	fake.User = "builder"
	h := &ExecHandler{Executor: fake}
	ctx := context.Background()

	res, err := h.Handle(ctx, &protocol.ExecParams{
		Command:        "makepkg",
		Args:           []string{"--syncdeps", "--noconfirm"},
		Cwd:            "/tmp/build",
		Env:            map[string]string{"PKGDEST": "/tmp/out"},
		RunAsBuildUser: true,
	}, nil)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if res.ExitCode != 0 || res.Stdout != "built\n" {
		t.Errorf("unexpected result %+v", res)
	}
	calls := fake.Calls()
	if len(calls) != 1 || calls[0] != "makepkg '--syncdeps' '--noconfirm'" {
		t.Fatalf("unexpected calls %v", calls)
	}
	opts := fake.CallOpts(0)
	if opts.Privileged || opts.Cwd != "/tmp/build" || opts.Env["PKGDEST"] != "/tmp/out" {
		t.Errorf("unexpected options %+v", opts)
	}

	res, err = h.Handle(ctx, &protocol.ExecParams{Command: "false"}, nil)
	if err != nil {
		t.Fatalf("non-zero exit should not be an error: %v", err)
	}
	if res.ExitCode != 1 || res.Stderr != "nope" {
		t.Errorf("unexpected result %+v", res)
	}
	if !fake.CallOpts(1).Privileged {
		t.Error("expected root command to run privileged")
	}

	if _, err := h.Handle(ctx, &protocol.ExecParams{Command: "boom"}, nil); err == nil {
		t.Error("expected start failure to be an error")
	}
	if _, err := h.Handle(ctx, &protocol.ExecParams{}, nil); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestExecHandlerEvents(t *testing.T) {
	tests := []struct {
		name      string
		buildUser string
		asBuild   bool
		want      string
	}{
		{name: "privileged", buildUser: "builder", want: "running true as " + currentUser()},
		{name: "build user", buildUser: "builder", asBuild: true, want: "running true as builder"},
		{name: "no build user configured", asBuild: true, want: "running true as " + currentUser()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := runnertest.New()
			fake.User = tt.buildUser
			h := &ExecHandler{Executor: fake}
			eventCh := make(chan *protocol.EventMessage, 1)

			params := &protocol.ExecParams{Command: "true", RunAsBuildUser: tt.asBuild}
			if _, err := h.Handle(context.Background(), params, eventCh); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			select {
			case evt := <-eventCh:
				if evt.Message != tt.want {
					t.Errorf("expected event %q, got %q", tt.want, evt.Message)
				}
			default:
				t.Error("expected an event")
			}
		})
	}
}

func TestDispatcherStateApply(t *testing.T) {
	d := newTestDispatcher(t, runnertest.New(), t.TempDir())
	ctx := context.Background()

	tests := []struct {
		name        string
		params      protocol.StateApplyParams
		wantResult  engine.Result
		wantComment string
	}{
		{
			name:        "runs state",
			params:      protocol.StateApplyParams{Function: "test.echo", ID: "hello", Args: map[string]interface{}{"msg": "hi"}},
			wantResult:  engine.ResultTrue,
			wantComment: "hi",
		},
		{
			name:       "test mode",
			params:     protocol.StateApplyParams{Function: "test.echo", ID: "hello", Test: true},
			wantResult: engine.ResultNone,
		},
		{
			name:        "unknown function",
			params:      protocol.StateApplyParams{Function: "nope.installed", ID: "x"},
			wantResult:  engine.ResultFalse,
			wantComment: "State function nope.installed is not available",
		},
		{
			name:        "unavailable module",
			params:      protocol.StateApplyParams{Function: "broken.installed", ID: "x"},
			wantResult:  engine.ResultFalse,
			wantComment: "Module broken is not available: missing binary",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := d.Handle(ctx, command(t, protocol.CommandTypeStateApply, tt.params), nil)
			if err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			var res engine.StateResult
			if err := json.Unmarshal(raw, &res); err != nil {
				t.Fatalf("failed to decode result: %v", err)
			}
			if res.Result != tt.wantResult {
				t.Errorf("expected result %s, got %s (%s)", tt.wantResult, res.Result, res.Comment)
			}
			if res.Comment != tt.wantComment {
				t.Errorf("expected comment %q, got %q", tt.wantComment, res.Comment)
			}
			if res.Name != tt.params.ID {
				t.Errorf("expected name %s, got %s", tt.params.ID, res.Name)
			}
		})
	}

	if _, err := d.Handle(ctx, command(t, protocol.CommandTypeStateApply, protocol.StateApplyParams{ID: "x"}), nil); err == nil {
		t.Error("expected error for missing function")
	}
}

func TestDispatcherModuleCall(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "PKGBUILD"), []byte("pkgname=paru\npkgver=2.0\n"), 0644); err != nil {
		t.Fatalf("failed to write PKGBUILD: %v", err)
	}
	binDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(binDir, "obsidian"), []byte("x"), 0755); err != nil {
		t.Fatalf("failed to write appimage: %v", err)
	}

	fake := runnertest.New().
		On("pacman --query --info paru", runnertest.Response{Stdout: "Name : paru"}).
		On("pacman --query --info", runnertest.Response{ExitCode: 1})
	fake.User = "builder"
	d := newTestDispatcher(t, fake, root)
	ctx := context.Background()

	tests := []struct {
		name    string
		params  protocol.ModuleCallParams
		want    interface{}
		wantErr bool
	}{
		{"appimage installed", protocol.ModuleCallParams{Function: protocol.ModuleAppImageIsInstalled, Args: map[string]interface{}{"name": "obsidian", "target_dir": binDir}}, true, false},
		{"appimage missing", protocol.ModuleCallParams{Function: protocol.ModuleAppImageIsInstalled, Args: map[string]interface{}{"name": "zed", "target_dir": binDir}}, false, false},
		{"appimage no name", protocol.ModuleCallParams{Function: protocol.ModuleAppImageIsInstalled}, nil, true},
		{"pkgname", protocol.ModuleCallParams{Function: protocol.ModuleMakepkgGetPkgname, Args: map[string]interface{}{"source": "froyo://PKGBUILD"}}, "paru", false},
		{"pkgname missing source", protocol.ModuleCallParams{Function: protocol.ModuleMakepkgGetPkgname, Args: map[string]interface{}{"source": "froyo://nope/PKGBUILD"}}, nil, true},
		{"package installed", protocol.ModuleCallParams{Function: protocol.ModuleMakepkgIsInstalled, Args: map[string]interface{}{"pkgname": "paru"}}, true, false},
		{"package not installed", protocol.ModuleCallParams{Function: protocol.ModuleMakepkgIsInstalled, Args: map[string]interface{}{"pkgname": "yay"}}, false, false},
		{"build user", protocol.ModuleCallParams{Function: protocol.ModulePacmanGetBuildUser}, "builder", false},
		{"unknown", protocol.ModuleCallParams{Function: "appimage.installed"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := d.Handle(ctx, command(t, protocol.CommandTypeModuleCall, tt.params), nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Handle() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			var res protocol.ModuleCallResult
			if err := json.Unmarshal(raw, &res); err != nil {
				t.Fatalf("failed to decode result: %v", err)
			}
			if res.Value != tt.want {
				t.Errorf("expected %v, got %v", tt.want, res.Value)
			}
		})
	}
}

func TestDispatcherCapabilities(t *testing.T) {
	d := newTestDispatcher(t, runnertest.New(), t.TempDir())
	caps := d.Capabilities()

	want := map[string]bool{
		"exec":                        true,
		"state.apply":                 true,
		"module.call":                 true,
		"test.echo":                   true,
		"broken.installed":            false,
		"makepkg.get_pkgname":         true,
		"pacman_build.get_build_user": true,
	}
	for k, v := range want {
		if caps[k] != v {
			t.Errorf("capability %s: expected %v, got %v", k, v, caps[k])
		}
	}

	empty := &Dispatcher{}
	if _, err := empty.Handle(context.Background(), command(t, protocol.CommandTypeExec, protocol.ExecParams{Command: "ls"}), nil); err == nil {
		t.Error("expected error when no exec handler is configured")
	}
}
