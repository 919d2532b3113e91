package protocol

import (
	"encoding/json"
	"testing"
)

func TestValidate(t *testing.T) {
	params := json.RawMessage(`{"function":"appimage.is_installed","args":{"name":"obsidian"}}`)

	tests := []struct {
		name    string
		v       interface{ Validate() error }
		wantErr bool
	}{
		{"ready type", MessageTypeReady, false},
		{"exit type", MessageTypeExit, false},
		{"lowercase type", MessageType("cmd"), true},
		{"empty type", MessageType(""), true},

		{"state.apply", CommandTypeStateApply, false},
		{"module.call", CommandTypeModuleCall, false},
		{"exec", CommandTypeExec, false},
		{"file.write", CommandType("file.write"), true},

		{"module call command", &CommandMessage{ID: "c1", Type: CommandTypeModuleCall, Timeout: 10, Params: params}, false},
		{"command without id", &CommandMessage{Type: CommandTypeModuleCall, Timeout: 10, Params: params}, true},
		{"command with unknown type", &CommandMessage{ID: "c1", Type: "pkg.install", Timeout: 10, Params: params}, true},
		{"command with negative timeout", &CommandMessage{ID: "c1", Type: CommandTypeExec, Timeout: -1, Params: params}, true},
		{"command without params", &CommandMessage{ID: "c1", Type: CommandTypeExec, Timeout: 10}, true},

		{"download progress", &EventMessage{CommandID: "c1", Level: "debug", Message: "fetching", Progress: &ProgressInfo{Current: 512, Total: 1024, Unit: "bytes"}}, false},
		{"warn event", &EventMessage{CommandID: "c1", Level: "warn", Message: "retrying"}, false},
		{"error level event", &EventMessage{CommandID: "c1", Level: "error", Message: "boom"}, true},
		{"event without command", &EventMessage{Level: "info", Message: "orphan"}, true},

		{"state", &StateApplyParams{Function: "makepkg.installed", ID: "paru"}, false},
		{"state without function", &StateApplyParams{ID: "paru"}, true},
		{"state without id", &StateApplyParams{Function: "makepkg.installed"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.v.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestModuleFunctionsRoundTrip(t *testing.T) {
	for _, fn := range []string{
		ModuleAppImageIsInstalled,
		ModuleMakepkgGetPkgname,
		ModuleMakepkgIsInstalled,
		ModulePacmanGetBuildUser,
	} {
		raw, err := json.Marshal(ModuleCallParams{Function: fn})
		if err != nil {
			t.Fatalf("marshal %s: %v", fn, err)
		}
		var back ModuleCallParams
		if err := ParseParams(raw, &back); err != nil {
			t.Fatalf("parse %s: %v", fn, err)
		}
		if back.Function != fn || back.Args != nil {
			t.Errorf("unexpected params %+v for %s", back, fn)
		}
	}
}
