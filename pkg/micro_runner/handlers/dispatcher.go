package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openfroyo/archstate/pkg/micro_runner/protocol"
)

// Dispatcher routes decoded commands to their handler.
type Dispatcher struct {
	Exec   *ExecHandler
	State  *StateHandler
	Module *ModuleHandler
}

// Capabilities reports the command types and module functions available,
// for the READY message.
func (d *Dispatcher) Capabilities() map[string]bool {
	caps := map[string]bool{
		string(protocol.CommandTypeExec):       d.Exec != nil,
		string(protocol.CommandTypeStateApply): d.State != nil,
		string(protocol.CommandTypeModuleCall): d.Module != nil,
	}
	if d.State != nil && d.State.Registry != nil {
		for _, fn := range d.State.Registry.Functions() {
			module, _, _ := strings.Cut(fn, ".")
			ok, _ := d.State.Registry.Available(module)
			caps[fn] = ok
		}
	}
	if d.Module != nil {
		for _, fn := range d.Module.Functions() {
			caps[fn] = true
		}
	}
	return caps
}

// Handle runs cmd and returns its JSON-encoded result.
func (d *Dispatcher) Handle(ctx context.Context, cmd *protocol.CommandMessage, eventCh chan<- *protocol.EventMessage) (json.RawMessage, error) {
	switch cmd.Type {
	case protocol.CommandTypeExec:
		if d.Exec == nil {
			break
		}
		var params protocol.ExecParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		result, err := d.Exec.Handle(ctx, &params, eventCh)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	case protocol.CommandTypeStateApply:
		if d.State == nil {
			break
		}
		var params protocol.StateApplyParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		result, err := d.State.Handle(ctx, &params, eventCh)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	case protocol.CommandTypeModuleCall:
		if d.Module == nil {
			break
		}
		var params protocol.ModuleCallParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		result, err := d.Module.Handle(ctx, &params, eventCh)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	}

	return nil, fmt.Errorf("unsupported command type: %s", cmd.Type)
}
