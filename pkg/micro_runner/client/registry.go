package client

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/archstate/pkg/engine"
	"github.com/openfroyo/archstate/pkg/micro_runner/protocol"
)

var nonStateCaps = map[string]bool{
	string(protocol.CommandTypeStateApply): true,
	string(protocol.CommandTypeModuleCall): true,
	string(protocol.CommandTypeExec):       true,
	protocol.ModuleAppImageIsInstalled:     true,
	protocol.ModuleMakepkgGetPkgname:       true,
	protocol.ModuleMakepkgIsInstalled:      true,
	protocol.ModulePacmanGetBuildUser:      true,
}

// StateFunctions returns the state functions the runner announced, sorted.
// Functions whose module is unavailable on the runner are included; calling
// them yields the runner's own failure comment.
func (c *Client) StateFunctions() []string {
	ready := c.Ready()
	if ready == nil {
		return nil
	}
	var fns []string
	for capName := range ready.Caps {
		if nonStateCaps[capName] || !strings.Contains(capName, ".") {
			continue
		}
		fns = append(fns, capName)
	}
	sort.Strings(fns)
	return fns
}

// Registry returns an engine registry whose state functions run on the
// runner, so the local applier can drive a remote host.
func (c *Client) Registry() (*engine.Registry, error) {
	if c.Ready() == nil {
		return nil, fmt.Errorf("runner not started")
	}
	reg := engine.NewRegistry()
	for _, fn := range c.StateFunctions() {
		if err := reg.Register(fn, c.remoteState(fn)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (c *Client) remoteState(function string) engine.StateFunc {
	return func(ctx context.Context, sc *engine.StateContext, name string, args map[string]interface{}) engine.StateResult {
		res, err := c.ApplyState(ctx, protocol.StateApplyParams{
			Function: function,
			ID:       name,
			Name:     name,
			Args:     args,
			Test:     sc.Test,
			RunID:    sc.RunID,
		})
		if err != nil {
			return engine.Fail(name, fmt.Sprintf("Remote state %s failed: %s", function, err))
		}
		return res
	}
}
