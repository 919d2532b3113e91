package handlers

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/archstate/pkg/engine"
	"github.com/openfroyo/archstate/pkg/micro_runner/protocol"
	"github.com/openfroyo/archstate/pkg/telemetry"
)

// StateHandler runs single states from the host's registry.
type StateHandler struct {
	Registry  *engine.Registry
	Logger    zerolog.Logger
	Telemetry *telemetry.Telemetry
}

// Handle runs one state. Failures of the state itself come back as a False
// result; an error means the command could not be run at all.
func (h *StateHandler) Handle(ctx context.Context, params *protocol.StateApplyParams, eventCh chan<- *protocol.EventMessage) (*engine.StateResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if h.Registry == nil {
		return nil, fmt.Errorf("no state registry configured")
	}

	decl := engine.StateDecl{
		ID:       params.ID,
		Function: params.Function,
		Name:     params.Name,
		Args:     params.Args,
	}
	emit(ctx, eventCh, "info", fmt.Sprintf("applying %s %s", decl.Function, decl.ID))

	sc := &engine.StateContext{
		Test:      params.Test,
		RunID:     params.RunID,
		Registry:  h.Registry,
		Logger:    h.Logger.With().Str("state", decl.ID).Str("function", decl.Function).Logger(),
		Telemetry: h.Telemetry,
	}
	result := h.Registry.Call(ctx, sc, decl)
	return &result, nil
}
