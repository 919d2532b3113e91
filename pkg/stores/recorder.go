package stores

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/archstate/pkg/engine"
)

// Recorder persists applier runs into a Store. It implements
// engine.RunRecorder.
type Recorder struct {
	store  Store
	logger zerolog.Logger
}

// NewRecorder creates a recorder over store.
func NewRecorder(store Store, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger.With().Str("component", "run-recorder").Logger(),
	}
}

// RunStarted creates the run row.
func (r *Recorder) RunStarted(ctx context.Context, report *engine.RunReport) error {
	return r.store.CreateRun(ctx, &Run{
		ID:        report.RunID,
		StateFile: report.Source,
		Test:      report.Test,
		Status:    RunStatusRunning,
		StartedAt: report.StartedAt,
	})
}

// StateFinished stores one state outcome. Failed states also get an error
// event.
func (r *Recorder) StateFinished(ctx context.Context, runID string, outcome engine.StateOutcome) error {
	changes, err := json.Marshal(outcome.Result.Changes)
	if err != nil {
		return fmt.Errorf("failed to encode changes of %s: %w", outcome.ID, err)
	}

	err = r.store.SaveStateResult(ctx, &StateResult{
		RunID:      runID,
		StateID:    outcome.ID,
		Function:   outcome.Function,
		Name:       outcome.Result.Name,
		Result:     string(outcome.Result.Result),
		Changes:    string(changes),
		Comment:    outcome.Result.Comment,
		Skipped:    outcome.Skipped,
		DurationMs: outcome.Duration.Milliseconds(),
		CreatedAt:  outcome.StartedAt.Add(outcome.Duration),
	})
	if err != nil {
		return err
	}

	if outcome.Result.Result == engine.ResultFalse {
		return r.event(ctx, runID, EventLevelError, fmt.Sprintf("%s (%s) failed: %s", outcome.ID, outcome.Function, outcome.Result.Comment))
	}
	return nil
}

// RunFinished stores the final status and counters.
func (r *Recorder) RunFinished(ctx context.Context, report *engine.RunReport) error {
	summary := &RunSummary{
		Succeeded:  report.Succeeded,
		Failed:     report.Failed,
		Changed:    report.Changed,
		Pending:    report.Pending,
		DurationMs: report.Duration.Milliseconds(),
	}
	return r.store.CompleteRun(ctx, report.RunID, RunStatus(report.Status()), summary, nil)
}

// RunDenied records a run that policies blocked before any state ran.
func (r *Recorder) RunDenied(ctx context.Context, report *engine.RunReport, denied *engine.PolicyDeniedError) error {
	if err := r.RunStarted(ctx, report); err != nil {
		return err
	}
	for _, v := range denied.Violations {
		msg := fmt.Sprintf("policy %s: %s", v.Policy, v.Message)
		if v.StateID != "" {
			msg = fmt.Sprintf("policy %s denied %s: %s", v.Policy, v.StateID, v.Message)
		}
		if err := r.event(ctx, report.RunID, EventLevelError, msg); err != nil {
			return err
		}
	}
	errMsg := denied.Error()
	return r.store.CompleteRun(ctx, report.RunID, RunStatusDenied, &RunSummary{}, &errMsg)
}

func (r *Recorder) event(ctx context.Context, runID string, level EventLevel, msg string) error {
	if err := r.store.AppendEvent(ctx, &Event{RunID: &runID, Level: level, Message: msg}); err != nil {
		r.logger.Warn().Err(err).Str("run_id", runID).Msg("Failed to append event")
		return err
	}
	return nil
}
