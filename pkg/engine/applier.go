package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/archstate/pkg/telemetry"
)

// PolicyGate evaluates a state file before it is applied.
type PolicyGate interface {
	Check(ctx context.Context, decls []StateDecl) ([]PolicyViolation, error)
}

// RunRecorder persists runs and their state results.
type RunRecorder interface {
	RunStarted(ctx context.Context, report *RunReport) error
	StateFinished(ctx context.Context, runID string, outcome StateOutcome) error
	RunFinished(ctx context.Context, report *RunReport) error
}

// ApplierOption configures an Applier.
type ApplierOption func(*Applier)

// WithPolicyGate makes the applier evaluate policies before running states.
func WithPolicyGate(gate PolicyGate) ApplierOption {
	return func(a *Applier) { a.gate = gate }
}

// WithRecorder makes the applier persist runs.
func WithRecorder(recorder RunRecorder) ApplierOption {
	return func(a *Applier) { a.recorder = recorder }
}

// WithTelemetry attaches metrics, tracing and events.
func WithTelemetry(tel *telemetry.Telemetry) ApplierOption {
	return func(a *Applier) { a.tel = tel }
}

// Applier runs state files. States run one at a time in requisite order,
// since the package tools they drive hold a global lock.
type Applier struct {
	registry *Registry
	gate     PolicyGate
	recorder RunRecorder
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
}

// NewApplier creates an applier over a registry.
func NewApplier(registry *Registry, logger zerolog.Logger, opts ...ApplierOption) *Applier {
	a := &Applier{
		registry: registry,
		logger:   logger.With().Str("component", "applier").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// PolicyDeniedError is returned when an error-severity policy violation
// blocks a run.
type PolicyDeniedError struct {
	Violations []PolicyViolation
}

func (e *PolicyDeniedError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if v.StateID != "" {
			msgs = append(msgs, fmt.Sprintf("%s: %s (%s)", v.StateID, v.Message, v.Policy))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s (%s)", v.Message, v.Policy))
		}
	}
	return "policy denied run: " + strings.Join(msgs, "; ")
}

// Apply builds the requisite graph of decls, checks policies, and runs every
// state. The returned error covers problems with the file itself; failing
// states are reported in the RunReport.
func (a *Applier) Apply(ctx context.Context, source string, decls []StateDecl, test bool) (*RunReport, error) {
	builder := NewDAGBuilder()
	graph, err := builder.BuildGraph(decls)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]StateDecl, len(decls))
	for _, d := range decls {
		byID[d.ID] = d
	}

	report := &RunReport{
		RunID:     uuid.New().String(),
		Source:    source,
		Test:      test,
		Results:   make([]StateOutcome, 0, len(decls)),
		StartedAt: time.Now(),
	}
	logger := a.logger.With().Str("run_id", report.RunID).Logger()

	if err := a.checkPolicies(ctx, report.RunID, decls, logger); err != nil {
		return nil, err
	}

	if a.tel != nil {
		ctx = a.tel.WithContext(ctx)
	}
	ctx, span := a.tracer().StartRunSpan(ctx, report.RunID, test)
	defer span.End()

	a.metrics().RecordRunStarted()
	_ = a.events().PublishRunStarted(report.RunID, source, test)
	if a.recorder != nil {
		if err := a.recorder.RunStarted(ctx, report); err != nil {
			logger.Warn().Err(err).Msg("Failed to record run start")
		}
	}

	logger.Info().Str("source", source).Int("states", len(decls)).Bool("test", test).Msg("Applying states")

	for _, id := range graph.Sequence {
		decl := byID[id]
		outcome := a.runState(ctx, report, decl, test, logger)
		report.add(outcome)

		if a.recorder != nil {
			if err := a.recorder.StateFinished(ctx, report.RunID, outcome); err != nil {
				logger.Warn().Err(err).Str("state_id", id).Msg("Failed to record state result")
			}
		}
	}

	report.Duration = time.Since(report.StartedAt)
	status := report.Status()

	a.metrics().RecordRunCompleted(status, report.Duration)
	_ = a.events().PublishRunCompleted(report.RunID, status, report.Duration)
	if a.recorder != nil {
		if err := a.recorder.RunFinished(ctx, report); err != nil {
			logger.Warn().Err(err).Msg("Failed to record run completion")
		}
	}
	if report.Failed > 0 {
		telemetry.RecordError(span, fmt.Errorf("%d state(s) failed", report.Failed))
	} else {
		telemetry.RecordSuccess(span)
	}

	logger.Info().
		Str("status", status).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Int("changed", report.Changed).
		Int("pending", report.Pending).
		Dur("duration", report.Duration).
		Msg("Run finished")

	return report, nil
}

func (a *Applier) runState(ctx context.Context, report *RunReport, decl StateDecl, test bool, logger zerolog.Logger) StateOutcome {
	start := time.Now()
	outcome := StateOutcome{ID: decl.ID, Function: decl.Function, StartedAt: start}
	stateLogger := logger.With().Str("state_id", decl.ID).Str("function", decl.Function).Logger()

	if err := ctx.Err(); err != nil {
		outcome.Skipped = true
		outcome.Result = Fail(decl.StateName(), fmt.Sprintf("Run cancelled: %v", err))
		return outcome
	}

	if failed := failedRequisites(report, decl, test); len(failed) > 0 {
		outcome.Skipped = true
		outcome.Result = Fail(decl.StateName(), "One or more requisite failed: "+strings.Join(failed, ", "))
		stateLogger.Warn().Strs("requisites", failed).Msg("Skipping state")
		_ = a.events().PublishStateSkipped(report.RunID, decl.ID, failed)
		a.metrics().RecordState(decl.Function, string(ResultFalse), false, 0)
		return outcome
	}

	stateCtx, span := a.tracer().StartStateSpan(ctx, decl.ID, decl.Function)
	defer span.End()

	sc := &StateContext{
		Test:      test,
		RunID:     report.RunID,
		Registry:  a.registry,
		Logger:    stateLogger,
		Telemetry: a.tel,
	}

	stateLogger.Debug().Msg("Running state")
	outcome.Result = a.registry.Call(stateCtx, sc, decl)
	outcome.Duration = time.Since(start)

	res := string(outcome.Result.Result)
	span.SetAttributes(telemetry.AttrResult.String(res))
	if outcome.Result.Result == ResultFalse {
		telemetry.RecordError(span, fmt.Errorf("%s", outcome.Result.Comment))
		stateLogger.Error().Str("comment", outcome.Result.Comment).Msg("State failed")
	} else {
		telemetry.RecordSuccess(span)
		stateLogger.Info().
			Str("result", res).
			Bool("changed", outcome.Result.Changed()).
			Dur("duration", outcome.Duration).
			Msg(outcome.Result.Comment)
	}

	a.metrics().RecordState(decl.Function, res, outcome.Result.Changed(), outcome.Duration)
	_ = a.events().PublishStateResult(report.RunID, decl.ID, decl.Function, res, outcome.Result.Comment)
	return outcome
}

// failedRequisites lists the requisites of decl that did not succeed. In test
// mode a requisite that would change (None) counts as satisfied.
func failedRequisites(report *RunReport, decl StateDecl, test bool) []string {
	var failed []string
	for _, req := range decl.Require {
		o, ok := report.Outcome(req)
		if !ok {
			failed = append(failed, req)
			continue
		}
		switch o.Result.Result {
		case ResultTrue:
		case ResultNone:
			if !test {
				failed = append(failed, req)
			}
		default:
			failed = append(failed, req)
		}
	}
	return failed
}

func (a *Applier) checkPolicies(ctx context.Context, runID string, decls []StateDecl, logger zerolog.Logger) error {
	if a.gate == nil {
		return nil
	}

	violations, err := a.gate.Check(ctx, decls)
	if err != nil {
		return NewPermanentError("policy evaluation failed", err).WithCode(ErrCodeInternal)
	}

	var denied []PolicyViolation
	for _, v := range violations {
		_ = a.events().PublishPolicyViolation(runID, v.StateID, v.Policy, v.Message)
		if v.Severity == "warning" {
			logger.Warn().Str("policy", v.Policy).Str("state_id", v.StateID).Msg(v.Message)
			continue
		}
		denied = append(denied, v)
	}

	if len(denied) > 0 {
		a.metrics().RecordError(string(ErrorClassPermanent), ErrCodePolicyDenied)
		return &PolicyDeniedError{Violations: denied}
	}
	return nil
}

func (a *Applier) tracer() *telemetry.Tracer {
	if a.tel == nil {
		return nil
	}
	return a.tel.Tracer
}

func (a *Applier) metrics() *telemetry.Metrics {
	if a.tel == nil {
		return nil
	}
	return a.tel.Metrics
}

func (a *Applier) events() *telemetry.EventPublisher {
	if a.tel == nil {
		return nil
	}
	return a.tel.Events
}
