package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is wrapped by lookups that match no row.
var ErrNotFound = errors.New("not found")

// RunStatus represents the status of an apply run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusDenied    RunStatus = "denied"
)

// Terminal reports whether the run has completed.
func (s RunStatus) Terminal() bool {
	return s != RunStatusRunning
}

// EventLevel represents the severity level of an event.
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// RunSummary holds the counters of a completed run.
type RunSummary struct {
	Succeeded  int   `json:"succeeded"`
	Failed     int   `json:"failed"`
	Changed    int   `json:"changed"`
	Pending    int   `json:"pending"`
	DurationMs int64 `json:"duration_ms"`
}

// Run is one apply of a state file.
type Run struct {
	ID          string     `json:"id"`
	StateFile   string     `json:"state_file"`
	Test        bool       `json:"test"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Summary     string     `json:"summary"` // JSON RunSummary
}

// StateResult is the stored outcome of one state in a run.
type StateResult struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	StateID    string    `json:"state_id"`
	Function   string    `json:"function"`
	Name       string    `json:"name"`
	Result     string    `json:"result"`  // true, false or none
	Changes    string    `json:"changes"` // JSON object
	Comment    string    `json:"comment"`
	Skipped    bool      `json:"skipped"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Event is an append-only log line, optionally tied to a run.
type Event struct {
	ID        int64      `json:"id"`
	RunID     *string    `json:"run_id,omitempty"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	CreatedAt time.Time  `json:"created_at"`
}

// Store defines the interface for the run history.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	CompleteRun(ctx context.Context, id string, status RunStatus, summary *RunSummary, errMsg *string) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// State result operations
	SaveStateResult(ctx context.Context, result *StateResult) error
	ListStateResults(ctx context.Context, runID string) ([]*StateResult, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, runID *string, level *EventLevel, limit, offset int) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
