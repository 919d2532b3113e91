package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// Result is the tri-state outcome of a state.
type Result string

const (
	// ResultTrue means the system is in the desired state.
	ResultTrue Result = "true"

	// ResultFalse means the state failed.
	ResultFalse Result = "false"

	// ResultNone means the state would make changes. Only returned in test mode.
	ResultNone Result = "none"
)

// ResultOf converts a boolean into a Result.
func ResultOf(ok bool) Result {
	if ok {
		return ResultTrue
	}
	return ResultFalse
}

// MarshalJSON encodes the result as true, false or null.
func (r Result) MarshalJSON() ([]byte, error) {
	switch r {
	case ResultTrue:
		return []byte("true"), nil
	case ResultFalse:
		return []byte("false"), nil
	case ResultNone, "":
		return []byte("null"), nil
	default:
		return nil, fmt.Errorf("invalid result %q", string(r))
	}
}

// UnmarshalJSON decodes true, false or null.
func (r *Result) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "true":
		*r = ResultTrue
	case "false":
		*r = ResultFalse
	case "null":
		*r = ResultNone
	default:
		return fmt.Errorf("invalid result %s", string(data))
	}
	return nil
}

// Changes describes what a state changed. Typically {} or {"old": ..., "new": ...};
// multi-package states nest one map per package.
type Changes map[string]interface{}

// MarshalJSON always encodes an object, never null.
func (c Changes) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]interface{}(c))
}

// OldNew builds the common {old, new} change set.
func OldNew(oldValue, newValue string) Changes {
	return Changes{"old": oldValue, "new": newValue}
}

// StateResult is what every state function returns.
type StateResult struct {
	// Name is the name the state was invoked with.
	Name string `json:"name"`

	// Result is true, false or none.
	Result Result `json:"result"`

	// Changes lists the changes made, or that would be made in test mode.
	Changes Changes `json:"changes"`

	// Comment is a human-readable explanation.
	Comment string `json:"comment"`
}

// NewStateResult returns a successful result with no changes.
func NewStateResult(name string) StateResult {
	return StateResult{Name: name, Result: ResultTrue, Changes: Changes{}}
}

// Fail returns a failed result with the given comment.
func Fail(name, comment string) StateResult {
	return StateResult{Name: name, Result: ResultFalse, Changes: Changes{}, Comment: comment}
}

// Changed reports whether the result carries any changes.
func (r StateResult) Changed() bool {
	return len(r.Changes) > 0
}

// StateDecl is one entry of a state file.
type StateDecl struct {
	// ID is the unique identifier of the state within the file.
	ID string `json:"id" yaml:"id"`

	// Function is the state function, e.g. "appimage.installed".
	Function string `json:"function" yaml:"function"`

	// Name is passed to the function; defaults to ID.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Args are the function arguments.
	Args map[string]interface{} `json:"args,omitempty" yaml:"args,omitempty"`

	// Require lists the IDs of states that must succeed first.
	Require []string `json:"require,omitempty" yaml:"require,omitempty"`

	// Order is the position of the state in its file. Ties in dependency
	// order are broken by it.
	Order int `json:"order" yaml:"order"`
}

// StateName returns the name passed to the state function.
func (d StateDecl) StateName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// StateOutcome is a StateResult together with where and how long it ran.
type StateOutcome struct {
	// ID is the state ID from the state file.
	ID string `json:"id"`

	// Function is the state function that ran.
	Function string `json:"function"`

	// Result is the state function's result.
	Result StateResult `json:"result"`

	// Skipped is set when a requisite failed and the function never ran.
	Skipped bool `json:"skipped,omitempty"`

	// StartedAt is when the state started.
	StartedAt time.Time `json:"started_at"`

	// Duration is how long the state took.
	Duration time.Duration `json:"duration"`
}

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
	RunStatusDenied    = "denied"
)

// RunReport summarizes one apply of a state file.
type RunReport struct {
	// RunID identifies the run.
	RunID string `json:"run_id"`

	// Source is the state file the run came from.
	Source string `json:"source"`

	// Test is true for dry runs.
	Test bool `json:"test"`

	// Results holds the outcomes in execution order.
	Results []StateOutcome `json:"results"`

	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Changed   int `json:"changed"`
	Pending   int `json:"pending"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// Duration is the total wall time.
	Duration time.Duration `json:"duration"`
}

// Status returns RunStatusFailed if any state failed, RunStatusSucceeded otherwise.
func (r *RunReport) Status() string {
	if r.Failed > 0 {
		return RunStatusFailed
	}
	return RunStatusSucceeded
}

// add appends an outcome and updates the counters.
func (r *RunReport) add(outcome StateOutcome) {
	r.Results = append(r.Results, outcome)
	switch outcome.Result.Result {
	case ResultTrue:
		r.Succeeded++
	case ResultFalse:
		r.Failed++
	default:
		r.Pending++
	}
	if outcome.Result.Changed() {
		r.Changed++
	}
}

// Outcome returns the outcome for a state ID.
func (r *RunReport) Outcome(id string) (StateOutcome, bool) {
	for _, o := range r.Results {
		if o.ID == id {
			return o, true
		}
	}
	return StateOutcome{}, false
}

// PolicyViolation is a policy decision against one or more states.
type PolicyViolation struct {
	// Policy is the name of the policy that produced the violation.
	Policy string `json:"policy"`

	// StateID is the offending state, empty for file-wide violations.
	StateID string `json:"state_id,omitempty"`

	// Message explains the violation.
	Message string `json:"message"`

	// Severity is "error" (blocks the run) or "warning".
	Severity string `json:"severity"`
}
