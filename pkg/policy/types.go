package policy

import (
	"time"

	"github.com/openfroyo/archstate/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that are logged but never block a run.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block a run.
	SeverityError Severity = "error"

	// SeverityCritical blocks a run like SeverityError.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity deny a run.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code. Violations are read
// from the deny set of the module's package.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin is set for policies shipped with archstate.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata, such as the source file.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Violation is a single deny entry produced by a policy.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// StateID is the offending state, empty for file-wide violations.
	StateID string `json:"state_id,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// toEngine converts the violation into the applier's form.
func (v Violation) toEngine() engine.PolicyViolation {
	severity := string(SeverityWarning)
	if v.Severity.Blocking() {
		severity = string(SeverityError)
	}
	return engine.PolicyViolation{
		Policy:   v.Policy,
		StateID:  v.StateID,
		Message:  v.Message,
		Severity: severity,
	}
}

// PolicyResult represents the result of policy evaluation.
type PolicyResult struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that don't block the run.
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the policies were evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// All returns blocking violations followed by warnings.
func (r *PolicyResult) All() []Violation {
	all := make([]Violation, 0, len(r.Violations)+len(r.Warnings))
	all = append(all, r.Violations...)
	return append(all, r.Warnings...)
}

// StateInput is one state declaration as seen by Rego.
type StateInput struct {
	ID       string                 `json:"id"`
	Function string                 `json:"function"`
	Name     string                 `json:"name"`
	Args     map[string]interface{} `json:"args"`
	Require  []string               `json:"require"`
}

// PolicyInput is the input document for policy evaluation.
type PolicyInput struct {
	// States are the declarations of the state file in file order.
	States []StateInput `json:"states"`

	// Context describes the run.
	Context PolicyContext `json:"context"`
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// User is the user running archstate.
	User string `json:"user,omitempty"`

	// BuildUser is the configured non-root build user.
	BuildUser string `json:"build_user,omitempty"`

	// Hostname is the host the states are applied to.
	Hostname string `json:"hostname,omitempty"`

	// Test is true for dry runs.
	Test bool `json:"test"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// NewPolicyInput builds the input document from state declarations.
func NewPolicyInput(decls []engine.StateDecl, pctx PolicyContext) *PolicyInput {
	states := make([]StateInput, 0, len(decls))
	for _, d := range decls {
		args := d.Args
		if args == nil {
			args = map[string]interface{}{}
		}
		require := d.Require
		if require == nil {
			require = []string{}
		}
		states = append(states, StateInput{
			ID:       d.ID,
			Function: d.Function,
			Name:     d.StateName(),
			Args:     args,
			Require:  require,
		})
	}
	if pctx.Timestamp.IsZero() {
		pctx.Timestamp = time.Now()
	}
	return &PolicyInput{States: states, Context: pctx}
}

// PolicyBundle is a JSON file carrying several policies.
type PolicyBundle struct {
	// Name is the unique name of the bundle.
	Name string `json:"name"`

	// Version is the bundle version.
	Version string `json:"version"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Policies are the policies in this bundle.
	Policies []Policy `json:"policies"`
}
