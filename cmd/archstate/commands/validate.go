package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gookit/color"
	"github.com/spf13/cobra"

	"github.com/openfroyo/archstate/pkg/config"
	"github.com/openfroyo/archstate/pkg/engine"
	"github.com/openfroyo/archstate/pkg/policy"
)

// validation is the outcome of checking a state file without running it.
type validation struct {
	File     string             `json:"file"`
	States   int                `json:"states"`
	Sequence []string           `json:"sequence"`
	Problems []string           `json:"problems,omitempty"`
	Warnings []string           `json:"warnings,omitempty"`
	Denied   []policy.Violation `json:"denied,omitempty"`
	Policy   []policy.Violation `json:"policy_warnings,omitempty"`
}

func (v *validation) failed(strict bool) bool {
	if len(v.Problems) > 0 || len(v.Denied) > 0 {
		return true
	}
	return strict && (len(v.Warnings) > 0 || len(v.Policy) > 0)
}

func newValidateCommand() *cobra.Command {
	var (
		strict bool
		graph  bool
	)

	cmd := &cobra.Command{
		Use:   "validate STATEFILE",
		Short: "Validate a state file without applying it",
		Long: `Validate a state file against the schema, the state functions and the
policies.

This command checks:
  - YAML syntax and the state file schema
  - Require references and cycles
  - That every state function exists and its module can run here
  - Policy compliance (OPA/rego)`,
		Example: `  # Validate a state file
  archstate validate /srv/archstate/workstation.yaml

  # Fail on warnings too
  archstate validate --strict workstation.yaml

  # Render the requisite graph
  archstate validate --graph workstation.yaml | dot -Tpng -o states.png`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			ctx := cmd.Context()
			path := args[0]

			decls, err := config.NewStateFileParser().ParseFile(ctx, path)
			if err != nil {
				return err
			}

			builder := engine.NewDAGBuilder()
			g, err := builder.BuildGraph(decls)
			if err != nil {
				return err
			}
			if err := builder.ValidateGraph(g); err != nil {
				return err
			}
			if graph {
				_, err := io.WriteString(e.out, builder.ToDOT())
				return err
			}

			h, err := e.host()
			if err != nil {
				return err
			}
			result := &validation{File: path, States: len(decls), Sequence: g.Sequence}
			checkFunctions(result, decls, h.Registry)

			eng, err := e.policyEngine(ctx)
			if err != nil {
				return err
			}
			hostname, _ := os.Hostname()
			pr, err := eng.Evaluate(ctx, decls, e.policyContext(hostname))
			if err != nil {
				return err
			}
			result.Denied = pr.Violations
			result.Policy = pr.Warnings
			for _, msg := range pr.Errors {
				result.Warnings = append(result.Warnings, "policy evaluation: "+msg)
			}

			if err := printValidation(e.out, result); err != nil {
				return err
			}
			if result.failed(strict) {
				return ErrStatesFailed
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "treat warnings as failures")
	cmd.Flags().BoolVar(&graph, "graph", false, "print the requisite graph in DOT format and exit")

	return cmd
}

// checkFunctions reports unknown state functions as problems and modules
// that can't run on this host as warnings.
func checkFunctions(v *validation, decls []engine.StateDecl, reg *engine.Registry) {
	for _, d := range decls {
		_, err := reg.Lookup(d.Function)
		if err == nil {
			continue
		}
		msg := fmt.Sprintf("%s: %s", d.ID, engine.Comment(err))
		var ee *engine.EngineError
		if errors.As(err, &ee) && ee.Code == engine.ErrCodeUnavailable {
			v.Warnings = append(v.Warnings, msg)
			continue
		}
		v.Problems = append(v.Problems, msg)
	}
}

func printValidation(w io.Writer, v *validation) error {
	if jsonOutput {
		return writeJSON(w, v)
	}

	var b strings.Builder
	for _, p := range v.Problems {
		fmt.Fprintf(&b, "%s %s\n", color.Red.Sprint("✗"), p)
	}
	for _, viol := range v.Denied {
		fmt.Fprintf(&b, "%s %s\n", color.Red.Sprint("✗"), formatViolation(viol))
	}
	for _, warn := range v.Warnings {
		fmt.Fprintf(&b, "%s %s\n", color.Yellow.Sprint("!"), warn)
	}
	for _, viol := range v.Policy {
		fmt.Fprintf(&b, "%s %s\n", color.Yellow.Sprint("!"), formatViolation(viol))
	}
	if len(v.Problems) == 0 && len(v.Denied) == 0 {
		fmt.Fprintf(&b, "%s %s: %d states valid\n", color.Green.Sprint("✓"), v.File, v.States)
		fmt.Fprintf(&b, "  order: %s\n", strings.Join(v.Sequence, " -> "))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func formatViolation(v policy.Violation) string {
	if v.StateID != "" {
		return fmt.Sprintf("[%s] %s: %s", v.Policy, v.StateID, v.Message)
	}
	return fmt.Sprintf("[%s] %s", v.Policy, v.Message)
}
