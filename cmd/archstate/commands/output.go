package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/gookit/color"

	"github.com/openfroyo/archstate/pkg/engine"
)

const (
	labelWidth = 12
	rule       = "----------"
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printReport writes a run report as JSON or as a highstate-style listing
// followed by a summary.
func printReport(w io.Writer, report *engine.RunReport) error {
	if jsonOutput {
		return writeJSON(w, report)
	}

	var b strings.Builder
	for _, o := range report.Results {
		writeOutcome(&b, o)
	}
	writeSummary(&b, report)
	_, err := io.WriteString(w, b.String())
	return err
}

// outcomeStyle colors a state block: green when nothing changed, cyan for
// changes, yellow for pending changes and red for failures.
func outcomeStyle(o engine.StateOutcome) color.Color {
	switch {
	case o.Result.Result == engine.ResultFalse:
		return color.Red
	case o.Result.Result == engine.ResultNone:
		return color.Yellow
	case o.Result.Changed():
		return color.Cyan
	default:
		return color.Green
	}
}

func resultLabel(r engine.Result) string {
	switch r {
	case engine.ResultTrue:
		return "True"
	case engine.ResultFalse:
		return "False"
	default:
		return "None"
	}
}

func writeOutcome(b *strings.Builder, o engine.StateOutcome) {
	style := outcomeStyle(o)
	field := func(label, value string) {
		b.WriteString(style.Sprintf("%*s: %s", labelWidth, label, value))
		b.WriteByte('\n')
	}

	b.WriteString(style.Sprint(rule))
	b.WriteByte('\n')
	field("ID", o.ID)
	field("Function", o.Function)
	field("Name", o.Result.Name)
	field("Result", resultLabel(o.Result.Result))
	writeComment(b, style, o.Result.Comment)
	if !o.StartedAt.IsZero() {
		field("Started", o.StartedAt.Format("15:04:05.000000"))
	}
	field("Duration", formatMillis(o.Duration))

	b.WriteString(style.Sprintf("%*s:", labelWidth, "Changes"))
	b.WriteByte('\n')
	if len(o.Result.Changes) > 0 {
		indent := strings.Repeat(" ", labelWidth+2)
		b.WriteString(indent + color.Cyan.Sprint(rule) + "\n")
		writeValue(b, o.Result.Changes, labelWidth+2)
	}
}

// writeComment keeps multi-line comments aligned under the first line.
func writeComment(b *strings.Builder, style color.Color, comment string) {
	lines := strings.Split(strings.TrimRight(comment, "\n"), "\n")
	b.WriteString(style.Sprintf("%*s: %s", labelWidth, "Comment", lines[0]))
	b.WriteByte('\n')
	pad := strings.Repeat(" ", labelWidth+2)
	for _, line := range lines[1:] {
		b.WriteString(style.Sprint(pad + line))
		b.WriteByte('\n')
	}
}

// writeValue prints nested changes with sorted keys, one level per indent
// step.
func writeValue(b *strings.Builder, v interface{}, indent int) {
	if c, ok := v.(engine.Changes); ok {
		v = map[string]interface{}(c)
	}
	pad := strings.Repeat(" ", indent)
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			switch child := val[k].(type) {
			case map[string]interface{}, []interface{}, engine.Changes:
				fmt.Fprintf(b, "%s%s:\n", pad, color.Cyan.Sprint(k))
				writeValue(b, child, indent+4)
			default:
				fmt.Fprintf(b, "%s%s: %v\n", pad, color.Cyan.Sprint(k), child)
			}
		}
	case []interface{}:
		for _, item := range val {
			switch child := item.(type) {
			case map[string]interface{}, []interface{}, engine.Changes:
				fmt.Fprintf(b, "%s-\n", pad)
				writeValue(b, child, indent+4)
			default:
				fmt.Fprintf(b, "%s- %v\n", pad, child)
			}
		}
	case []string:
		for _, item := range val {
			fmt.Fprintf(b, "%s- %s\n", pad, item)
		}
	default:
		fmt.Fprintf(b, "%s%v\n", pad, val)
	}
}

func writeSummary(b *strings.Builder, report *engine.RunReport) {
	b.WriteString("\nSummary\n")
	b.WriteString("------------\n")
	fmt.Fprintf(b, "Succeeded: %s", color.Green.Sprint(report.Succeeded))
	if report.Changed > 0 {
		fmt.Fprintf(b, " (%s)", color.Cyan.Sprintf("changed=%d", report.Changed))
	}
	b.WriteByte('\n')
	failed := fmt.Sprint(report.Failed)
	if report.Failed > 0 {
		failed = color.Red.Sprint(report.Failed)
	}
	fmt.Fprintf(b, "Failed:    %s\n", failed)
	if report.Pending > 0 {
		fmt.Fprintf(b, "Pending:   %s\n", color.Yellow.Sprint(report.Pending))
	}
	b.WriteString("------------\n")
	fmt.Fprintf(b, "Total states run: %5d\n", len(report.Results))
	fmt.Fprintf(b, "Total run time: %9.3f s\n", report.Duration.Seconds())
}

func formatMillis(d time.Duration) string {
	return fmt.Sprintf("%.3f ms", float64(d)/float64(time.Millisecond))
}

// printDenied explains why the policies blocked a run.
func printDenied(w io.Writer, denied *engine.PolicyDeniedError) error {
	if jsonOutput {
		return writeJSON(w, map[string]interface{}{
			"denied":     true,
			"violations": denied.Violations,
		})
	}

	var b strings.Builder
	b.WriteString(color.Red.Sprint("Run denied by policy:") + "\n")
	for _, v := range denied.Violations {
		writeViolation(&b, v)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func writeViolation(b *strings.Builder, v engine.PolicyViolation) {
	style := color.Yellow
	if v.Severity == "error" {
		style = color.Red
	}
	target := ""
	if v.StateID != "" {
		target = v.StateID + ": "
	}
	fmt.Fprintf(b, "  - %s %s%s\n", style.Sprintf("[%s]", v.Policy), target, v.Message)
}
