package fetch

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/openfroyo/archstate/pkg/engine"
)

// FileManagedArgs are the file.managed-style arguments shared by states that
// read a source file.
type FileManagedArgs struct {
	Source   string
	Template string
	Context  map[string]interface{}
	Defaults map[string]interface{}

	// Env selects a file_roots environment for froyo:// sources.
	Env string

	// ContextScript is a Starlark script whose exported globals become
	// template variables, above defaults and below context.
	ContextScript string
}

// ExtractFileManagedArgs picks the file-managed keys out of state args.
func ExtractFileManagedArgs(args map[string]interface{}) FileManagedArgs {
	var fa FileManagedArgs
	if v, ok := args["source"].(string); ok {
		fa.Source = v
	}
	if v, ok := args["template"].(string); ok {
		fa.Template = v
	}
	if v, ok := args["context"].(map[string]interface{}); ok {
		fa.Context = v
	}
	if v, ok := args["defaults"].(map[string]interface{}); ok {
		fa.Defaults = v
	}
	if v, ok := args["env"].(string); ok {
		fa.Env = v
	}
	if v, ok := args["context_script"].(string); ok {
		fa.ContextScript = v
	}
	return fa
}

// GetManagedFileContent returns the content of source, rendered as a template
// when args.Template is set. Every failure is an invocation error of the form
// "Error retrieving/rendering <source>: <cause>".
func (f *Fetcher) GetManagedFileContent(ctx context.Context, source string, args FileManagedArgs) (string, error) {
	content, err := f.managedContent(ctx, source, args)
	if err != nil {
		return "", engine.NewInvocationError(
			fmt.Sprintf("Error retrieving/rendering %s: %s", source, engine.Comment(err)),
		).WithResource(source)
	}
	return content, nil
}

func (f *Fetcher) managedContent(ctx context.Context, source string, args FileManagedArgs) (string, error) {
	if source == "" {
		return "", fmt.Errorf("no source given")
	}

	if args.Template == "" {
		rc, err := f.openEnv(ctx, source, args.Env)
		if err != nil {
			return "", err
		}
		defer rc.Close()
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(rc); err != nil {
			return "", err
		}
		return buf.String(), nil
	}

	if err := checkTemplateEngine(args.Template); err != nil {
		return "", err
	}

	vars, err := f.templateVars(ctx, args)
	if err != nil {
		return "", err
	}

	cached, err := f.cacheFileEnv(ctx, source, args.Env)
	if err != nil {
		return "", fmt.Errorf("failed to cache file: %w", err)
	}
	text, err := os.ReadFile(cached)
	if err != nil {
		return "", err
	}

	return Render(filepath.Base(sourcePath(source)), string(text), vars)
}

// templateVars layers defaults, then context_script output, then context.
func (f *Fetcher) templateVars(ctx context.Context, args FileManagedArgs) (map[string]interface{}, error) {
	vars := make(map[string]interface{}, len(args.Defaults)+len(args.Context))
	for k, v := range args.Defaults {
		vars[k] = v
	}

	if args.ContextScript != "" {
		input := make(map[string]interface{}, len(vars)+len(args.Context))
		for k, v := range vars {
			input[k] = v
		}
		for k, v := range args.Context {
			input[k] = v
		}
		result, err := f.starlark.Evaluate(ctx, args.ContextScript, input)
		if err != nil {
			return nil, fmt.Errorf("context_script: %w", err)
		}
		for k, v := range result.Output {
			vars[k] = v
		}
	}

	for k, v := range args.Context {
		vars[k] = v
	}
	return vars, nil
}

// checkTemplateEngine accepts "go" and its alias "jinja". Both render with
// text/template.
func checkTemplateEngine(name string) error {
	switch strings.ToLower(name) {
	case "go", "jinja":
		return nil
	}
	return fmt.Errorf("Unsupported template engine: %s", name)
}

// Render executes text as a Go template over vars. Missing keys are errors.
func Render(name, text string, vars map[string]interface{}) (string, error) {
	tmpl, err := template.New(name).
		Option("missingkey=error").
		Funcs(templateFuncs).
		Parse(text)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("failed to render template: %w", err)
	}
	return buf.String(), nil
}

var templateFuncs = template.FuncMap{
	"join":      strings.Join,
	"upper":     strings.ToUpper,
	"lower":     strings.ToLower,
	"trimSpace": strings.TrimSpace,
	"replace": func(old, new, s string) string {
		return strings.ReplaceAll(s, old, new)
	},
	"default": func(def, v interface{}) interface{} {
		if v == nil || v == "" {
			return def
		}
		return v
	},
	"quote": func(v interface{}) string {
		return fmt.Sprintf("%q", fmt.Sprint(v))
	},
	"list": func(v interface{}) []string {
		items, _ := v.([]interface{})
		out := make([]string, 0, len(items))
		for _, item := range items {
			out = append(out, fmt.Sprint(item))
		}
		return out
	},
}
