package config

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// StarlarkResult is the outcome of a context script.
type StarlarkResult struct {
	// Output holds the script's exported globals.
	Output map[string]interface{} `json:"output,omitempty"`

	ExecutionTime time.Duration `json:"execution_time"`

	Error string `json:"error,omitempty"`
}

// StarlarkEvaluator runs template context scripts. Scripts cannot load
// modules or print, and are cancelled at the timeout.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Evaluate executes script with input predeclared and returns its globals
// that are neither callables nor start with an underscore.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*StarlarkResult, error) {
	start := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "context_script",
		Print: func(*starlark.Thread, string) {},
	}

	type outcome struct {
		output map[string]interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		output, err := run(thread, script, input)
		done <- outcome{output, err}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel(evalCtx.Err().Error())
		return &StarlarkResult{
			ExecutionTime: time.Since(start),
			Error:         fmt.Sprintf("execution timeout after %v", se.timeout),
		}, fmt.Errorf("context script timed out after %v", se.timeout)
	case o := <-done:
		result := &StarlarkResult{Output: o.output, ExecutionTime: time.Since(start)}
		if o.err != nil {
			result.Error = o.err.Error()
		}
		return result, o.err
	}
}

func run(thread *starlark.Thread, script string, input map[string]interface{}) (map[string]interface{}, error) {
	predeclared := starlark.StringDict{
		"struct":        starlark.NewBuiltin("struct", starlarkstruct.Make),
		"arch":          starlark.NewBuiltin("arch", builtinArch),
		"split_version": starlark.NewBuiltin("split_version", builtinSplitVersion),
	}
	for key, val := range input {
		sv, err := toStarlark(val)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	globals, err := starlark.ExecFile(thread, "context.star", script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	output := make(map[string]interface{}, len(globals))
	for name, val := range globals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		gv, err := fromStarlark(val)
		if err != nil {
			return nil, fmt.Errorf("global %s: %w", name, err)
		}
		output[name] = gv
	}
	return output, nil
}

func toStarlark(v interface{}) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

func fromStarlark(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s out of range", val)
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Indexable:
		// lists and tuples
		list := make([]interface{}, val.Len())
		for i := range list {
			item, err := fromStarlark(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", item[0])
			}
			gv, err := fromStarlark(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = gv
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				return nil, err
			}
			gv, err := fromStarlark(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = gv
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type %s", v.Type())
	}
}

// pacmanArch maps GOARCH to the architecture names used in PKGBUILDs.
var pacmanArch = map[string]string{
	"amd64":   "x86_64",
	"386":     "i686",
	"arm64":   "aarch64",
	"arm":     "armv7h",
	"riscv64": "riscv64",
}

// builtinArch returns the host architecture as pacman names it.
func builtinArch(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	if name, ok := pacmanArch[runtime.GOARCH]; ok {
		return starlark.String(name), nil
	}
	return starlark.String(runtime.GOARCH), nil
}

// builtinSplitVersion splits a full package version "[epoch:]pkgver[-pkgrel]"
// into a struct with epoch, pkgver and pkgrel fields.
func builtinSplitVersion(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var version string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "version", &version); err != nil {
		return nil, err
	}

	epoch, pkgver, pkgrel := SplitVersion(version)
	if pkgver == "" {
		return nil, fmt.Errorf("%s: empty pkgver in %q", b.Name(), version)
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"epoch":  starlark.String(epoch),
		"pkgver": starlark.String(pkgver),
		"pkgrel": starlark.String(pkgrel),
	}), nil
}

// SplitVersion splits "[epoch:]pkgver[-pkgrel]". Missing parts are empty.
func SplitVersion(version string) (epoch, pkgver, pkgrel string) {
	rest := version
	if i := strings.Index(rest, ":"); i >= 0 {
		epoch, rest = rest[:i], rest[i+1:]
	}
	if i := strings.LastIndex(rest, "-"); i >= 0 {
		rest, pkgrel = rest[:i], rest[i+1:]
	}
	return epoch, rest, pkgrel
}
