package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/archstate/pkg/telemetry"
)

// StateContext is passed to every state function.
type StateContext struct {
	// Test is true for dry runs. States must not change the system.
	Test bool

	// RunID is the run the state belongs to, empty outside an apply.
	RunID string

	// Registry gives access to module availability.
	Registry *Registry

	// Logger is scoped to the state.
	Logger zerolog.Logger

	// Telemetry may be nil.
	Telemetry *telemetry.Telemetry
}

// StateFunc implements a state such as "aurpkg.installed".
type StateFunc func(ctx context.Context, sc *StateContext, name string, args map[string]interface{}) StateResult

// AvailabilityCheck reports whether a module can run on this host, with a
// reason when it cannot.
type AvailabilityCheck func() (bool, string)

type moduleEntry struct {
	check  AvailabilityCheck
	once   sync.Once
	ok     bool
	reason string
}

// Registry maps state function names to implementations.
type Registry struct {
	mu        sync.RWMutex
	functions map[string]StateFunc
	modules   map[string]*moduleEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		functions: make(map[string]StateFunc),
		modules:   make(map[string]*moduleEntry),
	}
}

// RegisterModule registers a module's availability check. The check runs once,
// the first time the module is needed.
func (r *Registry) RegisterModule(module string, check AvailabilityCheck) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[module] = &moduleEntry{check: check}
}

// Register binds a function name ("module.function") to its implementation.
func (r *Registry) Register(function string, fn StateFunc) error {
	if _, _, ok := splitFunction(function); !ok {
		return NewPermanentError(fmt.Sprintf("invalid state function name %q", function), nil).
			WithCode(ErrCodeValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.functions[function]; exists {
		return NewPermanentError(fmt.Sprintf("state function %s already registered", function), nil).
			WithCode(ErrCodeValidation)
	}
	r.functions[function] = fn
	return nil
}

// Available reports whether a module can run here. Modules without a
// registered check are always available.
func (r *Registry) Available(module string) (bool, string) {
	r.mu.RLock()
	entry, ok := r.modules[module]
	r.mu.RUnlock()
	if !ok || entry.check == nil {
		return true, ""
	}
	entry.once.Do(func() {
		entry.ok, entry.reason = entry.check()
	})
	return entry.ok, entry.reason
}

// Lookup returns the implementation of a function.
func (r *Registry) Lookup(function string) (StateFunc, error) {
	r.mu.RLock()
	fn, ok := r.functions[function]
	r.mu.RUnlock()
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("State function %s is not available", function), nil).
			WithCode(ErrCodeNotFound)
	}

	module, _, _ := splitFunction(function)
	if available, reason := r.Available(module); !available {
		return nil, NewPermanentError(fmt.Sprintf("Module %s is not available: %s", module, reason), nil).
			WithCode(ErrCodeUnavailable)
	}
	return fn, nil
}

// Call runs a state function, converting lookup failures and panics into a
// False result.
func (r *Registry) Call(ctx context.Context, sc *StateContext, decl StateDecl) (result StateResult) {
	name := decl.StateName()

	fn, err := r.Lookup(decl.Function)
	if err != nil {
		var ee *EngineError
		if errors.As(err, &ee) && ee.Code != "" {
			trace.SpanFromContext(ctx).SetAttributes(telemetry.AttrErrorCode.String(ee.Code))
		}
		return Fail(name, Comment(err))
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = Fail(name, fmt.Sprintf("State %s panicked: %v", decl.Function, rec))
		}
	}()

	args := decl.Args
	if args == nil {
		args = map[string]interface{}{}
	}
	result = fn(ctx, sc, name, args)
	if result.Name == "" {
		result.Name = name
	}
	if result.Result == "" {
		result.Result = ResultFalse
	}
	if result.Changes == nil {
		result.Changes = Changes{}
	}
	return result
}

// Functions returns the registered function names, sorted.
func (r *Registry) Functions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.functions))
	for name := range r.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func splitFunction(function string) (module, name string, ok bool) {
	module, name, ok = strings.Cut(function, ".")
	if !ok || module == "" || name == "" {
		return "", "", false
	}
	return module, name, true
}
