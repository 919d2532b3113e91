package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// SchemaRegistry manages CUE schemas for validation. Each schema is a CUE
// source plus the name of the definition data is unified with.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	sr.registerBuiltInSchemas()
	return sr
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	if err := sr.RegisterSchema("statefile", "#StateFile", builtinStateFileSchema); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema("appimage_pkg", "#AppImagePkg", builtinAppImagePkgSchema); err != nil {
		panic(err)
	}
}

// RegisterSchema compiles schema and registers its definition under name.
func (sr *SchemaRegistry) RegisterSchema(name, definition, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, definition)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %s", firstError(err))
	}

	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// firstError reports the first CUE error with its path.
func firstError(err error) string {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}
	return errs[0].Error()
}

// Built-in schema definitions

const builtinStateFileSchema = `
#Function: =~"^[a-z][a-z0-9_]*\\.[a-z][a-z0-9_]*$"

// A state is either a bare function name or a one-key map of function to args.
#State: #Function | {[=~"^[a-z][a-z0-9_]*\\.[a-z][a-z0-9_]*$"]: #Args}

// Args is a map, a list of one-key maps, or empty.
#Args: null | {
	require?: [...string] | string
	...
} | [...{...}]

#StateFile: [=~"^\\S+$"]: #State
`

const builtinAppImagePkgSchema = `
#AppImagePkg: {
	source:         string & !=""
	name?:          null | (string & =~"^[^/]+$")
	target_dir?:    string & =~"^/"
	checksum?:      string
	checksum_type?: "md5" | "sha1" | "sha224" | "sha256" | "sha384" | "sha512" | "blake3"
	force?:         bool
	signature?:     string
	...
}
`
