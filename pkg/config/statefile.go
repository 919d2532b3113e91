package config

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/archstate/pkg/engine"
)

// ValidationError is a state file error with its location.
type ValidationError struct {
	File    string
	Line    int
	StateID string
	Message string
}

func (e *ValidationError) Error() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d", e.File, e.Line)
	}
	if e.StateID != "" {
		return fmt.Sprintf("%s: state %s: %s", loc, e.StateID, e.Message)
	}
	return fmt.Sprintf("%s: %s", loc, e.Message)
}

// StateFileParser turns YAML state files into state declarations.
//
// A state file maps ids to a function, either bare or with arguments:
//
//	base-devel:
//	  aur.installed
//	obsidian:
//	  appimage.installed:
//	    source: https://example.com/Obsidian-1.5.3.AppImage
//	    require: [base-devel]
//
// Arguments may also be a list of one-key maps. The "require" argument lists
// requisite ids and "name" overrides the name passed to the state.
type StateFileParser struct {
	schemas *SchemaRegistry
}

// NewStateFileParser creates a parser using the built-in schemas.
func NewStateFileParser() *StateFileParser {
	return &StateFileParser{schemas: NewSchemaRegistry()}
}

// Schemas returns the parser's schema registry.
func (p *StateFileParser) Schemas() *SchemaRegistry {
	return p.schemas
}

// ParseFile reads and parses the state file at path.
func (p *StateFileParser) ParseFile(ctx context.Context, path string) ([]engine.StateDecl, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %s: %w", path, err)
	}
	return p.Parse(ctx, path, data)
}

// Parse parses state file content. States keep the order they appear in.
func (p *StateFileParser) Parse(ctx context.Context, file string, data []byte) ([]engine.StateDecl, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ValidationError{File: file, Message: err.Error()}
	}
	if len(doc.Content) == 0 {
		return []engine.StateDecl{}, nil
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, &ValidationError{File: file, Line: root.Line, Message: "state file must be a map of state ids"}
	}

	var generic map[string]interface{}
	if err := root.Decode(&generic); err != nil {
		return nil, &ValidationError{File: file, Line: root.Line, Message: err.Error()}
	}
	if err := p.schemas.ValidateAgainstSchema(ctx, "statefile", generic); err != nil {
		return nil, &ValidationError{File: file, Message: err.Error()}
	}

	decls := make([]engine.StateDecl, 0, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		keyNode, valNode := root.Content[i], root.Content[i+1]

		decl, err := parseState(keyNode.Value, valNode)
		if err != nil {
			return nil, &ValidationError{File: file, Line: valNode.Line, StateID: keyNode.Value, Message: err.Error()}
		}
		decl.Order = len(decls)
		decls = append(decls, decl)
	}

	return decls, nil
}

func parseState(id string, node *yaml.Node) (engine.StateDecl, error) {
	decl := engine.StateDecl{ID: id, Args: map[string]interface{}{}}

	switch node.Kind {
	case yaml.ScalarNode:
		decl.Function = node.Value
		return decl, nil

	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return decl, fmt.Errorf("expected exactly one function, got %d", len(node.Content)/2)
		}
		decl.Function = node.Content[0].Value

		args, err := decodeArgs(node.Content[1])
		if err != nil {
			return decl, err
		}
		decl.Args = args

	default:
		return decl, fmt.Errorf("expected a function name or a map of function to arguments")
	}

	if raw, ok := decl.Args["require"]; ok {
		require, err := stringList(raw)
		if err != nil {
			return decl, fmt.Errorf("require: %w", err)
		}
		decl.Require = require
		delete(decl.Args, "require")
	}

	if raw, ok := decl.Args["name"]; ok {
		name, ok := raw.(string)
		if !ok {
			return decl, fmt.Errorf("name must be a string, got %T", raw)
		}
		decl.Name = name
		delete(decl.Args, "name")
	}

	return decl, nil
}

// decodeArgs accepts a map, a list of one-key maps, or null.
func decodeArgs(node *yaml.Node) (map[string]interface{}, error) {
	args := map[string]interface{}{}

	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag != "!!null" {
			return nil, fmt.Errorf("arguments must be a map or a list, got %q", node.Value)
		}
	case yaml.MappingNode:
		if err := node.Decode(&args); err != nil {
			return nil, err
		}
	case yaml.SequenceNode:
		for _, item := range node.Content {
			var entry map[string]interface{}
			if err := item.Decode(&entry); err != nil {
				return nil, fmt.Errorf("line %d: argument list entries must be maps", item.Line)
			}
			for k, v := range entry {
				args[k] = v
			}
		}
	default:
		return nil, fmt.Errorf("unsupported arguments")
	}

	return args, nil
}

// stringList accepts a string or a list of strings.
func stringList(v interface{}) ([]string, error) {
	switch val := v.(type) {
	case string:
		return []string{val}, nil
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("expected a string or a list of strings, got %T", v)
	}
}
