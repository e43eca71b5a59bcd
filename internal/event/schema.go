package event

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas
var schemaFS embed.FS

// SchemaRegistry holds the compiled validation schema for every known
// event name. Schemas live in the embedded schemas/ tree, one file per
// event, with dots in the event name mapped to directories the way the
// shared registry lays them out (task.assigned.1 -> task/assigned/1.json).
type SchemaRegistry struct {
	schemas map[string]*jsonschema.Schema
}

// NewSchemaRegistry compiles every embedded schema.
func NewSchemaRegistry() (*SchemaRegistry, error) {
	registry := &SchemaRegistry{schemas: map[string]*jsonschema.Schema{}}
	compiler := jsonschema.NewCompiler()

	err := fs.WalkDir(schemaFS, "schemas", func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if entry.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		raw, err := schemaFS.ReadFile(path)
		if err != nil {
			return err
		}
		document, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("parse schema %s: %w", path, err)
		}
		if err := compiler.AddResource(path, document); err != nil {
			return fmt.Errorf("register schema %s: %w", path, err)
		}
		compiled, err := compiler.Compile(path)
		if err != nil {
			return fmt.Errorf("compile schema %s: %w", path, err)
		}
		registry.schemas[eventNameFromPath(path)] = compiled
		return nil
	})
	if err != nil {
		return nil, err
	}
	return registry, nil
}

// Validate checks a decoded envelope document against the schema
// registered for eventName.
func (registry *SchemaRegistry) Validate(eventName string, document any) error {
	schema, ok := registry.schemas[eventName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSchemaNotFound, eventName)
	}
	if err := schema.Validate(document); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSchemaValidation, eventName, err)
	}
	return nil
}

// Known reports whether a schema is registered for eventName.
func (registry *SchemaRegistry) Known(eventName string) bool {
	_, ok := registry.schemas[eventName]
	return ok
}

// eventNameFromPath maps schemas/task/assigned/1.json to task.assigned.1.
func eventNameFromPath(path string) string {
	trimmed := strings.TrimPrefix(path, "schemas/")
	trimmed = strings.TrimSuffix(trimmed, ".json")
	return strings.ReplaceAll(trimmed, "/", ".")
}
