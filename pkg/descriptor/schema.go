package descriptor

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaURL = "https://kl-kernel.schemas.local/descriptor.schema.json"

const descriptorSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "domain", "effect"],
  "properties": {
    "type": {"type": "string"},
    "domain": {"type": "string"},
    "effect": {"type": "string"},
    "schema_version": {"type": ["string", "null"]},
    "description": {"type": ["string", "null"]},
    "tags": {"type": ["array", "null"], "items": {"type": "string"}},
    "metadata": {"type": ["object", "null"]},
    "correlation_id": {"type": ["string", "null"]},
    "criticality": {"type": ["string", "null"]},
    "constraints": {
      "type": ["object", "null"],
      "properties": {
        "scope": {"type": ["string", "null"]},
        "format": {"type": ["string", "null"]},
        "temporal": {"type": ["string", "null"]},
        "reversibility": {"type": ["string", "null"]},
        "extra": {"type": ["object", "null"], "additionalProperties": {"type": "string"}}
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func descriptorSchemaCompiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, strings.NewReader(descriptorSchema)); err != nil {
			schemaErr = fmt.Errorf("descriptor schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(schemaURL)
	})
	return compiledSchema, schemaErr
}

// validateShape checks m against the descriptor schema. The map is normalized
// through encoding/json first so typed Go collections validate like decoded JSON.
func validateShape(m map[string]any) error {
	schema, err := descriptorSchemaCompiled()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	return nil
}
