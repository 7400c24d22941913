package mcp

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type argumentValidator struct {
	schema *jsonschema.Schema
}

// Validate checks decoded JSON arguments against the schema.
func (v *argumentValidator) Validate(args map[string]any) error {
	// Round-trip through JSON so numbers and nested values have the shapes
	// the validator expects.
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return v.schema.Validate(decoded)
}

var schemaCache sync.Map

func compileValidator(tool string, schema json.RawMessage) (*argumentValidator, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return &argumentValidator{schema: compiled}, nil
		}
	}

	compiled, err := jsonschema.CompileString(tool+".schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return &argumentValidator{schema: compiled}, nil
}
