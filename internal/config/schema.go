package config

import (
	"encoding/json"
	"path"
	"reflect"
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

const schemaID = "https://github.com/haasonsaas/ragbench/config.schema.json"

// JSONSchema returns the JSON Schema of the configuration file. Field names
// follow the yaml tags, and the include key is listed alongside them.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag:               "yaml",
			ExpandedStruct:             true,
			RequiredFromJSONSchemaTags: true,
			Namer:                      definitionName,
		}
		schema := r.Reflect(&Config{})
		schema.ID = schemaID
		schema.Title = "ragbench configuration"
		schema.Properties.Set(includeKey, &jsonschema.Schema{
			Description: "Files merged beneath this one, resolved relative to it",
			OneOf: []*jsonschema.Schema{
				{Type: "string"},
				{Type: "array", Items: &jsonschema.Schema{Type: "string"}},
			},
		})
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return schemaJSON, schemaErr
}

// definitionName qualifies $defs entries by package, since most sections
// are a type named Config.
func definitionName(t reflect.Type) string {
	if t.PkgPath() == "" {
		return t.Name()
	}
	return path.Base(t.PkgPath()) + "." + t.Name()
}
