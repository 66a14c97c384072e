package config

import (
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

var durationType = reflect.TypeOf(time.Duration(0))

// JSONSchema returns the JSON Schema for livewire config files, for editor
// completion. Durations are described as Go duration strings since that is
// how they are written in YAML.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag:              "yaml",
			AllowAdditionalProperties: false,
			DoNotReference:            true,
			Mapper: func(t reflect.Type) *jsonschema.Schema {
				if t != durationType {
					return nil
				}
				return &jsonschema.Schema{
					Type:        "string",
					Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
					Description: "Go duration such as 500ms, 15s or 1h30m",
				}
			},
		}
		schema := r.Reflect(&Config{})
		schema.Title = "livewire configuration"
		schema.Description = "Hub, transport, presence and chat settings for livewire"
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return schemaJSON, schemaErr
}
