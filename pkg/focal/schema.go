package focal

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Argument types understood by callbacks.
const (
	TypeString = "str"
	TypeInt    = "int"
	TypeFloat  = "float"
	TypeBool   = "bool"
	TypeList   = "list"
	TypeDict   = "dict"
	TypeAny    = "any"
)

var schemaTypes = map[string]string{
	TypeString: "string",
	TypeInt:    "integer",
	TypeFloat:  "number",
	TypeBool:   "boolean",
	TypeList:   "array",
	TypeDict:   "object",
}

// Schema returns the JSON schema describing the arguments of a callback.
func (cb *Callback) Schema() map[string]any {
	props := make(map[string]any, len(cb.Arguments))
	required := make([]string, 0, len(cb.Arguments))
	for _, arg := range cb.Arguments {
		prop := map[string]any{}
		if t, ok := schemaTypes[arg.Type]; ok {
			prop["type"] = t
		}
		props[arg.Name] = prop
		if !arg.Optional {
			required = append(required, arg.Name)
		}
	}
	return map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func compileSchema(cb *Callback) (*jsonschema.Schema, error) {
	data, err := json.Marshal(cb.Schema())
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema for %s: %w", cb.Name, err)
	}
	url := "focal_" + cb.Name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to add schema for %s: %w", cb.Name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema for %s: %w", cb.Name, err)
	}
	return schema, nil
}

// validateArguments checks args against the schema after bringing them into
// the shape encoding/json produces, since YAML decodes numbers as int.
func validateArguments(schema *jsonschema.Schema, args map[string]any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return err
	}
	return schema.Validate(instance)
}
