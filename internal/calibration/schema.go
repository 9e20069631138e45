package calibration

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed calibration-v1.schema.json
var schemaJSON []byte

var fileSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("calibration-v1.schema.json", bytes.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("calibration: add schema resource: %v", err))
	}
	schema, err := compiler.Compile("calibration-v1.schema.json")
	if err != nil {
		panic(fmt.Sprintf("calibration: compile schema: %v", err))
	}
	return schema
}

// validateSchema checks raw calibration JSON against the embedded
// schema before any field is trusted.
func validateSchema(data []byte) error {
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if err := fileSchema.Validate(instance); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}
