package models

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas
var schemasFS embed.FS

const inputSchemaPath = "schemas/unified_user_input.v0.json"

var inputSchema = mustCompileInputSchema()

func mustCompileInputSchema() *jsonschema.Schema {
	raw, err := schemasFS.ReadFile(inputSchemaPath)
	if err != nil {
		panic(fmt.Sprintf("embedded input schema missing: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(inputSchemaPath, bytes.NewReader(raw)); err != nil {
		panic(fmt.Sprintf("failed to add input schema resource: %v", err))
	}
	schema, err := compiler.Compile(inputSchemaPath)
	if err != nil {
		panic(fmt.Sprintf("failed to compile input schema: %v", err))
	}
	return schema
}

// ValidateInput checks a raw ingest body against the embedded v0 schema and
// decodes it. A schema violation (missing required field, wrong
// schemaVersion) is an INVALID_REQUEST condition for the caller.
func ValidateInput(raw []byte) (*UnifiedUserInput, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("malformed JSON body: %w", err)
	}
	if err := inputSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("input schema violation: %w", err)
	}
	var input UnifiedUserInput
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("failed to decode input: %w", err)
	}
	return &input, nil
}
