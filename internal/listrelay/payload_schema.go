package listrelay

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Raw payloads arriving over the API boundary are validated against a
// per-operation-type JSON Schema before being decoded into the typed Payload.
var payloadSchemaSources = map[OperationType]string{
	OpCreateCollection: `{
		"type": "object",
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"description": {"type": "string"}
		},
		"required": ["name"],
		"additionalProperties": false
	}`,
	OpUpdateCollection: `{
		"type": "object",
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"description": {"type": "string"}
		},
		"anyOf": [
			{"required": ["name"]},
			{"required": ["description"]}
		],
		"additionalProperties": false
	}`,
	OpDeleteCollection: `{
		"type": "object",
		"additionalProperties": false
	}`,
	OpClearCollection: `{
		"type": "object",
		"additionalProperties": false
	}`,
	OpAddItem: `{
		"type": "object",
		"properties": {
			"itemId": {"type": "integer", "minimum": 1}
		},
		"required": ["itemId"],
		"additionalProperties": false
	}`,
	OpRemoveItem: `{
		"type": "object",
		"properties": {
			"itemId": {"type": "integer", "minimum": 1}
		},
		"required": ["itemId"],
		"additionalProperties": false
	}`,
}

var payloadSchemas = struct {
	once    sync.Once
	schemas map[OperationType]*jsonschema.Schema
	err     error
}{}

func compilePayloadSchemas() (map[OperationType]*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiled := make(map[OperationType]*jsonschema.Schema, len(payloadSchemaSources))
	for opType, source := range payloadSchemaSources {
		url := fmt.Sprintf("mem://payload/%s.json", opType)
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
		if err != nil {
			return nil, fmt.Errorf("parse schema for %s: %w", opType, err)
		}
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema for %s: %w", opType, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", opType, err)
		}
		compiled[opType] = schema
	}
	return compiled, nil
}

// ValidatePayloadJSON validates a raw JSON payload against the schema for
// the given operation type.
func ValidatePayloadJSON(opType OperationType, raw []byte) error {
	if !opType.Valid() {
		return fmt.Errorf("%w: unknown operation type %q", ErrInvalidInput, opType)
	}
	payloadSchemas.once.Do(func() {
		payloadSchemas.schemas, payloadSchemas.err = compilePayloadSchemas()
	})
	if payloadSchemas.err != nil {
		return payloadSchemas.err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: payload is not valid JSON: %v", ErrInvalidInput, err)
	}
	if err := payloadSchemas.schemas[opType].Validate(value); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
