package pipeline

import (
	"bytes"
	"embed"
	"fmt"
	"path"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/rodcoding123/helix-sub009/pkg/contracts"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Validator checks submission envelopes and payload shapes. Payloads are
// validated against the JSON Schema registered for their action type;
// types without a schema are accepted as long as an executor handles them.
type Validator struct {
	schemas map[contracts.ActionType]*jsonschema.Schema
}

// NewValidator compiles the embedded schemas. Schema file names are action
// type names.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}

	v := &Validator{schemas: make(map[contracts.ActionType]*jsonschema.Schema, len(entries))}
	for _, entry := range entries {
		name := entry.Name()
		raw, err := schemaFS.ReadFile(path.Join("schemas", name))
		if err != nil {
			return nil, err
		}
		actionType := contracts.ActionType(name[:len(name)-len(path.Ext(name))])
		url := "helix:schema:" + string(actionType)
		if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("pipeline: add schema %s: %w", name, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("pipeline: compile schema %s: %w", name, err)
		}
		v.schemas[actionType] = schema
	}
	return v, nil
}

// Validate rejects malformed submissions before any record exists.
func (v *Validator) Validate(req *contracts.ActionRequest) error {
	if req == nil {
		return &contracts.ValidationError{Reason: "nil request"}
	}
	if req.UserID == "" {
		return &contracts.ValidationError{Field: "user_id", Reason: "required"}
	}
	if req.ActionType == "" {
		return &contracts.ValidationError{Field: "action_type", Reason: "required"}
	}
	if req.IdempotencyKey == "" {
		return &contracts.ValidationError{Field: "idempotency_key", Reason: "required"}
	}
	if req.Payload == nil {
		return &contracts.ValidationError{Field: "payload", Reason: "required"}
	}

	schema, ok := v.schemas[req.ActionType]
	if !ok {
		return nil
	}
	if err := schema.Validate(normalize(req.Payload)); err != nil {
		return &contracts.ValidationError{Field: "payload", Reason: err.Error()}
	}
	return nil
}

// normalize converts the payload into the plain-JSON value tree the schema
// library expects (map[string]interface{} with float64 numbers).
func normalize(payload map[string]any) any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		switch n := v.(type) {
		case int:
			out[k] = float64(n)
		case int64:
			out[k] = float64(n)
		case map[string]any:
			out[k] = normalize(n)
		default:
			out[k] = v
		}
	}
	return out
}
