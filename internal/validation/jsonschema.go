package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/servicehero/flowd/pkg/schema"
)

// templateSchemaJSON is the JSON Schema for WorkflowTemplate shape validation.
// Embedded as a constant to avoid filesystem dependencies.
const templateSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowd.dev/schemas/template.json",
  "type": "object",
  "required": ["id", "name", "steps"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "business_type": { "type": "string" },
    "category": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "required_integrations": {
      "type": "array",
      "items": { "type": "string" }
    },
    "estimated_minutes": {
      "type": "integer",
      "minimum": 0
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "kind"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "kind": {
          "type": "string",
          "enum": ["trigger", "action", "condition", "delay"]
        },
        "name": { "type": "string" },
        "config": { "type": "object" },
        "next_steps": {
          "type": "array",
          "items": { "type": "string" }
        },
        "branches": {
          "type": "object",
          "properties": {
            "true": { "type": "string" },
            "false": { "type": "string" }
          },
          "additionalProperties": false
        },
        "retry": { "$ref": "#/$defs/retry" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max_attempts"],
      "properties": {
        "max_attempts": {
          "type": "integer",
          "minimum": 1
        },
        "base_delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "backoff_factor": {
          "type": "number",
          "minimum": 1
        },
        "jitter_fraction": {
          "type": "number",
          "minimum": 0,
          "maximum": 1
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates template documents against the embedded
// template schema and trigger payloads against per-template payload schemas.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	templateSchema *jsonschema.Schema

	// mu guards the cache for dynamic payload schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the template
// schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(templateSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal template schema: %w", err)
	}
	if err := c.AddResource("https://flowd.dev/schemas/template.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add template schema resource: %w", err)
	}

	tplSchema, err := c.Compile("https://flowd.dev/schemas/template.json")
	if err != nil {
		return nil, fmt.Errorf("compile template schema: %w", err)
	}

	return &JSONSchemaValidator{
		templateSchema: tplSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateShape validates a template document against the template JSON
// Schema, plus the duplicate-id check the schema language cannot express.
func (v *JSONSchemaValidator) ValidateShape(tpl *schema.WorkflowTemplate) error {
	if tpl == nil {
		return schema.NewError(schema.ErrCodeTemplateInvalid, "template is nil")
	}

	doc, err := toJSONValue(tpl)
	if err != nil {
		return schema.NewError(schema.ErrCodeTemplateInvalid, "failed to serialize template").WithCause(err)
	}

	if err := v.templateSchema.Validate(doc); err != nil {
		return toFlowError(err, schema.ErrCodeTemplateInvalid)
	}

	seen := make(map[string]struct{}, len(tpl.Steps))
	for _, step := range tpl.Steps {
		if _, exists := seen[step.ID]; exists {
			return schema.NewError(schema.ErrCodeTemplateInvalid,
				fmt.Sprintf("duplicate step id %q", step.ID))
		}
		seen[step.ID] = struct{}{}
	}

	return nil
}

// ValidatePayload validates a trigger payload against the inline JSON Schema
// declared in the trigger step's config. The schema is compiled and cached
// for subsequent calls with the same schema. A nil schema skips validation.
func (v *JSONSchemaValidator) ValidatePayload(payload map[string]any, payloadSchema map[string]any) error {
	if len(payloadSchema) == 0 {
		return nil
	}
	if payload == nil {
		payload = map[string]any{}
	}

	schemaBytes, err := json.Marshal(payloadSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid payload schema").WithCause(err)
	}

	compiled, err := v.getOrCompile(schemaBytes)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid payload schema").WithCause(err)
	}

	// Convert payload to JSON-compatible value (json.Number for numbers).
	doc, err := toJSONValue(payload)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize payload").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err, schema.ErrCodeValidation)
	}

	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each payload schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("flowd://payload-schema/%d", len(v.cache))

	// Use a fresh compiler per dynamic schema to avoid resource collision.
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError with
// one message per violated location.
func toFlowError(err error, code string) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(code, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(code, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(code, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(code, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
