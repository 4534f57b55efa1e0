package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const policySchemaURL = "https://helm-pay.schemas.local/policy.schema.json"

// policySchema rejects unknown keys and wrongly shaped values. Amounts,
// durations and states are checked when the fields are parsed so their
// errors name the field.
const policySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "version":        {"type": ["string", "number"]},
    "max_per_call":   {"type": ["string", "number"]},
    "rate_limit":     {"type": "integer"},
    "rate_window":    {"type": "string"},
    "nonce_ttl":      {"type": "string"},
    "sweep_interval": {"type": "string"},
    "costs": {
      "type": "object",
      "additionalProperties": {"type": ["string", "number"]}
    },
    "blacklist": {
      "type": "array",
      "items": {"type": ["string", "integer"]}
    }
  }
}`

var compiledPolicySchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(policySchemaURL, strings.NewReader(policySchema)); err != nil {
		return nil, fmt.Errorf("policy schema load failed: %w", err)
	}
	return c.Compile(policySchemaURL)
})

// validateShape checks a decoded YAML document against policySchema. The
// document goes through JSON first so YAML scalars take JSON types.
func validateShape(doc any) error {
	schema, err := compiledPolicySchema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("policy schema validation failed: %w", err)
	}
	return nil
}
