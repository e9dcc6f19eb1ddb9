package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// wireSchema is the JSON Schema for the workflow wire format. Structural
// graph rules (start/end counts, edge resolution, ports) are the
// validator's job; the schema only rejects malformed documents early with
// a precise path.
const wireSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "name", "nodes", "edges"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "is_template": {"type": "boolean"},
    "template_name": {"type": "string"},
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "node_type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "node_type": {"type": "string", "minLength": 1},
          "label": {"type": "string"},
          "config": {"type": "object"},
          "position": {
            "type": "object",
            "properties": {
              "x": {"type": "number"},
              "y": {"type": "number"}
            }
          }
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["source", "target"],
        "properties": {
          "id": {"type": "string"},
          "source": {"type": "string", "minLength": 1},
          "target": {"type": "string", "minLength": 1},
          "source_port": {"type": "string"},
          "label": {"type": "string"}
        }
      }
    }
  }
}`

var compiledWireSchema = jsonschema.MustCompileString("workflow.schema.json", wireSchema)

// DecodeWire parses and schema-checks a workflow document received over
// the wire.
func DecodeWire(data []byte) (*Workflow, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("workflow: invalid JSON: %w", err)
	}
	if err := compiledWireSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("workflow: schema violation: %s", compactSchemaError(err))
	}
	var w Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("workflow: decode: %w", err)
	}
	return &w, nil
}

func compactSchemaError(err error) string {
	var ve *jsonschema.ValidationError
	if ok := asValidationError(err, &ve); ok {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
		if loc == "" {
			return leaf.Message
		}
		return fmt.Sprintf("%s: %s", loc, leaf.Message)
	}
	return err.Error()
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}
