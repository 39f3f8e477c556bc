package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const createTaskSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["title", "project_id"],
  "properties": {
    "title":      {"type": "string", "minLength": 1, "maxLength": 500},
    "priority":   {"type": "integer", "minimum": 0, "maximum": 4},
    "project_id": {"type": "string", "minLength": 1},
    "sprint_id":  {"type": ["string", "null"], "minLength": 1},
    "assignees":  {"type": "array", "items": {"type": "string"}, "maxItems": 50}
  }
}`

const patchTaskSchema = `{
  "type": "object",
  "additionalProperties": false,
  "minProperties": 1,
  "properties": {
    "title":        {"type": "string", "minLength": 1, "maxLength": 500},
    "priority":     {"type": "integer", "minimum": 0, "maximum": 4},
    "status":       {"enum": ["NEW", "READY", "IN_PROGRESS", "BLOCKED", "REVIEW", "DONE", "DROPPED"]},
    "sprint_id":    {"type": "string", "minLength": 1},
    "clear_sprint": {"type": "boolean"},
    "assignees":    {"type": "array", "items": {"type": "string"}, "maxItems": 50}
  }
}`

// bodySchemas holds the compiled request-body schemas.
type bodySchemas struct {
	create *jsonschema.Schema
	patch  *jsonschema.Schema
}

func compileBodySchemas() (*bodySchemas, error) {
	create, err := compileSchema("create-task.json", createTaskSchema)
	if err != nil {
		return nil, err
	}
	patch, err := compileSchema("patch-task.json", patchTaskSchema)
	if err != nil {
		return nil, err
	}
	return &bodySchemas{create: create, patch: patch}, nil
}

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return schema, nil
}

// errBadBody marks a request body that is not acceptable JSON for the route.
var errBadBody = errors.New("invalid request body")

// decodeValidated checks raw against schema and then decodes it into out.
func decodeValidated(schema *jsonschema.Schema, raw []byte, out any) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: malformed JSON: %v", errBadBody, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s", errBadBody, oneLine(err.Error()))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", errBadBody, err)
	}
	return nil
}

// oneLine folds the validator's indented multi-line report.
func oneLine(msg string) string {
	return strings.Join(strings.Fields(msg), " ")
}
