package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaCache holds compiled schemas keyed by tool name and schema text.
var schemaCache sync.Map

func compileSchema(tool string, schema json.RawMessage) (*jsonschema.Schema, error) {
	key := tool + "\x00" + string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString(tool+".schema.json", string(schema))
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// ValidateArgs checks args against the tool's schema. An empty schema
// accepts any JSON object.
func ValidateArgs(tool Tool, args json.RawMessage) error {
	name := tool.Name()
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return &InvalidArgumentsError{Tool: name, Cause: fmt.Errorf("arguments are not valid JSON: %w", err)}
	}
	if _, ok := decoded.(map[string]any); !ok {
		return &InvalidArgumentsError{Tool: name, Cause: fmt.Errorf("arguments must be a JSON object")}
	}

	schema := bytes.TrimSpace(tool.Schema())
	if len(schema) == 0 {
		return nil
	}
	compiled, err := compileSchema(name, schema)
	if err != nil {
		return fmt.Errorf("compile schema for tool %s: %w", name, err)
	}
	if err := compiled.Validate(decoded); err != nil {
		return &InvalidArgumentsError{Tool: name, Cause: err}
	}
	return nil
}
