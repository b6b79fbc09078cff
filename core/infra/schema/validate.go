package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	compiledMu sync.Mutex
	compiled   = map[string]*jsonschema.Schema{}
)

// ValidateSchema validates a value against a JSON schema payload.
// Values decoded from YAML are normalized to their JSON form first.
func ValidateSchema(id string, schema []byte, value any) error {
	if len(schema) == 0 {
		return fmt.Errorf("schema is empty")
	}
	sch, err := compile(id, schema)
	if err != nil {
		return err
	}
	payload, err := normalizeValue(value)
	if err != nil {
		return fmt.Errorf("normalize payload: %w", err)
	}
	if err := sch.Validate(payload); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

func compile(id string, schema []byte) (*jsonschema.Schema, error) {
	resourceID := schemaID(id)
	key := resourceID + "\x00" + string(schema)
	compiledMu.Lock()
	defer compiledMu.Unlock()
	if sch, ok := compiled[key]; ok {
		return sch, nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceID, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := compiler.Compile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	compiled[key] = sch
	return sch, nil
}

func normalizeValue(value any) (any, error) {
	var raw []byte
	switch v := value.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		raw = data
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

func schemaID(id string) string {
	if id == "" {
		id = "schema"
	}
	return "inmemory://" + id
}
