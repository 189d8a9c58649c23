package dispatch

import (
	"encoding/json"
	"fmt"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaFor derives a JSON schema object from a Go struct, for built-in
// tools whose arguments are declared as types rather than literal schemas.
func SchemaFor(args any) (map[string]any, error) {
	if args == nil {
		return nil, nil
	}
	r := &invopop.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(args)
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal derived schema: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode derived schema: %w", err)
	}
	// The top-level $schema draft pin is noise in the tool protocol block.
	delete(out, "$schema")
	return out, nil
}

// compileArgsSchema compiles a literal schema object for validation. A nil
// or empty schema disables validation for that tool.
func compileArgsSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal args schema for %s: %w", name, err)
	}
	compiled, err := jsonschema.CompileString("tool://"+name+"/args.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile args schema for %s: %w", name, err)
	}
	return compiled, nil
}

// normalizeArgs round-trips arguments through JSON so validation sees pure
// JSON types regardless of how the map was built.
func normalizeArgs(args map[string]any) any {
	if args == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return args
	}
	return out
}
