package mcp

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"
	"sort"
	"strings"
)

// Param describes one declared tool parameter.
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
}

// parseParams extracts the declared parameters from a JSON-Schema style
// object schema, sorted by name. Schemas without properties yield nil.
func parseParams(schema map[string]any) []Param {
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return nil
	}
	required := requiredSet(schema)

	params := make([]Param, 0, len(props))
	for name, raw := range props {
		prop, _ := raw.(map[string]any)
		p := Param{Name: name, Required: required[name]}
		p.Type = strings.Join(schemaTypes(prop), "|")
		p.Description, _ = prop["description"].(string)
		p.Enum, _ = prop["enum"].([]any)
		params = append(params, p)
	}
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })
	return params
}

// validateArgs checks args against schema and returns one problem per
// violation, in a stable order. It enforces required parameters,
// declared JSON types and enums, and rejects unknown parameters only
// when the schema sets additionalProperties to false.
func validateArgs(schema map[string]any, args map[string]any) ([]string, error) {
	if len(schema) == 0 {
		return nil, nil
	}

	// Normalize caller values to their JSON forms so Go ints, structs
	// and the like compare the way the server will see them.
	norm, err := normalizeArgs(args)
	if err != nil {
		return nil, err
	}

	props, _ := schema["properties"].(map[string]any)
	closed := schema["additionalProperties"] == false

	var problems []string
	for _, name := range sortedKeys(requiredSet(schema)) {
		if _, ok := norm[name]; !ok {
			problems = append(problems, fmt.Sprintf("missing required parameter %q", name))
		}
	}

	for _, name := range sortedKeys(norm) {
		value := norm[name]
		raw, declared := props[name]
		if !declared {
			if closed {
				problems = append(problems, fmt.Sprintf("unknown parameter %q", name))
			}
			continue
		}
		prop, _ := raw.(map[string]any)

		if types := schemaTypes(prop); len(types) > 0 && !slices.ContainsFunc(types, func(t string) bool {
			return matchesType(value, t)
		}) {
			problems = append(problems, fmt.Sprintf("parameter %q: expected %s, got %s",
				name, strings.Join(types, " or "), jsonType(value)))
			continue
		}

		if enum, ok := prop["enum"].([]any); ok && len(enum) > 0 && !slices.ContainsFunc(enum, func(e any) bool {
			return reflect.DeepEqual(e, value)
		}) {
			problems = append(problems, fmt.Sprintf("parameter %q: value %v not in %v", name, value, enum))
		}
	}
	return problems, nil
}

func normalizeArgs(args map[string]any) (map[string]any, error) {
	if len(args) == 0 {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	return out, nil
}

func requiredSet(schema map[string]any) map[string]bool {
	set := make(map[string]bool)
	switch req := schema["required"].(type) {
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				set[s] = true
			}
		}
	case []string:
		for _, s := range req {
			set[s] = true
		}
	}
	return set
}

// schemaTypes returns the declared type or union of types.
func schemaTypes(prop map[string]any) []string {
	switch t := prop["type"].(type) {
	case string:
		return []string{t}
	case []any:
		var out []string
		for _, v := range t {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func matchesType(v any, typ string) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "integer":
		f, ok := v.(float64)
		return ok && f == math.Trunc(f)
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "null":
		return v == nil
	default:
		// Unknown type keywords are not enforced.
		return true
	}
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
