package registry

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Kind is the JSON Schema type tag of a Schema node.
type Kind string

const (
	KindAny     Kind = ""
	KindObject  Kind = "object"
	KindString  Kind = "string"
	KindInteger Kind = "integer"
	KindNumber  Kind = "number"
	KindBoolean Kind = "boolean"
	KindArray   Kind = "array"
	KindNull    Kind = "null"
)

// Schema is the subset of JSON Schema toolgate understands, parsed once when
// the catalog is built and applied to arguments at dispatch time.
type Schema struct {
	Kind        Kind
	Nullable    bool
	Description string
	Properties  map[string]*Schema
	Required    []string
	// Open reports whether keys outside Properties are accepted.
	Open  bool
	Items *Schema
	Enum  []any
}

type rawSchema struct {
	Type                 json.RawMessage            `json:"type"`
	Description          string                     `json:"description"`
	Properties           map[string]json.RawMessage `json:"properties"`
	Required             []string                   `json:"required"`
	AdditionalProperties json.RawMessage            `json:"additionalProperties"`
	Items                json.RawMessage            `json:"items"`
	Enum                 []any                      `json:"enum"`
}

// ParseSchema parses a JSON Schema document. An empty document yields a
// permissive object schema.
func ParseSchema(data json.RawMessage) (*Schema, error) {
	if len(strings.TrimSpace(string(data))) == 0 || string(data) == "null" {
		return &Schema{Kind: KindObject, Open: true}, nil
	}
	var raw rawSchema
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}
	return raw.compile()
}

func (r rawSchema) compile() (*Schema, error) {
	s := &Schema{
		Description: r.Description,
		Required:    r.Required,
		Enum:        r.Enum,
	}

	kind, nullable, err := parseKind(r.Type)
	if err != nil {
		return nil, err
	}
	if kind == KindAny && r.Properties != nil {
		kind = KindObject
	}
	s.Kind, s.Nullable = kind, nullable

	if len(r.Properties) > 0 {
		s.Properties = make(map[string]*Schema, len(r.Properties))
		for name, propRaw := range r.Properties {
			prop, err := ParseSchema(propRaw)
			if err != nil {
				return nil, fmt.Errorf("property %q: %w", name, err)
			}
			s.Properties[name] = prop
		}
	}

	switch strings.TrimSpace(string(r.AdditionalProperties)) {
	case "", "false":
		s.Open = len(s.Properties) == 0
	default:
		s.Open = true
	}

	if len(r.Items) > 0 && string(r.Items) != "null" {
		items, err := ParseSchema(r.Items)
		if err != nil {
			return nil, fmt.Errorf("items: %w", err)
		}
		s.Items = items
	}

	return s, nil
}

func parseKind(data json.RawMessage) (Kind, bool, error) {
	if len(data) == 0 {
		return KindAny, false, nil
	}

	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		return normalizeKind(single), false, nil
	}

	var union []string
	if err := json.Unmarshal(data, &union); err != nil {
		return KindAny, false, fmt.Errorf("invalid schema type %s", data)
	}
	kind, nullable := KindAny, false
	for _, t := range union {
		k := normalizeKind(t)
		if k == KindNull {
			nullable = true
			continue
		}
		if kind == KindAny {
			kind = k
		}
	}
	return kind, nullable, nil
}

func normalizeKind(t string) Kind {
	return Kind(strings.ToLower(strings.TrimSpace(t)))
}

// SchemaForTool returns the parsed input schema of tool together with the
// raw JSON offered to the model.
func SchemaForTool(tool mcp.Tool) (*Schema, json.RawMessage, error) {
	raw := tool.RawInputSchema
	if len(raw) == 0 {
		b, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding input schema: %w", err)
		}
		raw = b
	}
	schema, err := ParseSchema(raw)
	if err != nil {
		return nil, raw, err
	}
	if schema.Kind != KindObject && schema.Kind != KindAny {
		return nil, raw, fmt.Errorf("tool input schema must be object, got %q", schema.Kind)
	}
	schema.Kind = KindObject
	return schema, raw, nil
}

// Compile validates args against the schema and coerces loosely typed values
// (numeric strings, "true"/"false", JSON-encoded objects and arrays) to the
// declared types. Violations wrap mcp.ErrInvalidParams.
func (s *Schema) Compile(args map[string]any) (map[string]any, error) {
	if args == nil {
		args = map[string]any{}
	}
	if s == nil {
		return args, nil
	}
	return s.coerceObject(args, "")
}

func (s *Schema) coerceObject(raw map[string]any, path string) (map[string]any, error) {
	if raw == nil {
		raw = map[string]any{}
	}

	if !s.Open {
		for _, key := range sortedKeys(raw) {
			if _, ok := s.Properties[key]; !ok {
				return nil, invalidParams("unknown argument %q", dottedPath(path, key))
			}
		}
	}
	for _, key := range s.Required {
		if _, ok := raw[key]; !ok {
			return nil, invalidParams("missing required argument %q", dottedPath(path, key))
		}
	}

	out := make(map[string]any, len(raw))
	for _, key := range sortedKeys(raw) {
		prop := s.Properties[key]
		if prop == nil {
			out[key] = raw[key]
			continue
		}
		coerced, err := prop.coerce(raw[key], dottedPath(path, key))
		if err != nil {
			return nil, err
		}
		out[key] = coerced
	}
	return out, nil
}

func (s *Schema) coerce(value any, path string) (any, error) {
	if value == nil {
		if s.Nullable || s.Kind == KindAny || s.Kind == KindNull {
			return nil, nil
		}
		return nil, invalidParams("argument %q must be %s, got null", path, s.Kind)
	}

	var (
		out any
		err error
	)
	switch s.Kind {
	case KindString:
		str, ok := value.(string)
		if !ok {
			return nil, invalidType(path, "string", value)
		}
		out = str
	case KindInteger:
		out, err = coerceInteger(value, path)
	case KindNumber:
		out, err = coerceNumber(value, path)
	case KindBoolean:
		out, err = coerceBoolean(value, path)
	case KindArray:
		out, err = s.coerceArray(value, path)
	case KindObject:
		out, err = s.coerceObjectValue(value, path)
	default:
		out = value
	}
	if err != nil {
		return nil, err
	}

	if len(s.Enum) > 0 && !enumContains(s.Enum, out) {
		return nil, invalidParams("argument %q must be one of %v", path, s.Enum)
	}
	return out, nil
}

func coerceInteger(value any, path string) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if math.Trunc(v) != v {
			return 0, invalidParams("argument %q must be integer", path)
		}
		return int64(v), nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		f, err := v.Float64()
		if err != nil || math.Trunc(f) != f {
			return 0, invalidParams("argument %q must be integer", path)
		}
		return int64(f), nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, invalidParams("argument %q must be integer: %v", path, err)
		}
		return i, nil
	default:
		return 0, invalidType(path, "integer", value)
	}
}

func coerceNumber(value any, path string) (float64, error) {
	switch v := value.(type) {
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, invalidParams("argument %q must be number: %v", path, err)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, invalidParams("argument %q must be number: %v", path, err)
		}
		return f, nil
	default:
		return 0, invalidType(path, "number", value)
	}
}

func coerceBoolean(value any, path string) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, invalidParams("argument %q must be boolean: %v", path, err)
		}
		return b, nil
	default:
		return false, invalidType(path, "boolean", value)
	}
}

func (s *Schema) coerceArray(value any, path string) ([]any, error) {
	var items []any
	switch v := value.(type) {
	case []any:
		items = v
	case string:
		trimmed := strings.TrimSpace(v)
		if !strings.HasPrefix(trimmed, "[") {
			items = []any{v}
			break
		}
		if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
			return nil, invalidParams("argument %q must be JSON array: %v", path, err)
		}
	default:
		items = []any{v}
	}

	out := make([]any, 0, len(items))
	for i, item := range items {
		if s.Items == nil {
			out = append(out, item)
			continue
		}
		coerced, err := s.Items.coerce(item, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out = append(out, coerced)
	}
	return out, nil
}

func (s *Schema) coerceObjectValue(value any, path string) (map[string]any, error) {
	switch v := value.(type) {
	case map[string]any:
		return s.coerceObject(v, path)
	case string:
		var parsed map[string]any
		if err := json.Unmarshal([]byte(strings.TrimSpace(v)), &parsed); err != nil {
			return nil, invalidParams("argument %q must be JSON object: %v", path, err)
		}
		return s.coerceObject(parsed, path)
	default:
		return nil, invalidType(path, "object", value)
	}
}

func enumContains(enum []any, value any) bool {
	for _, candidate := range enum {
		if reflect.DeepEqual(normalizeNumber(candidate), normalizeNumber(value)) {
			return true
		}
	}
	return false
}

func normalizeNumber(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
		return v
	default:
		return v
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func invalidType(path, want string, got any) error {
	return invalidParams("argument %q must be %s, got %T", path, want, got)
}

func invalidParams(format string, args ...any) error {
	return fmt.Errorf("%w: %s", mcp.ErrInvalidParams, fmt.Sprintf(format, args...))
}

func dottedPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
