package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// coerceArguments converts scalar arguments to the types declared by the
// tool's input schema. Arguments without a schema entry pass through, and
// required-ness is left for the engine to judge.
func coerceArguments(raw map[string]any, schemaRaw json.RawMessage) (map[string]any, error) {
	if raw == nil {
		raw = map[string]any{}
	}
	if len(schemaRaw) == 0 {
		return raw, nil
	}

	var schema map[string]any
	if err := json.Unmarshal(schemaRaw, &schema); err != nil || len(schema) == 0 {
		return raw, nil
	}
	if typ := schemaType(schema); typ != "" && typ != "object" {
		return raw, nil
	}
	return coerceObject(raw, schema, "")
}

func coerceObject(raw map[string]any, schema map[string]any, path string) (map[string]any, error) {
	props, _ := schema["properties"].(map[string]any)
	out := make(map[string]any, len(raw))
	for key, value := range raw {
		propSchema, _ := props[key].(map[string]any)
		if propSchema == nil {
			out[key] = value
			continue
		}
		coerced, err := coerceValue(value, propSchema, dottedPath(path, key))
		if err != nil {
			return nil, err
		}
		out[key] = coerced
	}
	return out, nil
}

func coerceValue(value any, schema map[string]any, path string) (any, error) {
	if value == nil {
		return nil, nil
	}

	switch schemaType(schema) {
	case "string":
		return coerceString(value), nil
	case "integer":
		return coerceInteger(value, path)
	case "number":
		return coerceNumber(value, path)
	case "boolean":
		return coerceBoolean(value, path)
	case "array":
		return coerceArray(value, schema, path)
	case "object":
		obj, ok := value.(map[string]any)
		if !ok {
			return nil, invalidParamsType(path, "object", value)
		}
		return coerceObject(obj, schema, path)
	default:
		return value, nil
	}
}

// coerceString renders scalars in their JSON text form. Objects and arrays
// pass through for the engine to judge.
func coerceString(value any) any {
	switch v := value.(type) {
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return value
	}
}

func coerceInteger(value any, path string) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if math.Trunc(v) != v {
			return 0, invalidParamsError("argument %q must be integer", path)
		}
		return int64(v), nil
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, invalidParamsError("argument %q must be integer: %v", path, err)
		}
		return i, nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, invalidParamsError("argument %q must be integer: %v", path, err)
		}
		return i, nil
	default:
		return 0, invalidParamsType(path, "integer", value)
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
			return 0, invalidParamsError("argument %q must be number: %v", path, err)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, invalidParamsError("argument %q must be number: %v", path, err)
		}
		return f, nil
	default:
		return 0, invalidParamsType(path, "number", value)
	}
}

func coerceBoolean(value any, path string) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, invalidParamsError("argument %q must be boolean: %v", path, err)
		}
		return b, nil
	default:
		return false, invalidParamsType(path, "boolean", value)
	}
}

// coerceArray also accepts a JSON array encoded as a string, which is how
// vectors like "[0, 0, 100]" often arrive from chat-driven callers.
func coerceArray(value any, schema map[string]any, path string) ([]any, error) {
	items, _ := schema["items"].(map[string]any)

	var list []any
	switch v := value.(type) {
	case []any:
		list = v
	case string:
		if err := json.Unmarshal([]byte(strings.TrimSpace(v)), &list); err != nil {
			return nil, invalidParamsError("argument %q must be JSON array: %v", path, err)
		}
	default:
		return nil, invalidParamsType(path, "array", value)
	}

	if items == nil {
		return list, nil
	}
	out := make([]any, 0, len(list))
	for i, item := range list {
		coerced, err := coerceValue(item, items, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out = append(out, coerced)
	}
	return out, nil
}

func schemaType(schema map[string]any) string {
	if t, ok := schema["type"].(string); ok {
		return strings.TrimSpace(strings.ToLower(t))
	}
	if _, ok := schema["properties"]; ok {
		return "object"
	}
	return ""
}

func invalidParamsType(path, want string, got any) error {
	return invalidParamsError("argument %q must be %s, got %T", path, want, got)
}

func invalidParamsError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", mcp.ErrInvalidParams, fmt.Sprintf(format, args...))
}

func dottedPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
