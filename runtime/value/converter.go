// Package value converts between Go values and the JSON value kinds used for
// step params and results: nil, bool, float64, string, []any and
// map[string]any.
package value

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
)

// ResultKey wraps a result that does not serialize to a JSON object.
const ResultKey = "result"

// Mapper is implemented by structured results that know their own mapping.
type Mapper interface {
	ToMap() map[string]any
}

// Normalize converts a handler result into a mapping.
//
// A map[string]any is returned as is, a Mapper supplies its own map, and any
// other value goes through a JSON round trip. Values that do not encode to a
// JSON object are wrapped as {"result": v}.
func Normalize(v any) (map[string]any, error) {
	switch t := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return t, nil
	case Mapper:
		m := t.ToMap()
		if m == nil {
			m = map[string]any{}
		}
		return m, nil
	}

	normalized, err := NormalizeValue(v)
	if err != nil {
		return nil, err
	}
	if m, ok := normalized.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{ResultKey: normalized}, nil
}

// NormalizeValue converts v to JSON value kinds using a JSON round trip.
func NormalizeValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}

	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return out, nil
}

// NormalizeMap is NormalizeValue for mappings. A nil map normalizes to an
// empty one.
func NormalizeMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	v, err := NormalizeValue(m)
	if err != nil {
		return nil, err
	}
	out, _ := v.(map[string]any)
	return out, nil
}

// ToStringValueMap flattens a parameter map into query-string values.
// Nested mappings and sequences are JSON encoded.
func ToStringValueMap(m map[string]any) map[string]string {
	result := make(map[string]string, len(m))
	for key, value := range m {
		switch v := value.(type) {
		case string:
			result[key] = v
		case int:
			result[key] = strconv.Itoa(v)
		case int64:
			result[key] = strconv.FormatInt(v, 10)
		case float64:
			result[key] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			result[key] = strconv.FormatBool(v)
		case nil:
			result[key] = ""
		case map[string]any, []any:
			data, err := json.Marshal(v)
			if err != nil {
				result[key] = fmt.Sprintf("%v", v)
				continue
			}
			result[key] = string(data)
		default:
			result[key] = fmt.Sprintf("%v", v)
		}
	}
	return result
}

// Decode converts a map into a struct using json tags. Input is weakly typed
// so records persisted by older versions (numbers as strings and the like)
// still decode.
func Decode(m map[string]any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  target,
		TagName: "json",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		),
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(m); err != nil {
		return fmt.Errorf("failed to decode map to struct: %w", err)
	}
	return nil
}
