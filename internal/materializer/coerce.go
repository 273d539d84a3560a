package materializer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"relgraph/internal/metadata"
	"relgraph/internal/sqlutil"
	"relgraph/internal/uuidutil"
)

var dateTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999Z0700",
}

// coerce converts a raw driver value to the property's logical type.
func coerce(prop *metadata.Property, raw interface{}, timezone string) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	switch prop.Type {
	case metadata.TypeDateTime:
		return coerceDateTime(raw, timezone)
	case metadata.TypeJSON:
		return decodeJSON(prop, raw, timezone)
	case metadata.TypeUUID:
		return coerceUUID(raw)
	case metadata.TypeBoolean:
		return coerceBool(raw)
	case metadata.TypeInteger:
		return coerceInt(raw)
	case metadata.TypeFloat:
		return coerceFloat(raw)
	case metadata.TypeBytes:
		if s, ok := raw.(string); ok {
			return []byte(s), nil
		}
		return raw, nil
	default:
		return convertValue(raw), nil
	}
}

func convertValue(val interface{}) interface{} {
	if val == nil {
		return nil
	}
	if b, ok := val.([]byte); ok {
		return string(b)
	}
	return val
}

// coerceDateTime appends the session timezone to textual timestamps that
// carry no offset, then parses them. Text matching no layout is returned
// as read.
func coerceDateTime(raw interface{}, timezone string) (interface{}, error) {
	var text string
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case []byte:
		text = string(v)
	case string:
		text = v
	default:
		return raw, nil
	}
	text = strings.TrimSpace(text)
	zoned := text
	if !sqlutil.HasTimezoneMarker(text) {
		zoned += timezone
	}
	for _, layout := range dateTimeLayouts {
		if parsed, err := time.Parse(layout, zoned); err == nil {
			return parsed, nil
		}
	}
	return text, nil
}

func decodeJSON(prop *metadata.Property, raw interface{}, timezone string) (interface{}, error) {
	var data []byte
	switch v := raw.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return coerceEmbeddedValue(prop, raw, timezone)
	}
	var decoded interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("decode %s: %w", prop.Name, err)
	}
	return coerceEmbeddedValue(prop, decoded, timezone)
}

// coerceEmbeddedValue applies child property types to a decoded object.
func coerceEmbeddedValue(prop *metadata.Property, value interface{}, timezone string) (interface{}, error) {
	if len(prop.Embedded) == 0 {
		return value, nil
	}
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			out[key] = item
		}
		for _, child := range prop.Embedded {
			item, ok := v[child.Name]
			if !ok || item == nil {
				continue
			}
			var (
				coerced interface{}
				err     error
			)
			if child.Kind == metadata.KindEmbedded {
				coerced, err = coerceEmbeddedValue(child, item, timezone)
			} else {
				coerced, err = coerceDecoded(child, item, timezone)
			}
			if err != nil {
				return nil, err
			}
			out[child.Name] = coerced
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			coerced, err := coerceEmbeddedValue(prop, item, timezone)
			if err != nil {
				return nil, err
			}
			out[i] = coerced
		}
		return out, nil
	default:
		return value, nil
	}
}

// coerceDecoded converts JSON-decoded scalars; numbers arrive as float64.
func coerceDecoded(prop *metadata.Property, value interface{}, timezone string) (interface{}, error) {
	if f, ok := value.(float64); ok && prop.Type == metadata.TypeInteger {
		return int64(f), nil
	}
	if prop.Type == metadata.TypeJSON {
		return value, nil
	}
	return coerce(prop, value, timezone)
}

func coerceUUID(raw interface{}) (interface{}, error) {
	switch v := raw.(type) {
	case []byte:
		if len(v) == 16 {
			_, formatted, err := uuidutil.ParseBytes(v)
			return formatted, err
		}
		_, formatted, err := uuidutil.ParseString(string(v))
		return formatted, err
	case string:
		if len(v) == 16 {
			_, formatted, err := uuidutil.ParseBytes([]byte(v))
			return formatted, err
		}
		_, formatted, err := uuidutil.ParseString(v)
		return formatted, err
	default:
		return raw, nil
	}
}

func coerceBool(raw interface{}) (interface{}, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case int64:
		return v != 0, nil
	case []byte:
		return strconv.ParseBool(string(v))
	case string:
		return strconv.ParseBool(v)
	default:
		return raw, nil
	}
}

func coerceInt(raw interface{}) (interface{}, error) {
	switch v := raw.(type) {
	case []byte:
		return strconv.ParseInt(string(v), 10, 64)
	case string:
		return strconv.ParseInt(v, 10, 64)
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	default:
		return raw, nil
	}
}

func coerceFloat(raw interface{}) (interface{}, error) {
	switch v := raw.(type) {
	case []byte:
		return strconv.ParseFloat(string(v), 64)
	case string:
		return strconv.ParseFloat(v, 64)
	case float32:
		return float64(v), nil
	default:
		return raw, nil
	}
}
