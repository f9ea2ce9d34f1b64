package docstore

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"
)

// wireTimeFormat is the timestamp layout the store emits and accepts:
// UTC with millisecond precision.
const wireTimeFormat = "2006-01-02T15:04:05.000Z"

// Codec translates between native Go values and the store's typed wire
// representation, where every value is a single-key object naming its type
// ({"stringValue": ...}, {"integerValue": "42"}, and so on).
type Codec struct {
	logger *slog.Logger
}

// NewCodec creates a codec. Unknown wire types are decoded as nil and logged
// through the given logger rather than failing the whole document.
func NewCodec(logger *slog.Logger) *Codec {
	return &Codec{logger: logger}
}

// EncodeValue converts a native value into its typed wire form.
// Integral floats are encoded as integers, matching what the store
// itself does when a client writes a whole number.
func (c *Codec) EncodeValue(v any) map[string]any {
	switch t := v.(type) {
	case nil:
		return map[string]any{"nullValue": nil}
	case string:
		return map[string]any{"stringValue": t}
	case bool:
		return map[string]any{"booleanValue": t}
	case int:
		return map[string]any{"integerValue": strconv.FormatInt(int64(t), 10)}
	case int32:
		return map[string]any{"integerValue": strconv.FormatInt(int64(t), 10)}
	case int64:
		return map[string]any{"integerValue": strconv.FormatInt(t, 10)}
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) && math.Abs(t) < math.MaxInt64 {
			return map[string]any{"integerValue": strconv.FormatInt(int64(t), 10)}
		}
		return map[string]any{"doubleValue": t}
	case time.Time:
		return map[string]any{"timestampValue": t.UTC().Format(wireTimeFormat)}
	case []any:
		values := make([]any, len(t))
		for i, e := range t {
			values[i] = c.EncodeValue(e)
		}
		return map[string]any{"arrayValue": map[string]any{"values": values}}
	case map[string]any:
		return map[string]any{"mapValue": map[string]any{"fields": c.EncodeFields(t)}}
	default:
		c.logger.Warn("cannot encode value type, writing null",
			slog.String("type", fmt.Sprintf("%T", v)),
		)
		return map[string]any{"nullValue": nil}
	}
}

// EncodeFields converts a map of native values into the wire "fields" map.
func (c *Codec) EncodeFields(m map[string]any) map[string]any {
	fields := make(map[string]any, len(m))
	for k, v := range m {
		fields[k] = c.EncodeValue(v)
	}
	return fields
}

// DecodeValue converts a typed wire value back into its native form.
// A wire value whose type key is unrecognized decodes as nil with a warning.
func (c *Codec) DecodeValue(wire map[string]any) any {
	if s, ok := wire["stringValue"]; ok {
		v, _ := s.(string)
		return v
	}
	if i, ok := wire["integerValue"]; ok {
		return c.decodeInteger(i)
	}
	if d, ok := wire["doubleValue"]; ok {
		v, _ := d.(float64)
		return v
	}
	if b, ok := wire["booleanValue"]; ok {
		v, _ := b.(bool)
		return v
	}
	if ts, ok := wire["timestampValue"]; ok {
		s, _ := ts.(string)
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			c.logger.Warn("malformed timestamp value", slog.String("value", s))
			return nil
		}
		return t.UTC()
	}
	if arr, ok := wire["arrayValue"]; ok {
		inner, _ := arr.(map[string]any)
		raw, _ := inner["values"].([]any)
		values := make([]any, 0, len(raw))
		for _, e := range raw {
			if m, ok := e.(map[string]any); ok {
				values = append(values, c.DecodeValue(m))
			}
		}
		return values
	}
	if mp, ok := wire["mapValue"]; ok {
		inner, _ := mp.(map[string]any)
		raw, _ := inner["fields"].(map[string]any)
		return c.DecodeFields(raw)
	}
	if _, ok := wire["nullValue"]; ok {
		return nil
	}

	c.logger.Warn("unknown wire value type, decoding as null",
		slog.Any("keys", mapKeys(wire)),
	)
	return nil
}

// DecodeFields converts a wire "fields" map back into native values.
func (c *Codec) DecodeFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		wire, ok := v.(map[string]any)
		if !ok {
			c.logger.Warn("field is not a wire value object", slog.String("field", k))
			out[k] = nil
			continue
		}
		out[k] = c.DecodeValue(wire)
	}
	return out
}

// decodeInteger handles both forms the wire can deliver: the canonical
// decimal string and a bare JSON number from lenient emulators.
func (c *Codec) decodeInteger(v any) int64 {
	switch t := v.(type) {
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			c.logger.Warn("malformed integer value", slog.String("value", t))
			return 0
		}
		return n
	case float64:
		return int64(t)
	default:
		c.logger.Warn("malformed integer value",
			slog.String("type", fmt.Sprintf("%T", v)),
		)
		return 0
	}
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
