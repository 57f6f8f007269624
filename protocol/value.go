package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Value is a single SQL value crossing the worker boundary.
//
// JSON has no integer or byte-string types, so Value encodes blobs as
// {"$blob":"<base64>"} and decodes whole numbers back to int64. Reals always
// carry a fraction or exponent ("3.0"), and infinities travel as
// {"$real":"+Inf"}. Times are sent as RFC3339Nano strings.
type Value struct {
	V any
}

type blobJSON struct {
	Blob string `json:"$blob"`
}

type realJSON struct {
	Real string `json:"$real"`
}

// Values wraps plain Go values.
func Values(args ...any) []Value {
	if len(args) == 0 {
		return nil
	}
	vals := make([]Value, len(args))
	for i, a := range args {
		vals[i] = Value{V: a}
	}
	return vals
}

// Unwrap returns the plain Go values held by vals.
func Unwrap(vals []Value) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v.V
	}
	return out
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch x := v.V.(type) {
	case nil:
		return []byte("null"), nil
	case []byte:
		return json.Marshal(blobJSON{Blob: base64.StdEncoding.EncodeToString(x)})
	case time.Time:
		return json.Marshal(x.Format(time.RFC3339Nano))
	case float32:
		return marshalReal(float64(x), 32)
	case float64:
		return marshalReal(x, 64)
	case bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return json.Marshal(x)
	default:
		return nil, fmt.Errorf("protocol: unsupported value type %T", v.V)
	}
}

// marshalReal keeps whole reals distinguishable from integers on decode.
func marshalReal(f float64, bitSize int) ([]byte, error) {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return json.Marshal(realJSON{Real: strconv.FormatFloat(f, 'g', -1, 64)})
	}
	s := strconv.FormatFloat(f, 'g', -1, bitSize)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return []byte(s), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	switch r := raw.(type) {
	case json.Number:
		if i, err := r.Int64(); err == nil {
			v.V = i
			return nil
		}
		f, err := r.Float64()
		if err != nil {
			return fmt.Errorf("protocol: bad number %q: %w", r, err)
		}
		v.V = f
	case map[string]any:
		if s, ok := r["$real"].(string); ok && len(r) == 1 {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fmt.Errorf("protocol: bad real %q: %w", s, err)
			}
			v.V = f
			return nil
		}
		s, ok := r["$blob"].(string)
		if !ok || len(r) != 1 {
			return fmt.Errorf("protocol: objects are not valid SQL values")
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("protocol: bad blob encoding: %w", err)
		}
		v.V = b
	case []any:
		return fmt.Errorf("protocol: arrays are not valid SQL values")
	default:
		v.V = r
	}
	return nil
}
