package tool

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "null"
	}
}

// Value is a decoded JSON value. Exactly one field matching Kind is set.
type Value struct {
	Kind   Kind
	Bool   bool
	Number float64
	Str    string
	Array  []Value
	Object map[string]Value
}

// Args are the decoded arguments of a tool call. A nil Args behaves as an
// empty object.
type Args map[string]Value

// ParseArgs decodes a raw arguments payload. Empty, malformed or non-object
// input yields an empty Args rather than an error.
func ParseArgs(raw string) Args {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Args{}
	}
	v, err := decodeValue([]byte(raw))
	if err != nil {
		// Models occasionally emit invalid escapes such as \% inside strings.
		v, err = decodeValue([]byte(sanitizeJSONEscapes(raw)))
		if err != nil {
			return Args{}
		}
	}
	if v.Kind != KindObject {
		return Args{}
	}
	return Args(v.Object)
}

func decodeValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var x any
	if err := dec.Decode(&x); err != nil {
		return Value{}, err
	}
	return fromAny(x), nil
}

func fromAny(x any) Value {
	switch t := x.(type) {
	case nil:
		return Value{Kind: KindNull}
	case bool:
		return Value{Kind: KindBool, Bool: t}
	case json.Number:
		f, _ := t.Float64()
		return Value{Kind: KindNumber, Number: f}
	case float64:
		return Value{Kind: KindNumber, Number: t}
	case string:
		return Value{Kind: KindString, Str: t}
	case []any:
		arr := make([]Value, len(t))
		for i, e := range t {
			arr[i] = fromAny(e)
		}
		return Value{Kind: KindArray, Array: arr}
	case map[string]any:
		obj := make(map[string]Value, len(t))
		for k, e := range t {
			obj[k] = fromAny(e)
		}
		return Value{Kind: KindObject, Object: obj}
	default:
		return Value{Kind: KindNull}
	}
}

// Has reports whether key is present and not null.
func (a Args) Has(key string) bool {
	v, ok := a[key]
	return ok && v.Kind != KindNull
}

// String returns the string at key. Numbers and bools are formatted; other
// kinds and missing keys yield "".
func (a Args) String(key string) string {
	v, ok := a[key]
	if !ok {
		return ""
	}
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return ""
	}
}

// Number returns the number at key, parsing numeric strings.
func (a Args) Number(key string) (float64, bool) {
	v, ok := a[key]
	if !ok {
		return 0, false
	}
	switch v.Kind {
	case KindNumber:
		return v.Number, true
	case KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Bool returns the bool at key, accepting "true"/"false" strings.
func (a Args) Bool(key string) (bool, bool) {
	v, ok := a[key]
	if !ok {
		return false, false
	}
	switch v.Kind {
	case KindBool:
		return v.Bool, true
	case KindString:
		b, err := strconv.ParseBool(strings.TrimSpace(v.Str))
		return b, err == nil
	default:
		return false, false
	}
}

// Interface converts v back to plain Go values for logging.
func (v Value) Interface() any {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindNumber:
		return v.Number
	case KindString:
		return v.Str
	case KindArray:
		out := make([]any, len(v.Array))
		for i, e := range v.Array {
			out[i] = e.Interface()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.Object))
		for k, e := range v.Object {
			out[k] = e.Interface()
		}
		return out
	default:
		return nil
	}
}

// JSON renders the arguments for debug logs.
func (a Args) JSON() string {
	m := make(map[string]any, len(a))
	for k, v := range a {
		m[k] = v.Interface()
	}
	b, _ := json.Marshal(m)
	return string(b)
}

// sanitizeJSONEscapes drops the backslash of escape sequences JSON does not
// define (\%, \Y, ...), leaving valid ones intact.
func sanitizeJSONEscapes(s string) string {
	var buf strings.Builder
	buf.Grow(len(s))
	inString := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '"' {
			inString = !inString
			buf.WriteByte(ch)
			continue
		}
		if inString && ch == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case '"', '\\', '/', 'b', 'f', 'n', 'r', 't', 'u':
				buf.WriteByte(ch)
				buf.WriteByte(s[i+1])
				i++
			}
			continue
		}
		buf.WriteByte(ch)
	}
	return buf.String()
}
