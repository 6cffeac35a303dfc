package tracking

import (
	"encoding/json"
	"strconv"
	"strings"

	"leanline/internal/validation"
)

// maxDecodeDepth bounds how many times a JSON string is unwrapped when clients stored
// an already encoded blob as a string.
const maxDecodeDepth = 3

// DecodeFlags normalizes whatever a client stored for a stage into Flags. It accepts a
// decoded mapping, a list of booleans, or JSON text holding either (possibly encoded
// more than once). Anything it cannot read yields empty flags; it never fails.
func DecodeFlags(raw any) validation.Flags {
	return decode(raw, 0)
}

func decode(raw any, depth int) validation.Flags {
	switch v := raw.(type) {
	case nil:
		return validation.Flags{}
	case validation.Flags:
		return v.Clone()
	case map[int]bool:
		return validation.Flags(v).Clone()
	case map[string]bool:
		out := validation.Flags{}
		for k, b := range v {
			if i, ok := position(k); ok && b {
				out[i] = true
			}
		}
		return out
	case map[string]any:
		out := validation.Flags{}
		for k, val := range v {
			if i, ok := position(k); ok && truthy(val) {
				out[i] = true
			}
		}
		return out
	case []bool:
		out := validation.Flags{}
		for i, b := range v {
			if b {
				out[i] = true
			}
		}
		return out
	case []any:
		out := validation.Flags{}
		for i, val := range v {
			if truthy(val) {
				out[i] = true
			}
		}
		return out
	case json.RawMessage:
		return decodeText(string(v), depth)
	case []byte:
		return decodeText(string(v), depth)
	case string:
		return decodeText(v, depth)
	default:
		return validation.Flags{}
	}
}

func decodeText(s string, depth int) validation.Flags {
	s = strings.TrimSpace(s)
	if s == "" || depth >= maxDecodeDepth {
		return validation.Flags{}
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return validation.Flags{}
	}
	return decode(v, depth+1)
}

func position(k string) (int, bool) {
	i, err := strconv.Atoi(strings.TrimSpace(k))
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

// truthy only accepts JSON true. Strings such as "true" are not completion.
func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// EncodeFlags renders flags as a JSON object keyed by criterion position. Only
// completed criteria are kept so equal flag sets always encode identically.
func EncodeFlags(flags validation.Flags) string {
	compact := make(map[int]bool, len(flags))
	for k, v := range flags {
		if v && k >= 0 {
			compact[k] = true
		}
	}
	b, err := json.Marshal(compact)
	if err != nil {
		return "{}"
	}
	return string(b)
}
