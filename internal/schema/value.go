package schema

import "fmt"

// Value is the result of a metadata lookup. A missing key anywhere along the
// lookup chain yields an absent Value; absent is not an error and means "not
// configured".
type Value struct {
	raw     any
	present bool
}

func present(v any) Value { return Value{raw: v, present: true} }

// Exists reports whether every key of the lookup chain was found. A key that is
// present with a null value exists.
func (v Value) Exists() bool { return v.present }

// IsNull reports whether the value is absent or an explicit null.
func (v Value) IsNull() bool { return !v.present || v.raw == nil }

// Raw returns the underlying value, nil when absent.
func (v Value) Raw() any { return v.raw }

// Get descends into a mapping. Looking up a key on anything other than a
// mapping yields an absent Value.
func (v Value) Get(key string) Value {
	if !v.present {
		return Value{}
	}
	switch m := v.raw.(type) {
	case Metadata:
		return lookup(m, key)
	case map[string]any:
		return lookup(m, key)
	case map[any]any:
		converted, _ := v.Map()
		return lookup(converted, key)
	default:
		return Value{}
	}
}

// Index descends into a sequence.
func (v Value) Index(i int) Value {
	if !v.present {
		return Value{}
	}
	s, ok := v.raw.([]any)
	if !ok || i < 0 || i >= len(s) {
		return Value{}
	}
	return present(s[i])
}

// Truthy reports whether the value is set to something other than null,
// false, zero, or an empty string, sequence or mapping.
func (v Value) Truthy() bool {
	if v.IsNull() {
		return false
	}
	switch x := v.raw.(type) {
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int64:
		return x != 0
	case uint64:
		return x != 0
	case float64:
		return x != 0
	case []any:
		return len(x) > 0
	case Metadata:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	case map[any]any:
		return len(x) > 0
	default:
		return true
	}
}

// String returns the value if it is a string.
func (v Value) String() (string, bool) {
	s, ok := v.raw.(string)
	return s, ok
}

// Bool returns the value if it is a boolean.
func (v Value) Bool() (bool, bool) {
	b, ok := v.raw.(bool)
	return b, ok
}

// Int returns the value if it is an integer.
func (v Value) Int() (int, bool) {
	switch x := v.raw.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case uint64:
		return int(x), true
	default:
		return 0, false
	}
}

// Strings returns the value as a list of strings. A single string is treated
// as a one-element list.
func (v Value) Strings() ([]string, bool) {
	switch x := v.raw.(type) {
	case string:
		return []string{x}, true
	case []string:
		return x, true
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// Map returns the value as a mapping.
func (v Value) Map() (Metadata, bool) {
	switch x := v.raw.(type) {
	case Metadata:
		return x, true
	case map[string]any:
		return Metadata(x), true
	case map[any]any:
		out := make(Metadata, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func lookup(m map[string]any, key string) Value {
	child, ok := m[key]
	if !ok {
		return Value{}
	}
	return present(child)
}
