package codec

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Delimiters used when flattening nested request data.
const (
	PathDelim  = ":"
	PairDelim  = "&"
	ArrayDelim = ","
)

// Flatten turns nested data into fields. Nested map keys are joined with ':' and
// slices are joined with ','. Map keys are visited in sorted order.
func Flatten(data map[string]any) []Field {
	var out []Field
	flatten(&out, "", data)
	return out
}

// FlattenString renders Flatten's output as unescaped name=value pairs joined by '&'.
func FlattenString(data map[string]any) string {
	fields := Flatten(data)
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = f.Name + "=" + f.Value
	}
	return strings.Join(parts, PairDelim)
}

func flatten(out *[]Field, prefix string, data map[string]any) {
	for _, k := range slices.Sorted(maps.Keys(data)) {
		name := k
		if prefix != "" {
			name = prefix + PathDelim + k
		}
		switch v := data[k].(type) {
		case map[string]any:
			if len(v) == 0 {
				*out = append(*out, Field{Name: name})
				continue
			}
			flatten(out, name, v)
		case map[string]string:
			if len(v) == 0 {
				*out = append(*out, Field{Name: name})
				continue
			}
			nested := make(map[string]any, len(v))
			for nk, nv := range v {
				nested[nk] = nv
			}
			flatten(out, name, nested)
		case []string:
			*out = append(*out, Field{Name: name, Value: strings.Join(v, ArrayDelim)})
		case []any:
			items := make([]string, len(v))
			for i, item := range v {
				items[i] = scalar(item)
			}
			*out = append(*out, Field{Name: name, Value: strings.Join(items, ArrayDelim)})
		default:
			*out = append(*out, Field{Name: name, Value: scalar(v)})
		}
	}
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
