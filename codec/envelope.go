// Package codec converts between the Theas wire envelope and flat name/value maps.
//
// A response envelope is either URL-encoded name=value pairs or a JSON document, and
// may be wrapped in base64. Requests are URL-encoded, or multipart when files are
// attached.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/DavidRueter/Theas/params"
)

// WrapperKey is the JSON key under which a server may embed a second envelope
// carrying Theas parameters.
const WrapperKey = "__TheasParams"

const maxWrapperDepth = 8

// ErrMalformedEnvelope is matched by every decode failure.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// MalformedError reports an envelope that neither decoder accepted.
type MalformedError struct {
	Raw      string
	JSONErr  error
	PairsErr error
}

func (e *MalformedError) Error() string {
	raw := e.Raw
	if len(raw) > 64 {
		raw = raw[:64] + "..."
	}
	switch {
	case e.JSONErr != nil && e.PairsErr != nil:
		return fmt.Sprintf("malformed envelope %q: json: %v; pairs: %v", raw, e.JSONErr, e.PairsErr)
	case e.PairsErr != nil:
		return fmt.Sprintf("malformed envelope %q: %v", raw, e.PairsErr)
	default:
		return fmt.Sprintf("malformed envelope %q: %v", raw, e.JSONErr)
	}
}

func (e *MalformedError) Unwrap() []error {
	errs := []error{ErrMalformedEnvelope}
	if e.JSONErr != nil {
		errs = append(errs, e.JSONErr)
	}
	if e.PairsErr != nil {
		errs = append(errs, e.PairsErr)
	}
	return errs
}

// DecodeEnvelope decodes a response body into a flat map. Names are returned as sent;
// callers canonicalise them when merging into a params.Store.
func DecodeEnvelope(raw string) (map[string]string, error) {
	return decodeEnvelope(raw, 0)
}

func decodeEnvelope(raw string, depth int) (map[string]string, error) {
	text := raw
	if decoded, ok := unwrapBase64(raw); ok {
		text = decoded
	}

	var jsonErr error
	if text != "" && (text[0] == '{' || text[0] == '[') {
		out, err := decodeJSON(text, depth)
		if err == nil {
			return out, nil
		}
		jsonErr = err
	}

	out, err := decodePairs(text)
	if err != nil {
		return nil, &MalformedError{Raw: raw, JSONErr: jsonErr, PairsErr: err}
	}
	return out, nil
}

// unwrapBase64 accepts only strict, padded standard base64 whose payload is printable
// UTF-8, so plain words and URL-encoded bodies are left alone.
func unwrapBase64(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if len(s) < 4 || len(s)%4 != 0 {
		return "", false
	}
	b, err := base64.StdEncoding.Strict().DecodeString(s)
	if err != nil || len(b) == 0 || !utf8.Valid(b) {
		return "", false
	}
	for _, r := range string(b) {
		if (r < 0x20 && r != '\t' && r != '\n' && r != '\r') || r == 0x7f {
			return "", false
		}
	}
	return string(b), true
}

func decodeJSON(text string, depth int) (map[string]string, error) {
	entries := make(map[string]json.RawMessage)
	if text[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal([]byte(text), &arr); err != nil {
			return nil, err
		}
		for i, v := range arr {
			entries[strconv.Itoa(i)] = v
		}
	} else if err := json.Unmarshal([]byte(text), &entries); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(entries))
	if wrapped, ok := entries[WrapperKey]; ok {
		if depth >= maxWrapperDepth {
			return nil, fmt.Errorf("%s nested deeper than %d", WrapperKey, maxWrapperDepth)
		}
		inner, err := decodeEnvelope(jsonValue(wrapped), depth+1)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", WrapperKey, err)
		}
		for k, v := range inner {
			out[k] = v
		}
		delete(entries, WrapperKey)
	}
	for k, v := range entries {
		out[k] = jsonValue(v)
	}
	return out, nil
}

// jsonValue renders a JSON value as a parameter string: strings unquoted, null empty,
// anything else as compact JSON text.
func jsonValue(v json.RawMessage) string {
	trimmed := strings.TrimSpace(string(v))
	switch {
	case trimmed == "null":
		return ""
	case strings.HasPrefix(trimmed, `"`):
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return s
		}
	}
	var sb strings.Builder
	if err := compactJSON(&sb, v); err != nil {
		return trimmed
	}
	return sb.String()
}

func decodePairs(text string) (map[string]string, error) {
	if text == "" {
		return nil, errors.New("empty envelope")
	}
	out := make(map[string]string)
	seen := 0
	for _, seg := range strings.Split(text, "&") {
		if seg == "" {
			continue
		}
		seen++
		name, value, found := strings.Cut(seg, "=")
		if !found {
			return nil, fmt.Errorf("pair %q has no value", seg)
		}
		n, err := Unescape(name)
		if err != nil {
			return nil, fmt.Errorf("name %q: %w", name, err)
		}
		if n == "" {
			continue
		}
		v, err := Unescape(value)
		if err != nil {
			return nil, fmt.Errorf("value of %q: %w", n, err)
		}
		out[n] = v
	}
	if seen == 0 {
		return nil, errors.New("no name=value pairs")
	}
	return out, nil
}

// EncodeEnvelope serialises canonical parameters as URL-encoded pairs with wire names,
// in key order. DecodeEnvelope followed by a store merge restores them.
func EncodeEnvelope(values map[string]string) string {
	fields := make([]Field, 0, len(values))
	for _, k := range slices.Sorted(maps.Keys(values)) {
		fields = append(fields, Field{Name: params.Wire(k), Value: values[k]})
	}
	return string(EncodeForm(fields).Data)
}
