package codec

import (
	"bytes"
	"encoding/json"
	"io"
	"net/url"
	"strings"
)

const upperhex = "0123456789ABCDEF"

// Escape percent-encodes s the way browsers encode a URI component: everything
// except ASCII letters, digits and -_.!~*'() is escaped.
func Escape(s string) string {
	return escape(s, "")
}

// escapeName is Escape with the namespace separators left readable.
func escapeName(s string) string {
	return escape(s, ":$")
}

func escape(s, keep string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) || (keep != "" && strings.IndexByte(keep, c) >= 0) {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(upperhex[c>>4])
		sb.WriteByte(upperhex[c&15])
	}
	return sb.String()
}

func unreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("-_.!~*'()", c) >= 0
}

// Unescape reverses Escape. A '+' is kept literally.
func Unescape(s string) (string, error) {
	return url.PathUnescape(s)
}

func compactJSON(w io.Writer, v json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}
