// Package params holds the client-side copy of the Theas parameters: the flat set of
// named string values the server keeps in sync with every page.
package params

import "strings"

// Wire prefixes marking a field as a Theas parameter. Prefix is the spelling used when
// encoding; AltPrefix is accepted on decode only.
const (
	Prefix    = "theas:"
	AltPrefix = "theas$"
)

// Reserved keys, in canonical (in-memory) form.
const (
	ErrorMessage    = "th$ErrorMessage"
	PerformUpdate   = "th$PerformUpdate"
	NextPage        = "th$NextPage"
	CurrentLocation = "th$currentLocation"
	LastFetch       = "lastFetch"
	SessionToken    = "th$ST"
)

// Commands understood by the async endpoint.
const (
	CmdHeartbeat   = "heartbeat"
	CmdClearError  = "clearError"
	CmdTheasParams = "theasParams"
)

// Canonical converts a wire field name to its in-memory key. Either prefix is
// stripped and the first ':' becomes '$'. The second result reports whether the name
// carried a prefix.
func Canonical(name string) (string, bool) {
	prefixed := false
	switch {
	case strings.HasPrefix(name, Prefix):
		name = name[len(Prefix):]
		prefixed = true
	case strings.HasPrefix(name, AltPrefix):
		name = name[len(AltPrefix):]
		prefixed = true
	}
	return strings.Replace(name, ":", "$", 1), prefixed
}

// Wire converts an in-memory key to the field name sent to the server.
func Wire(key string) string {
	return Prefix + strings.Replace(key, "$", ":", 1)
}

// IsWireName reports whether name carries one of the Theas prefixes.
func IsWireName(name string) bool {
	return strings.HasPrefix(name, Prefix) || strings.HasPrefix(name, AltPrefix)
}
