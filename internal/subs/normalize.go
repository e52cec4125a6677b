package subs

import "strings"

// Normalize canonicalizes a user-supplied room name: trim, lowercase, and
// keep only characters that are safe to embed in store keys and message
// markup. An empty result means the input was invalid and the operation
// becomes a no-op.
func Normalize(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}
