package harvest

import (
	"regexp"
	"strings"
)

var (
	illegalPathChars = regexp.MustCompile(`[<>:"/\\|?*]`)
	angleAddr        = regexp.MustCompile(`<(.+?)>`)
)

// Filename replaces characters that are illegal in a filesystem path with an
// underscore. Sanitization is deterministic and idempotent: the same input
// always yields the same output, and a sanitized name passes through
// unchanged.
func Filename(name string) string {
	return illegalPathChars.ReplaceAllString(name, "_")
}

// NormalizeSender extracts the address portion from a "Display Name <addr>"
// header value, falling back to the raw value, then lowercases and trims it.
// The result is the join key against recipient records, so it must match the
// identity under which records were created.
func NormalizeSender(raw string) string {
	if m := angleAddr.FindStringSubmatch(raw); m != nil {
		raw = m[1]
	}
	return strings.ToLower(strings.TrimSpace(raw))
}
