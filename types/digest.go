package types

import (
	"regexp"
	"strings"
)

// DigestPlaceholder is the reserved value for specs whose image has not been
// pinned yet. It normalizes to the empty digest and never matches.
const DigestPlaceholder = "sha256:pending"

var digestRe = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)

// NormalizeDigest canonicalizes a digest for comparison: lowercase
// "sha256:<64 hex>". Image references carrying a registry prefix
// ("registry/repo@sha256:...") are stripped down to the digest. Placeholder
// and malformed values normalize to the empty string.
func NormalizeDigest(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == DigestPlaceholder {
		return ""
	}
	if at := strings.LastIndex(s, "@"); at >= 0 {
		s = s[at+1:]
	}
	if !digestRe.MatchString(s) {
		return ""
	}
	return s
}

// ValidDigest reports whether s is a well-formed "sha256:<64 hex>" digest
// or the reserved placeholder.
func ValidDigest(s string) bool {
	if s == DigestPlaceholder {
		return true
	}
	return digestRe.MatchString(strings.ToLower(s))
}

// DigestsMatch compares two digests after normalization.
// Placeholders never match anything, including themselves.
func DigestsMatch(a, b string) bool {
	na, nb := NormalizeDigest(a), NormalizeDigest(b)
	if na == "" || nb == "" {
		return false
	}
	return na == nb
}
