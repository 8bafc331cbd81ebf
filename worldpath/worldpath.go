// Package worldpath canonicalizes world paths, the address space for
// artifacts and streams in object storage.
//
// A canonical path starts at one of two facet roots (/artifacts/ or
// /streams/), is NFC-normalized, percent-decoded exactly once, lower-cased,
// free of "." and ".." segments, and collapsed of double slashes. A write
// prefix is a canonical path ending in "/".
package worldpath

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Facet roots.
const (
	RootArtifacts = "/artifacts/"
	RootStreams   = "/streams/"
)

// PlaceholderExecutionID is substituted exactly once during prefix expansion.
const PlaceholderExecutionID = "{execution_id}"

// Canonicalize normalizes p into canonical world-path form or reports why it
// cannot be one. Trailing slashes are preserved so prefixes stay prefixes.
func Canonicalize(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty world path")
	}
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("world path %q must be absolute", p)
	}

	// Percent-decode exactly once. An encoded slash would let a segment
	// smuggle a separator past validation, so it is forbidden outright.
	if strings.Contains(strings.ToLower(p), "%2f") {
		return "", fmt.Errorf("world path %q contains an encoded slash", p)
	}
	decoded, err := url.PathUnescape(p)
	if err != nil {
		return "", fmt.Errorf("world path %q: bad percent encoding: %w", p, err)
	}

	decoded = strings.ToLower(norm.NFC.String(decoded))

	trailingSlash := strings.HasSuffix(decoded, "/")
	segments := strings.Split(decoded, "/")
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "":
			// collapse double slashes
		case ".", "..":
			return "", fmt.Errorf("world path %q contains a dot segment", p)
		default:
			out = append(out, seg)
		}
	}

	canonical := "/" + strings.Join(out, "/")
	if trailingSlash && canonical != "/" {
		canonical += "/"
	}

	if !strings.HasPrefix(canonical, RootArtifacts) && !strings.HasPrefix(canonical, RootStreams) {
		return "", fmt.Errorf("world path %q is outside the artifact and stream roots", p)
	}
	return canonical, nil
}

// IsPrefix reports whether p is a canonical write prefix (ends in "/").
func IsPrefix(p string) bool {
	c, err := Canonicalize(p)
	return err == nil && strings.HasSuffix(c, "/")
}

// ExpandPrefix substitutes the {execution_id} placeholder exactly once and
// canonicalizes the result as a write prefix under /artifacts/. Substitution
// is idempotent: expanding an already expanded prefix yields the same string.
func ExpandPrefix(template, executionID string) (string, error) {
	if executionID == "" {
		return "", fmt.Errorf("empty execution id")
	}
	expanded := strings.Replace(template, PlaceholderExecutionID, executionID, 1)
	if strings.Contains(expanded, "{") || strings.Contains(expanded, "}") {
		return "", fmt.Errorf("write prefix %q carries an unsupported placeholder", template)
	}
	if !strings.HasSuffix(expanded, "/") {
		return "", fmt.Errorf("write prefix %q must end in /", template)
	}
	canonical, err := Canonicalize(expanded)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(canonical, RootArtifacts) {
		return "", fmt.Errorf("write prefix %q must live under %s", template, RootArtifacts)
	}
	if strings.HasSuffix(strings.TrimSuffix(canonical, "/"), "/"+"outputs") {
		return "", fmt.Errorf("write prefix %q ends in the reserved /outputs segment", template)
	}
	return canonical, nil
}

// Join appends a relative key to a write prefix.
func Join(prefix, key string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + strings.TrimPrefix(key, "/")
}

// Key converts a canonical world path into an object-store key (no leading
// slash). The facet root stays part of the key so one bucket holds both
// facets without collisions.
func Key(p string) string {
	return strings.TrimPrefix(p, "/")
}
