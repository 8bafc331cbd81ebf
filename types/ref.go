// Package types defines core domain types for the Theory execution plane.
//
//nolint:revive // types is a common Go package naming convention
package types

import (
	"fmt"
	"strings"
)

// ToolRef identifies a tool as (namespace, name, version).
// Serialized as "ns/name@ver". Identifier only; no behavior beyond formatting.
type ToolRef struct {
	Namespace string
	Name      string
	Version   string
}

// ParseRef parses a "ns/name@ver" reference string.
func ParseRef(s string) (ToolRef, error) {
	slash := strings.Index(s, "/")
	at := strings.LastIndex(s, "@")
	if slash <= 0 || at <= slash+1 || at == len(s)-1 {
		return ToolRef{}, fmt.Errorf("invalid tool ref %q: want ns/name@ver", s)
	}
	ref := ToolRef{
		Namespace: s[:slash],
		Name:      s[slash+1 : at],
		Version:   s[at+1:],
	}
	if strings.ContainsAny(ref.Namespace, "@ ") || strings.Contains(ref.Name, "/") {
		return ToolRef{}, fmt.Errorf("invalid tool ref %q: want ns/name@ver", s)
	}
	return ref, nil
}

// String returns the canonical "ns/name@ver" form.
func (r ToolRef) String() string {
	return fmt.Sprintf("%s/%s@%s", r.Namespace, r.Name, r.Version)
}

// IsZero reports whether the ref is empty.
func (r ToolRef) IsZero() bool {
	return r.Namespace == "" && r.Name == "" && r.Version == ""
}
