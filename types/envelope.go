package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Envelope statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Meta keys the execution plane reads or writes.
const (
	MetaImageDigest    = "image_digest"
	MetaEnvFingerprint = "env_fingerprint"
	MetaExpectedDigest = "expected_digest"
	MetaActualDigest   = "actual_digest"
	MetaActualMicro    = "actual_micro"
)

// OutputItem describes one produced artifact, relative to the write prefix.
type OutputItem struct {
	Path      string `json:"path"`
	MIME      string `json:"mime,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	CID       string `json:"cid,omitempty"`
}

// EnvelopeError carries the terminal error of a failed execution.
// Code is always prefixed "ERR_".
type EnvelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ExecutionEnvelope is the terminal result of one execution. It is owned by
// the worker until the terminal send; thereafter immutable. Byte-stable
// across replays with identical inputs in mock mode.
type ExecutionEnvelope struct {
	Status      string         `json:"status"`
	ExecutionID string         `json:"execution_id"`
	Outputs     []OutputItem   `json:"outputs,omitempty"`
	IndexPath   string         `json:"index_path,omitempty"`
	Error       *EnvelopeError `json:"error,omitempty"`
	Meta        map[string]any `json:"meta"`
}

// ImageDigest returns meta.image_digest, or "" when absent.
func (e *ExecutionEnvelope) ImageDigest() string {
	if e.Meta == nil {
		return ""
	}
	s, _ := e.Meta[MetaImageDigest].(string)
	return s
}

// SetMeta sets a meta key, allocating the map if needed.
func (e *ExecutionEnvelope) SetMeta(key string, value any) {
	if e.Meta == nil {
		e.Meta = make(map[string]any)
	}
	e.Meta[key] = value
}

// Validate checks envelope shape: status, execution id, meta.image_digest,
// and the per-status required keys. Outputs must be sorted by path.
func (e *ExecutionEnvelope) Validate() error {
	switch e.Status {
	case StatusSuccess, StatusError:
	default:
		return fmt.Errorf("invalid envelope status %q", e.Status)
	}
	if e.ExecutionID == "" {
		return fmt.Errorf("envelope missing execution_id")
	}
	if e.ImageDigest() == "" {
		return fmt.Errorf("envelope meta missing %s", MetaImageDigest)
	}
	if e.Status == StatusError {
		if e.Error == nil {
			return fmt.Errorf("error envelope missing error object")
		}
		if !strings.HasPrefix(e.Error.Code, "ERR_") {
			return fmt.Errorf("error code %q must start with ERR_", e.Error.Code)
		}
		return nil
	}
	if e.IndexPath == "" {
		return fmt.Errorf("success envelope missing index_path")
	}
	if !sort.SliceIsSorted(e.Outputs, func(i, j int) bool {
		return e.Outputs[i].Path < e.Outputs[j].Path
	}) {
		return fmt.Errorf("envelope outputs not sorted by path")
	}
	return nil
}

// SortOutputs orders outputs by path in place.
func (e *ExecutionEnvelope) SortOutputs() {
	sort.Slice(e.Outputs, func(i, j int) bool {
		return e.Outputs[i].Path < e.Outputs[j].Path
	})
}

// DecodeEnvelope parses an envelope from raw message content.
func DecodeEnvelope(raw json.RawMessage) (*ExecutionEnvelope, error) {
	var env ExecutionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// OutputIndex is the "outputs.json" blob uploaded last, acting as the
// commit barrier for a run's outputs.
type OutputIndex struct {
	Outputs []OutputItem `json:"outputs"`
}

// CanonicalIndex marshals the index with outputs sorted by path.
// The byte form is stable for identical inputs.
func CanonicalIndex(outputs []OutputItem) ([]byte, error) {
	sorted := make([]OutputItem, len(outputs))
	copy(sorted, outputs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	return json.Marshal(OutputIndex{Outputs: sorted})
}
