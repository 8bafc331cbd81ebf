package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalJSON encodes a payload deterministically: object keys sorted,
// stable numeric formatting. encoding/json sorts map keys, so one marshal of
// a map-shaped payload is canonical; payloads that round-tripped through
// storage re-canonicalize to the same bytes.
func CanonicalJSON(payload map[string]any) ([]byte, error) {
	normalized, err := normalize(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// normalize re-types nested values the way a JSON round trip would, so a
// freshly built payload and its stored copy hash identically.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return out, nil
}

// HashPayload is H(payload): SHA-256 over the canonical JSON encoding,
// hex-encoded. Frozen; the chain breaks if this ever changes.
func HashPayload(payload map[string]any) (string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChain recomputes every hash in a plan's chain and checks linkage.
// Events must be ordered by seq.
func VerifyChain(events []Event) error {
	for i, e := range events {
		if e.Seq != int64(i)+1 {
			return fmt.Errorf("plan %s: seq gap at position %d (seq %d)", e.Plan, i, e.Seq)
		}
		recomputed, err := HashPayload(e.Payload)
		if err != nil {
			return err
		}
		if recomputed != e.ThisHash {
			return fmt.Errorf("plan %s seq %d: payload hash mismatch", e.Plan, e.Seq)
		}
		if i == 0 {
			if e.PrevHash != "" {
				return fmt.Errorf("plan %s seq 1: prev_hash must be empty", e.Plan)
			}
			continue
		}
		if e.PrevHash != events[i-1].ThisHash {
			return fmt.Errorf("plan %s seq %d: prev_hash does not link", e.Plan, e.Seq)
		}
	}
	return nil
}
