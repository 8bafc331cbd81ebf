package ledger

import (
	"encoding/json"
	"testing"
)

func TestHashPayload_Deterministic(t *testing.T) {
	p1 := map[string]any{"b": int64(2), "a": "x", "nested": map[string]any{"z": 1, "y": 2}}
	p2 := map[string]any{"nested": map[string]any{"y": 2, "z": 1}, "a": "x", "b": int64(2)}

	h1, err := HashPayload(p1)
	if err != nil {
		t.Fatalf("HashPayload failed: %v", err)
	}
	h2, err := HashPayload(p2)
	if err != nil {
		t.Fatalf("HashPayload failed: %v", err)
	}
	if h1 != h2 {
		t.Errorf("key order must not affect hash: %s vs %s", h1, h2)
	}
}

func TestHashPayload_StableAcrossStorageRoundTrip(t *testing.T) {
	payload := map[string]any{
		"type":   EventBudgetReserved,
		"amount": int64(1000),
	}
	before, err := HashPayload(payload)
	if err != nil {
		t.Fatalf("HashPayload failed: %v", err)
	}

	// Simulate JSONB round trip: int64 becomes float64.
	raw, err := CanonicalJSON(payload)
	if err != nil {
		t.Fatalf("CanonicalJSON failed: %v", err)
	}
	var restored map[string]any
	if err := json.Unmarshal(raw, &restored); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	after, err := HashPayload(restored)
	if err != nil {
		t.Fatalf("HashPayload failed: %v", err)
	}
	if before != after {
		t.Errorf("hash not stable across storage round trip: %s vs %s", before, after)
	}
}

func TestHashPayload_DifferentPayloadsDiffer(t *testing.T) {
	h1, _ := HashPayload(map[string]any{"amount": 1})
	h2, _ := HashPayload(map[string]any{"amount": 2})
	if h1 == h2 {
		t.Error("different payloads should hash differently")
	}
}

func TestVerifyChain_DetectsTamper(t *testing.T) {
	m := NewMemory()
	ctx := t.Context()
	for i := 0; i < 3; i++ {
		if _, err := m.Reserve(ctx, "p1", 100); err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
	}
	events, err := m.Events(ctx, "p1")
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if err := VerifyChain(events); err != nil {
		t.Fatalf("untampered chain should verify: %v", err)
	}

	tampered := make([]Event, len(events))
	copy(tampered, events)
	tampered[1].Payload = map[string]any{"type": EventBudgetReserved, "amount": int64(999)}
	if err := VerifyChain(tampered); err == nil {
		t.Error("tampered payload should break verification")
	}

	relinked := make([]Event, len(events))
	copy(relinked, events)
	relinked[2].PrevHash = "bogus"
	if err := VerifyChain(relinked); err == nil {
		t.Error("broken linkage should fail verification")
	}
}
