package ledger

import (
	"errors"
	"sync"
	"testing"
)

func TestMemory_ReserveAndSettleSuccess(t *testing.T) {
	ctx := t.Context()
	m := NewMemory()

	if _, err := m.Reserve(ctx, "plan-a", 5000); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	event, err := m.SettleSuccess(ctx, SettleArgs{
		Plan:            "plan-a",
		ExecutionID:     "exec-1",
		EstimateHiMicro: 5000,
		ActualMicro:     3200,
		DeterminismURI:  "world:///artifacts/t/exec-1/receipt.json",
	})
	if err != nil {
		t.Fatalf("SettleSuccess failed: %v", err)
	}
	if event.Payload["refund_micro"] != int64(1800) {
		t.Errorf("refund_micro = %v, want 1800", event.Payload["refund_micro"])
	}
	if event.Payload["event_type"] != EventSettleSuccess {
		t.Errorf("event_type = %v", event.Payload["event_type"])
	}

	reserved, spent, err := m.Balance(ctx, "plan-a")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if reserved != 0 || spent != 3200 {
		t.Errorf("balance = (%d, %d), want (0, 3200)", reserved, spent)
	}
}

func TestMemory_SettleWouldGoNegative(t *testing.T) {
	ctx := t.Context()
	m := NewMemory()
	if _, err := m.Reserve(ctx, "plan-a", 100); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	_, err := m.SettleSuccess(ctx, SettleArgs{
		Plan:            "plan-a",
		ExecutionID:     "exec-1",
		EstimateHiMicro: 500, // more than reserved
		ActualMicro:     50,
	})
	if !errors.Is(err, ErrInsufficientBudget) {
		t.Errorf("want ErrInsufficientBudget, got %v", err)
	}

	// Failed settlement must not partially apply.
	reserved, spent, _ := m.Balance(ctx, "plan-a")
	if reserved != 100 || spent != 0 {
		t.Errorf("failed settle mutated balance: (%d, %d)", reserved, spent)
	}
	events, _ := m.Events(ctx, "plan-a")
	if len(events) != 1 {
		t.Errorf("failed settle appended an event: %d events", len(events))
	}
}

func TestMemory_SettleFailure(t *testing.T) {
	ctx := t.Context()
	m := NewMemory()
	if _, err := m.Reserve(ctx, "plan-a", 1000); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	event, err := m.SettleFailure(ctx, SettleArgs{
		Plan:            "plan-a",
		ExecutionID:     "exec-1",
		EstimateHiMicro: 1000,
		ActualMicro:     200,
		Reason:          "ERR_PREEMPTED",
	})
	if err != nil {
		t.Fatalf("SettleFailure failed: %v", err)
	}
	if event.Payload["event_type"] != EventSettleFailure {
		t.Errorf("event_type = %v", event.Payload["event_type"])
	}
	if event.Payload["reason"] != "ERR_PREEMPTED" {
		t.Errorf("reason = %v", event.Payload["reason"])
	}
	if _, ok := event.Payload["determinism_uri"]; ok {
		t.Error("failure settlement must not carry determinism_uri")
	}
}

func TestMemory_SettleUnknownPlan(t *testing.T) {
	m := NewMemory()
	_, err := m.SettleSuccess(t.Context(), SettleArgs{Plan: "nope", EstimateHiMicro: 0, ActualMicro: 0})
	if !errors.Is(err, ErrPlanNotFound) {
		t.Errorf("want ErrPlanNotFound, got %v", err)
	}
}

func TestMemory_ConcurrentReserves(t *testing.T) {
	// Scenario: N concurrent reservations against one plan commit exactly N
	// rows with contiguous seq and a verifiable chain.
	ctx := t.Context()
	m := NewMemory()
	const n = 5

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Reserve(ctx, "plan-race", 1000); err != nil {
				t.Errorf("Reserve failed: %v", err)
			}
		}()
	}
	wg.Wait()

	reserved, _, err := m.Balance(ctx, "plan-race")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if reserved != n*1000 {
		t.Errorf("reserved = %d, want %d", reserved, n*1000)
	}

	events, err := m.Events(ctx, "plan-race")
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != n {
		t.Fatalf("committed %d events, want %d", len(events), n)
	}
	for i, e := range events {
		if e.Seq != int64(i)+1 {
			t.Errorf("seq[%d] = %d, want contiguous from 1", i, e.Seq)
		}
	}
	if err := VerifyChain(events); err != nil {
		t.Errorf("chain verification failed: %v", err)
	}
}

func TestMemory_NoCrossPlanOrdering(t *testing.T) {
	ctx := t.Context()
	m := NewMemory()
	if _, err := m.Reserve(ctx, "a", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reserve(ctx, "b", 1); err != nil {
		t.Fatal(err)
	}
	ea, _ := m.Events(ctx, "a")
	eb, _ := m.Events(ctx, "b")
	if ea[0].Seq != 1 || eb[0].Seq != 1 {
		t.Error("each plan's chain starts at seq 1 independently")
	}
}
