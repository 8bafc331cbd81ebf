// Package ledger implements the append-only, per-plan hash-chained event log
// and the budget reservation/settlement arithmetic on top of it.
//
// Sequence numbers are strictly monotonic per plan starting at 1; there is no
// ordering across plans. Chain integrity is verifiable by recomputing the
// canonical payload hash of each row and checking prev_hash linkage.
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Event payload types.
const (
	EventBudgetReserved = "budget.reserved"
	EventSettleSuccess  = "execution.settle.success"
	EventSettleFailure  = "execution.settle.failure"
)

// ErrInsufficientBudget is returned when settlement arithmetic would drive
// reserved_micro or spent_micro negative. The transaction is rolled back;
// callers never observe a partial settle.
var ErrInsufficientBudget = errors.New("budget arithmetic would go negative")

// ErrPlanNotFound is returned when a settle targets an unknown plan.
var ErrPlanNotFound = errors.New("plan not found")

// Event is one committed ledger row.
type Event struct {
	Plan string `db:"plan" json:"plan"`
	Seq  int64  `db:"seq" json:"seq"`
	// PrevHash is empty iff Seq == 1.
	PrevHash string         `db:"prev_hash" json:"prev_hash,omitempty"`
	ThisHash string         `db:"this_hash" json:"this_hash"`
	Payload  map[string]any `db:"-" json:"payload"`
}

// SettleArgs parameterizes one settlement.
type SettleArgs struct {
	Plan            string
	ExecutionID     string
	EstimateHiMicro int64
	ActualMicro     int64
	// DeterminismURI points at the run receipt. Required on success,
	// ignored on failure.
	DeterminismURI string
	// Reason classifies a failure settlement.
	Reason string
}

// Ledger is the only mutator of plans and events.
type Ledger interface {
	// Reserve atomically increments the plan's reservation and appends a
	// budget.reserved event.
	Reserve(ctx context.Context, plan string, micro int64) (*Event, error)

	// SettleSuccess atomically releases the reservation high-watermark,
	// records actual spend, and appends an execution.settle.success event.
	SettleSuccess(ctx context.Context, args SettleArgs) (*Event, error)

	// SettleFailure is SettleSuccess with event type execution.settle.failure
	// and no determinism URI requirement.
	SettleFailure(ctx context.Context, args SettleArgs) (*Event, error)

	// Append appends a generic event to the plan's chain.
	Append(ctx context.Context, plan string, payload map[string]any) (*Event, error)

	// Events returns the plan's chain ordered by seq.
	Events(ctx context.Context, plan string) ([]Event, error)

	// Balance returns the plan's current reserved and spent micro amounts.
	Balance(ctx context.Context, plan string) (reserved, spent int64, err error)
}

func reservePayload(micro int64) map[string]any {
	return map[string]any{
		"type":   EventBudgetReserved,
		"amount": micro,
	}
}

func settlePayload(eventType string, args SettleArgs) map[string]any {
	refund := args.EstimateHiMicro - args.ActualMicro
	if refund < 0 {
		refund = 0
	}
	p := map[string]any{
		"event_type":        eventType,
		"actual_micro":      args.ActualMicro,
		"estimate_hi_micro": args.EstimateHiMicro,
		"refund_micro":      refund,
		"execution_id":      args.ExecutionID,
		"plan_id":           args.Plan,
	}
	if eventType == EventSettleSuccess {
		p["determinism_uri"] = args.DeterminismURI
	} else if args.Reason != "" {
		p["reason"] = args.Reason
	}
	return p
}

// settleDeltas computes and validates the balance changes of one settlement.
func settleDeltas(reserved, spent int64, args SettleArgs) (newReserved, newSpent int64, err error) {
	newReserved = reserved - args.EstimateHiMicro
	newSpent = spent + args.ActualMicro
	if newReserved < 0 || newSpent < 0 {
		return 0, 0, fmt.Errorf("%w: reserved %d->%d, spent %d->%d",
			ErrInsufficientBudget, reserved, newReserved, spent, newSpent)
	}
	return newReserved, newSpent, nil
}
