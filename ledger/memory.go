package ledger

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Ledger for tests and mock-mode runs. It enforces
// the same invariants as the relational store: per-plan monotonic seq, chain
// linkage, and non-negative budget arithmetic under one atomic step.
type Memory struct {
	mu    sync.Mutex
	plans map[string]*memPlan
}

type memPlan struct {
	reserved int64
	spent    int64
	events   []Event
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{plans: make(map[string]*memPlan)}
}

func (m *Memory) plan(key string) *memPlan {
	p, ok := m.plans[key]
	if !ok {
		p = &memPlan{}
		m.plans[key] = p
	}
	return p
}

// appendLocked appends one event under m.mu.
func (m *Memory) appendLocked(plan string, payload map[string]any) (*Event, error) {
	p := m.plan(plan)
	hash, err := HashPayload(payload)
	if err != nil {
		return nil, err
	}
	prev := ""
	if n := len(p.events); n > 0 {
		prev = p.events[n-1].ThisHash
	}
	e := Event{
		Plan:     plan,
		Seq:      int64(len(p.events)) + 1,
		PrevHash: prev,
		ThisHash: hash,
		Payload:  payload,
	}
	p.events = append(p.events, e)
	return &e, nil
}

// Reserve implements Ledger.
func (m *Memory) Reserve(_ context.Context, plan string, micro int64) (*Event, error) {
	if micro < 0 {
		return nil, fmt.Errorf("%w: negative reservation %d", ErrInsufficientBudget, micro)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.plan(plan)
	e, err := m.appendLocked(plan, reservePayload(micro))
	if err != nil {
		return nil, err
	}
	p.reserved += micro
	return e, nil
}

func (m *Memory) settle(plan string, eventType string, args SettleArgs) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[plan]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, plan)
	}
	newReserved, newSpent, err := settleDeltas(p.reserved, p.spent, args)
	if err != nil {
		return nil, err
	}
	e, err := m.appendLocked(plan, settlePayload(eventType, args))
	if err != nil {
		return nil, err
	}
	p.reserved = newReserved
	p.spent = newSpent
	return e, nil
}

// SettleSuccess implements Ledger.
func (m *Memory) SettleSuccess(_ context.Context, args SettleArgs) (*Event, error) {
	return m.settle(args.Plan, EventSettleSuccess, args)
}

// SettleFailure implements Ledger.
func (m *Memory) SettleFailure(_ context.Context, args SettleArgs) (*Event, error) {
	return m.settle(args.Plan, EventSettleFailure, args)
}

// Append implements Ledger.
func (m *Memory) Append(_ context.Context, plan string, payload map[string]any) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(plan, payload)
}

// Events implements Ledger.
func (m *Memory) Events(_ context.Context, plan string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[plan]
	if !ok {
		return nil, nil
	}
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out, nil
}

// Balance implements Ledger.
func (m *Memory) Balance(_ context.Context, plan string) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[plan]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrPlanNotFound, plan)
	}
	return p.reserved, p.spent, nil
}

var _ Ledger = (*Memory)(nil)
