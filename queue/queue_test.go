package queue

import (
	"context"
	"testing"
	"time"

	"github.com/pithecene-io/theory/types"
)

func token(t *testing.T, s string) *types.Message {
	t.Helper()
	m, err := types.NewMessage(types.KindToken, types.TokenContent{Text: s})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	return m
}

func logMsg(t *testing.T, s string) *types.Message {
	t.Helper()
	m, err := types.NewMessage(types.KindLog, types.LogContent{Level: "info", Message: s})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	return m
}

func TestPushAndDrain(t *testing.T) {
	q := New(4)
	ctx := t.Context()
	for i := 0; i < 4; i++ {
		if !q.Push(ctx, token(t, "a")) {
			t.Fatalf("push %d rejected", i)
		}
	}
	q.CloseSentinel()
	var got int
	for m := range q.Source() {
		if m == nil {
			break
		}
		got++
	}
	if got != 4 {
		t.Errorf("drained %d messages, want 4", got)
	}
}

func TestFullQueueDropsOnlyTokens(t *testing.T) {
	q := New(2)
	ctx := t.Context()
	q.Push(ctx, token(t, "a"))
	q.Push(ctx, token(t, "b"))

	// Buffer full: a third token must be dropped without blocking.
	if q.Push(ctx, token(t, "c")) {
		t.Error("token accepted into a full queue")
	}

	// A log message must block instead of dropping.
	blocked := make(chan bool, 1)
	go func() {
		c, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		blocked <- !q.Push(c, logMsg(t, "x"))
	}()
	if !<-blocked {
		t.Error("log message was not held back by a full queue")
	}

	st := q.Stats()
	if st.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", st.Dropped)
	}
	if st.DroppedByKind[types.KindToken] != 1 {
		t.Errorf("DroppedByKind[token] = %d, want 1", st.DroppedByKind[types.KindToken])
	}
	if st.Enqueued != 2 {
		t.Errorf("Enqueued = %d, want 2", st.Enqueued)
	}
}

func TestBlockedPushResumesWhenDrained(t *testing.T) {
	q := New(1)
	ctx := t.Context()
	q.Push(ctx, logMsg(t, "first"))

	done := make(chan bool)
	go func() {
		done <- q.Push(ctx, logMsg(t, "second"))
	}()

	select {
	case <-done:
		t.Fatal("second push completed before the queue drained")
	case <-time.After(20 * time.Millisecond):
	}

	<-q.Source()
	if ok := <-done; !ok {
		t.Error("second push failed after drain")
	}
}

func TestCloseSentinelRejectsLatePush(t *testing.T) {
	q := New(4)
	q.CloseSentinel()
	if q.Push(t.Context(), token(t, "late")) {
		t.Error("push accepted after close")
	}
	if m := <-q.Source(); m != nil {
		t.Errorf("expected nil sentinel first, got kind %q", m.Kind)
	}
}

func TestCloseSentinelIdempotent(t *testing.T) {
	q := New(1)
	q.CloseSentinel()
	q.CloseSentinel()
	if m := <-q.Source(); m != nil {
		t.Errorf("expected nil sentinel, got %v", m)
	}
}
