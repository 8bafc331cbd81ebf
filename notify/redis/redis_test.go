package redis

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/pithecene-io/theory/iox"
	"github.com/pithecene-io/theory/notify"
)

func testEvent() *notify.RunCompletedEvent {
	return &notify.RunCompletedEvent{
		ContractVersion: notify.ContractVersion,
		EventType:       notify.EventTypeRunCompleted,
		ExecutionID:     "exec-001",
		Ref:             "llm/litellm@1.0.0",
		Status:          "success",
		ReceiptPath:     "/artifacts/llm/litellm/1.0.0/exec-001/receipt.json",
		IndexPath:       "/artifacts/llm/litellm/1.0.0/exec-001/outputs.json",
		Timestamp:       "2026-08-26T12:00:00Z",
		DurationMs:      1500,
	}
}

// asyncReceive starts a goroutine that reads one message from the subscriber
// and sends it to the returned channel. Must be called BEFORE Publish to avoid
// deadlocking miniredis's synchronous pub/sub delivery.
func asyncReceive(sub *miniredis.Subscriber) <-chan miniredis.PubsubMessage {
	ch := make(chan miniredis.PubsubMessage, 1)
	go func() {
		ch <- <-sub.Messages()
	}()
	return ch
}

func waitMessage(t *testing.T, ch <-chan miniredis.PubsubMessage) miniredis.PubsubMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pub/sub message")
		return miniredis.PubsubMessage{} // unreachable
	}
}

func TestPublish_Success(t *testing.T) {
	mr := miniredis.RunT(t)

	p, err := New(Config{URL: "redis://" + mr.Addr(), Retries: 0})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(iox.CloseFunc(p))

	sub := mr.NewSubscriber()
	sub.Subscribe(DefaultChannel)
	ch := asyncReceive(sub)

	if err := p.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg := waitMessage(t, ch)

	var received notify.RunCompletedEvent
	if err := json.Unmarshal([]byte(msg.Message), &received); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if received.ExecutionID != "exec-001" {
		t.Errorf("expected exec-001, got %s", received.ExecutionID)
	}
	if received.EventType != notify.EventTypeRunCompleted {
		t.Errorf("expected run_completed, got %s", received.EventType)
	}
	if received.Status != "success" {
		t.Errorf("expected success, got %s", received.Status)
	}
}

func TestPublish_CustomChannel(t *testing.T) {
	mr := miniredis.RunT(t)

	p, err := New(Config{URL: "redis://" + mr.Addr(), Channel: "theory:events"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(iox.CloseFunc(p))

	sub := mr.NewSubscriber()
	sub.Subscribe("theory:events")
	ch := asyncReceive(sub)

	if err := p.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg := waitMessage(t, ch)
	if msg.Channel != "theory:events" {
		t.Errorf("channel = %q", msg.Channel)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("empty URL accepted")
	}
	if _, err := New(Config{URL: "not a url"}); err == nil {
		t.Error("invalid URL accepted")
	}
	if _, err := New(Config{URL: "redis://localhost:6379", Retries: -1}); err == nil {
		t.Error("negative retries accepted")
	}
}

func TestPublish_RetriesOnFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	p, err := New(Config{URL: "redis://" + mr.Addr(), Retries: 2, Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(iox.CloseFunc(p))

	mr.Close() // every attempt now fails
	start := time.Now()
	if err := p.Publish(t.Context(), testEvent()); err == nil {
		t.Fatal("publish succeeded against a dead server")
	}
	// Two retries imply backoffs of 500ms and 1s.
	if elapsed := time.Since(start); elapsed < 1500*time.Millisecond {
		t.Errorf("elapsed %v suggests backoff was skipped", elapsed)
	}
}
