// Package notify defines the completion-event publisher boundary.
//
// Publishers push run completion notifications to downstream systems. The
// orchestrator owns publisher lifecycle and treats every publish as
// best-effort: a failed notification never fails the run.
package notify

import "context"

// ContractVersion is stamped into every published event.
const ContractVersion = "1.0"

// EventTypeRunCompleted is the only event type published today.
const EventTypeRunCompleted = "run_completed"

// RunCompletedEvent is the payload published when an invocation finishes.
type RunCompletedEvent struct {
	ContractVersion string `json:"contract_version"`
	EventType       string `json:"event_type"`
	ExecutionID     string `json:"execution_id"`
	Ref             string `json:"ref"`
	Status          string `json:"status"`
	ErrorCode       string `json:"error_code,omitempty"`
	ReceiptPath     string `json:"receipt_path,omitempty"`
	IndexPath       string `json:"index_path,omitempty"`
	Timestamp       string `json:"timestamp"`
	DurationMs      int64  `json:"duration_ms"`
}

// Publisher sends completion events to one downstream system.
type Publisher interface {
	// Publish must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *RunCompletedEvent) error

	// Close releases publisher resources.
	Close() error
}
