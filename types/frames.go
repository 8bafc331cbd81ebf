package types

import (
	"encoding/json"
	"fmt"
)

// Subprotocol is the WebSocket subprotocol required at /run.
const Subprotocol = "theory.run.v1"

// MaxWireFrame is the maximum JSON text frame size on the wire (8 MiB).
// Binary data never travels over the socket; it goes through presigned PUT.
const MaxWireFrame = 8 * 1024 * 1024

// Kind discriminates wire messages exchanged on a run connection.
type Kind string

// Wire message kinds.
const (
	KindRunOpen   Kind = "RunOpen"
	KindAck       Kind = "Ack"
	KindToken     Kind = "Token"
	KindFrame     Kind = "Frame"
	KindLog       Kind = "Log"
	KindEvent     Kind = "Event"
	KindRunResult Kind = "RunResult"
	KindControl   Kind = "control"
)

// IsTerminal reports whether this kind ends the server→client stream.
func (k Kind) IsTerminal() bool { return k == KindRunResult }

// Droppable reports whether the fanout queue may silently discard a message
// of this kind under backpressure. Only fine-grained token fragments are
// droppable; all other kinds block the producer until capacity.
func (k Kind) Droppable() bool { return k == KindToken }

// Message is the uniform wire envelope: {kind, content}.
// Content stays raw so relays (the supervisor fanout, the adapters) never
// re-encode payloads they do not interpret.
type Message struct {
	Kind    Kind            `json:"kind" msgpack:"kind"`
	Content json.RawMessage `json:"content" msgpack:"content"`
}

// NewMessage marshals content into a Message of the given kind.
func NewMessage(kind Kind, content any) (*Message, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encode %s content: %w", kind, err)
	}
	return &Message{Kind: kind, Content: raw}, nil
}

// MustMessage is NewMessage for contents that cannot fail to marshal.
func MustMessage(kind Kind, content any) *Message {
	m, err := NewMessage(kind, content)
	if err != nil {
		panic(err)
	}
	return m
}

// Role is the binding of a subscriber connection to a run.
type Role string

// Subscriber roles. Exactly one Client is expected per run; Observers are
// read-only; Controllers may send control frames.
const (
	RoleClient     Role = "client"
	RoleController Role = "controller"
	RoleObserver   Role = "observer"
)

// ValidRole reports whether s names a known role.
func ValidRole(s string) bool {
	switch Role(s) {
	case RoleClient, RoleController, RoleObserver:
		return true
	}
	return false
}

// RunOpenContent is the required first client frame on a run connection.
type RunOpenContent struct {
	Role        string      `json:"role"`
	ExecutionID string      `json:"execution_id"`
	Payload     *RunPayload `json:"payload,omitempty"`
}

// AckContent is the first server frame after a valid RunOpen.
type AckContent struct {
	ExecutionID string `json:"execution_id"`
}

// TokenContent is an incremental text fragment. Droppable under backpressure.
type TokenContent struct {
	Text string `json:"text"`
}

// FrameContent announces an artifact written under the run's write prefix.
type FrameContent struct {
	Path string `json:"path"`
	MIME string `json:"mime,omitempty"`
}

// LogContent is a human-oriented structured line.
type LogContent struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// EventContent marks a lifecycle phase transition
// (started, paused, resumed, preempted, budget_updated, control_noop).
type EventContent struct {
	Phase  string  `json:"phase"`
	Noop   bool    `json:"noop,omitempty"`
	Budget *Budget `json:"budget,omitempty"`
}

// Control operations accepted from Controller subscribers.
const (
	OpPreempt   = "preempt"
	OpPause     = "pause"
	OpResume    = "resume"
	OpSetBudget = "set_budget"
)

// ControlContent is a Controller-issued control frame payload.
type ControlContent struct {
	Op     string  `json:"op"`
	Budget *Budget `json:"budget,omitempty"`
}

// Budget caps a run's token and wall-time consumption.
// Zero values mean uncapped.
type Budget struct {
	TokenCap   int64 `json:"token_cap,omitempty"`
	WallMillis int64 `json:"wall_millis,omitempty"`
}
