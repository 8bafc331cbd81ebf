package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pithecene-io/theory/log"
	"github.com/pithecene-io/theory/types"
)

// Transport timeouts.
const (
	DefaultAckTimeout   = 5 * time.Second
	DefaultFrameTimeout = 15 * time.Second
)

// Transport drives one run over the supervisor's WebSocket contract. Both
// lanes share it; they differ only in how the URL is obtained.
type Transport struct {
	// Dialer defaults to a dialer offering the run subprotocol.
	Dialer       *websocket.Dialer
	AckTimeout   time.Duration
	FrameTimeout time.Duration
	Logger       *log.Logger
}

// NewTransport builds a Transport with default timeouts.
func NewTransport(logger *log.Logger) *Transport {
	if logger == nil {
		logger = log.Nop()
	}
	return &Transport{
		AckTimeout:   DefaultAckTimeout,
		FrameTimeout: DefaultFrameTimeout,
		Logger:       logger,
	}
}

func (t *Transport) dialer() *websocket.Dialer {
	if t.Dialer != nil {
		return t.Dialer
	}
	return &websocket.Dialer{
		Subprotocols:     []string{types.Subprotocol},
		HandshakeTimeout: 10 * time.Second,
	}
}

// networkEnvelope converts a transport failure into the synthetic terminal.
func networkEnvelope(executionID, digest, msg string) *types.ExecutionEnvelope {
	return types.ErrorEnvelope(executionID, types.ErrNetwork, msg, digest)
}

func badResponseEnvelope(executionID, digest, msg string) *types.ExecutionEnvelope {
	return types.ErrorEnvelope(executionID, types.ErrBadResponse, msg, digest)
}

// Run dials wsURL, opens the run as the client role, and pumps the stream
// until the RunResult. All failures return synthetic envelopes.
func (t *Transport) Run(ctx context.Context, wsURL string, req *InvokeRequest) *types.ExecutionEnvelope {
	id := req.Payload.ExecutionID
	digest := req.ExpectedDigest

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	conn, _, err := t.dialer().DialContext(ctx, wsURL, nil)
	if err != nil {
		return networkEnvelope(id, digest, fmt.Sprintf("dial %s: %v", wsURL, err))
	}
	defer conn.Close()
	conn.SetReadLimit(types.MaxWireFrame)

	open := types.MustMessage(types.KindRunOpen, types.RunOpenContent{
		Role:        string(types.RoleClient),
		ExecutionID: id,
		Payload:     req.Payload,
	})
	if err := conn.WriteJSON(open); err != nil {
		return networkEnvelope(id, digest, "send RunOpen: "+err.Error())
	}

	ack, env := t.readFrame(ctx, conn, t.AckTimeout, id, digest)
	if env != nil {
		return env
	}
	if ack.Kind != types.KindAck {
		return badResponseEnvelope(id, digest, fmt.Sprintf("first server frame %q, want Ack", ack.Kind))
	}
	var ac types.AckContent
	if err := json.Unmarshal(ack.Content, &ac); err != nil || ac.ExecutionID != id {
		return badResponseEnvelope(id, digest, "Ack does not bind this execution")
	}

	for {
		m, env := t.readFrame(ctx, conn, t.FrameTimeout, id, digest)
		if env != nil {
			return env
		}
		if m.Kind == types.KindRunResult {
			result, err := types.DecodeEnvelope(m.Content)
			if err != nil {
				return badResponseEnvelope(id, digest, "terminal envelope undecodable: "+err.Error())
			}
			return result
		}
		if req.OnEvent != nil {
			req.OnEvent(m)
		}
	}
}

// readFrame reads one frame under the per-frame deadline. The second return
// is a synthetic terminal when the read failed.
func (t *Transport) readFrame(ctx context.Context, conn *websocket.Conn, timeout time.Duration, id, digest string) (*types.Message, *types.ExecutionEnvelope) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	var m types.Message
	if err := conn.ReadJSON(&m); err != nil {
		if ctx.Err() != nil {
			return nil, networkEnvelope(id, digest, "run timed out: "+ctx.Err().Error())
		}
		if websocket.IsCloseError(err, websocket.CloseProtocolError, websocket.ClosePolicyViolation) {
			return nil, badResponseEnvelope(id, digest, "server rejected the open: "+err.Error())
		}
		var syn *json.SyntaxError
		if errors.As(err, &syn) {
			return nil, badResponseEnvelope(id, digest, "undecodable frame: "+err.Error())
		}
		return nil, networkEnvelope(id, digest, "stream ended before RunResult: "+err.Error())
	}
	return &m, nil
}
