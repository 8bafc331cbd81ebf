package adapter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pithecene-io/theory/supervisor"
	"github.com/pithecene-io/theory/types"
)

type scriptWorker struct {
	frames chan *types.Message
}

func (w *scriptWorker) Read() (*types.Message, error) {
	m, ok := <-w.frames
	if !ok {
		return nil, io.EOF
	}
	return m, nil
}
func (w *scriptWorker) Cancel() error     { return nil }
func (w *scriptWorker) SignalTerm() error { return nil }
func (w *scriptWorker) Kill() error       { return nil }
func (w *scriptWorker) Wait() error       { return nil }

type scriptSpawner struct{ frames []*types.Message }

func (s *scriptSpawner) Spawn(context.Context, *types.RunPayload) (supervisor.Worker, error) {
	w := &scriptWorker{frames: make(chan *types.Message, len(s.frames))}
	for _, m := range s.frames {
		w.frames <- m
	}
	close(w.frames)
	return w, nil
}

func supervisorURL(t *testing.T, frames ...*types.Message) string {
	t.Helper()
	s := supervisor.New(supervisor.Options{
		Digest:  "sha256:feed",
		Spawner: &scriptSpawner{frames: frames},
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/run"
}

func request(id string) *InvokeRequest {
	return &InvokeRequest{
		Payload: &types.RunPayload{
			ExecutionID: id,
			Mode:        types.ModeMock,
			WritePrefix: "/artifacts/runs/" + id + "/",
			PutURLs:     map[string]string{types.IndexKey: "http://example.invalid/"},
		},
		ExpectedDigest: "sha256:feed",
		Timeout:        5 * time.Second,
	}
}

func successMessage(t *testing.T, id string) *types.Message {
	t.Helper()
	env := &types.ExecutionEnvelope{
		Status:      types.StatusSuccess,
		ExecutionID: id,
		IndexPath:   "/artifacts/runs/" + id + "/outputs.json",
		Meta:        map[string]any{types.MetaImageDigest: "sha256:feed"},
	}
	m, err := types.NewMessage(types.KindRunResult, env)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	return m
}

func TestTransportStreamsToTerminal(t *testing.T) {
	id := "exec-t1"
	url := supervisorURL(t,
		types.MustMessage(types.KindToken, types.TokenContent{Text: "a"}),
		types.MustMessage(types.KindToken, types.TokenContent{Text: "b"}),
		successMessage(t, id),
	)

	var events []types.Kind
	req := request(id)
	req.OnEvent = func(m *types.Message) { events = append(events, m.Kind) }

	env := NewTransport(nil).Run(context.Background(), url, req)
	if env.Status != types.StatusSuccess || env.ExecutionID != id {
		t.Fatalf("envelope = %+v", env)
	}

	var tokens int
	for _, k := range events {
		if k == types.KindRunResult {
			t.Error("terminal leaked into OnEvent")
		}
		if k == types.KindToken {
			tokens++
		}
	}
	if tokens != 2 {
		t.Errorf("observed %d tokens, want 2", tokens)
	}
}

func TestTransportDialFailure(t *testing.T) {
	req := request("exec-t2")
	env := NewTransport(nil).Run(context.Background(), "ws://127.0.0.1:1/run", req)
	if env.Status != types.StatusError || env.Error.Code != types.ErrNetwork {
		t.Errorf("envelope = %+v, want ERR_NETWORK", env)
	}
	if env.ExecutionID != "exec-t2" {
		t.Errorf("execution_id = %q", env.ExecutionID)
	}
}

func TestTransportNonAckFirstFrame(t *testing.T) {
	up := websocket.Upgrader{Subprotocols: []string{types.Subprotocol}}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var m types.Message
		_ = conn.ReadJSON(&m)
		_ = conn.WriteJSON(types.MustMessage(types.KindToken, types.TokenContent{Text: "early"}))
	}))
	defer ts.Close()

	req := request("exec-t3")
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	env := NewTransport(nil).Run(context.Background(), url, req)
	if env.Status != types.StatusError || env.Error.Code != types.ErrBadResponse {
		t.Errorf("envelope = %+v, want ERR_BAD_RESPONSE", env)
	}
}

func TestTransportDisconnectMidStream(t *testing.T) {
	up := websocket.Upgrader{Subprotocols: []string{types.Subprotocol}}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var m types.Message
		_ = conn.ReadJSON(&m)
		var open types.RunOpenContent
		_ = json.Unmarshal(m.Content, &open)
		_ = conn.WriteJSON(types.MustMessage(types.KindAck, types.AckContent{ExecutionID: open.ExecutionID}))
		_ = conn.WriteJSON(types.MustMessage(types.KindToken, types.TokenContent{Text: "a"}))
		conn.Close() // drop before the terminal
	}))
	defer ts.Close()

	req := request("exec-t4")
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	env := NewTransport(nil).Run(context.Background(), url, req)
	if env.Status != types.StatusError || env.Error.Code != types.ErrNetwork {
		t.Errorf("envelope = %+v, want ERR_NETWORK", env)
	}
}

func TestTransportOverallTimeout(t *testing.T) {
	up := websocket.Upgrader{Subprotocols: []string{types.Subprotocol}}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var m types.Message
		_ = conn.ReadJSON(&m)
		var open types.RunOpenContent
		_ = json.Unmarshal(m.Content, &open)
		_ = conn.WriteJSON(types.MustMessage(types.KindAck, types.AckContent{ExecutionID: open.ExecutionID}))
		time.Sleep(2 * time.Second) // never send the terminal
	}))
	defer ts.Close()

	req := request("exec-t5")
	req.Timeout = 200 * time.Millisecond
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	env := NewTransport(nil).Run(context.Background(), url, req)
	if env.Status != types.StatusError || env.Error.Code != types.ErrNetwork {
		t.Errorf("envelope = %+v, want ERR_NETWORK timeout", env)
	}
}
