// Package supervisor implements the in-container run supervisor: one
// WebSocket endpoint at /run hosting many concurrent Runs, a worker
// subprocess per execution, fanout with role-aware subscribers and control
// operations, plus a side-effect-free /healthz.
package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pithecene-io/theory/log"
	"github.com/pithecene-io/theory/metrics"
	"github.com/pithecene-io/theory/types"
)

// Defaults for server tunables.
const (
	DefaultOpenTimeout = 10 * time.Second
	DefaultGrace       = 5 * time.Second
	DefaultGCBound     = time.Second
)

// Options configures a Server.
type Options struct {
	// Digest is the image digest of this container, surfaced by /healthz and
	// stamped into synthetic envelopes.
	Digest string
	// Spawner launches workers. Required.
	Spawner Spawner
	// QueueCapacity is the per-Run fanout buffer depth (0 = default).
	QueueCapacity int
	// Grace is the preemption escalation interval (0 = 5 s).
	Grace time.Duration
	// OpenTimeout bounds the wait for the RunOpen frame (0 = 10 s).
	OpenTimeout time.Duration
	Logger      *log.Logger
	Metrics     *metrics.Collector
}

// Server terminates the supervisor's WebSocket endpoint and owns the run map.
type Server struct {
	opts Options

	mu   sync.Mutex
	runs map[string]*Run

	upgrader websocket.Upgrader
}

// New builds a Server, filling zero options with defaults.
func New(opts Options) *Server {
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = DefaultOpenTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Server{
		opts: opts,
		runs: make(map[string]*Run),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{types.Subprotocol},
			// Adapters connect from anywhere inside the plane.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler serving /run and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/run", s.handleRun)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

// handleHealthz reports liveness and the image digest. No side effects.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":     true,
		"digest": s.opts.Digest,
	})
}

// wsConn adapts a websocket connection to the Run's subscriber interface.
// Gorilla allows one concurrent writer, so every write holds the mutex.
type wsConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func (c *wsConn) SendMessage(m *types.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.c.WriteJSON(m)
}

func (c *wsConn) CloseNormal() error {
	return c.closeWith(websocket.CloseNormalClosure, "")
}

func (c *wsConn) closeWith(code int, reason string) error {
	c.mu.Lock()
	deadline := time.Now().Add(time.Second)
	_ = c.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	c.mu.Unlock()
	return c.c.Close()
}

// handleRun terminates one subscriber connection: handshake, RunOpen, Ack,
// then the inbound read loop until disconnect.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if !offersSubprotocol(r) {
		s.opts.Metrics.IncSubscriberRejected()
		http.Error(w, "subprotocol "+types.Subprotocol+" required", http.StatusUpgradeRequired)
		return
	}

	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.opts.Metrics.IncSubscriberRejected()
		return
	}
	conn := &wsConn{c: raw}
	raw.SetReadLimit(types.MaxWireFrame)

	// Exactly one opening frame, bounded.
	_ = raw.SetReadDeadline(time.Now().Add(s.opts.OpenTimeout))
	var first types.Message
	if err := raw.ReadJSON(&first); err != nil {
		s.opts.Metrics.IncSubscriberRejected()
		_ = conn.closeWith(websocket.CloseProtocolError, "RunOpen expected")
		return
	}
	_ = raw.SetReadDeadline(time.Time{})

	if first.Kind != types.KindRunOpen {
		s.opts.Metrics.IncSubscriberRejected()
		_ = conn.closeWith(websocket.CloseProtocolError, "RunOpen expected")
		return
	}
	var open types.RunOpenContent
	if err := json.Unmarshal(first.Content, &open); err != nil {
		s.opts.Metrics.IncSubscriberRejected()
		_ = conn.closeWith(websocket.CloseProtocolError, "malformed RunOpen")
		return
	}
	if open.Role == "" || open.ExecutionID == "" {
		s.opts.Metrics.IncSubscriberRejected()
		_ = conn.closeWith(websocket.ClosePolicyViolation, "role and execution_id required")
		return
	}
	if !types.ValidRole(open.Role) {
		s.opts.Metrics.IncSubscriberRejected()
		_ = conn.closeWith(websocket.CloseProtocolError, "unknown role")
		return
	}
	role := types.Role(open.Role)

	if role == types.RoleClient && open.Payload == nil {
		// A client that cannot start work is a malformed open.
		s.mu.Lock()
		_, exists := s.runs[open.ExecutionID]
		s.mu.Unlock()
		if !exists {
			s.opts.Metrics.IncSubscriberRejected()
			_ = conn.closeWith(websocket.ClosePolicyViolation, "payload required")
			return
		}
	}

	run := s.lookupOrCreate(open.ExecutionID)
	sub := &subscriber{role: role, conn: conn}
	run.addSubscriber(sub)
	s.opts.Metrics.IncSubscriberJoined()

	if err := conn.SendMessage(types.MustMessage(types.KindAck, types.AckContent{
		ExecutionID: open.ExecutionID,
	})); err != nil {
		run.removeSubscriber(sub)
		_ = raw.Close()
		s.maybeGC(run)
		return
	}

	if role == types.RoleClient && open.Payload != nil {
		s.startWork(r.Context(), run, open.Payload)
	}

	s.readLoop(r.Context(), raw, run, sub)

	run.removeSubscriber(sub)
	_ = raw.Close()
	s.maybeGC(run)
}

// startWork transitions a Pending run to Running and spawns its worker.
// A second client join on a non-Pending run is a plain subscribe.
func (s *Server) startWork(ctx context.Context, run *Run, payload *types.RunPayload) {
	if payload.Budget != nil {
		run.mu.Lock()
		run.budget = *payload.Budget
		run.mu.Unlock()
	}

	// The worker is decoupled from the connection lifetime.
	w, err := s.opts.Spawner.Spawn(context.WithoutCancel(ctx), payload)
	if err != nil {
		s.opts.Metrics.IncWorkerLaunchFailure()
		s.opts.Logger.Error("worker spawn failed", map[string]any{
			"execution_id": run.id, "error": err.Error(),
		})
		run.mu.Lock()
		if run.state == types.RunPending {
			run.state = types.RunRunning
		}
		run.mu.Unlock()
		run.pushResult(ctx, types.ErrorEnvelope(run.id, types.ErrRuntime,
			"worker launch failed: "+err.Error(), s.opts.Digest))
		return
	}

	if !run.start(w) {
		// Lost the race to another client; reap the extra worker.
		_ = w.Kill()
		_ = w.Wait()
		return
	}
	s.opts.Metrics.IncWorkerLaunchSuccess()
	run.pushEvent(ctx, types.EventContent{Phase: types.PhaseStarted})
	run.armWatchdog(context.WithoutCancel(ctx))

	go func() {
		run.relay(context.WithoutCancel(ctx), s.opts.Digest)
		s.maybeGC(run)
	}()
}

// readLoop consumes inbound frames after the Ack. Controllers drive control
// ops; all other inbound traffic is ignored. Exits on disconnect.
func (s *Server) readLoop(ctx context.Context, raw *websocket.Conn, run *Run, sub *subscriber) {
	for {
		var m types.Message
		if err := raw.ReadJSON(&m); err != nil {
			return
		}
		if m.Kind == types.KindControl && sub.role == types.RoleController {
			run.applyControl(ctx, m.Content)
		}
	}
}

func (s *Server) lookupOrCreate(id string) *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[id]; ok {
		return r
	}
	r := newRun(id, s.opts.QueueCapacity, s.opts.Grace, s.opts.Logger, s.opts.Metrics)
	s.runs[id] = r
	s.opts.Metrics.IncRunOpened()
	return r
}

// maybeGC drops a run once it is terminal with no subscribers left.
func (s *Server) maybeGC(run *Run) {
	run.mu.Lock()
	done := run.resultSent && len(run.subs) == 0
	run.mu.Unlock()
	if !done {
		return
	}

	s.mu.Lock()
	if _, ok := s.runs[run.id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.runs, run.id)
	s.mu.Unlock()

	st := run.gcClose(DefaultGCBound)
	byKind := make(map[string]int64, len(st.DroppedByKind))
	for k, v := range st.DroppedByKind {
		byKind[string(k)] = v
	}
	s.opts.Metrics.AbsorbQueueStats(st.Enqueued, st.Dropped, byKind)
}

// RunCount reports the live runs in the map.
func (s *Server) RunCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// Shutdown preempts every live run and waits for fanouts to drain. No
// workers survive it.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	live := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		live = append(live, r)
	}
	s.runs = make(map[string]*Run)
	s.mu.Unlock()

	for _, r := range live {
		r.preempt(ctx)
	}
	for _, r := range live {
		r.mu.Lock()
		w := r.worker
		r.mu.Unlock()
		if w != nil {
			_ = w.Kill()
			_ = w.Wait()
		}
		r.gcClose(DefaultGCBound)
	}
}

// offersSubprotocol reports whether the handshake requested the run
// subprotocol.
func offersSubprotocol(r *http.Request) bool {
	for _, p := range websocket.Subprotocols(r) {
		if p == types.Subprotocol {
			return true
		}
	}
	return false
}
