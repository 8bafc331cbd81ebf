package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pithecene-io/theory/ipc"
	"github.com/pithecene-io/theory/log"
	"github.com/pithecene-io/theory/metrics"
	"github.com/pithecene-io/theory/queue"
	"github.com/pithecene-io/theory/types"
)

// subscriberConn is the slice of a connection a Run needs: ordered message
// delivery and a terminal close. WebSocket conns and test doubles implement it.
type subscriberConn interface {
	SendMessage(m *types.Message) error
	CloseNormal() error
}

// subscriber is one connection bound to a run under a role.
type subscriber struct {
	role types.Role
	conn subscriberConn
}

// Run is the in-memory state of one execution. It owns its worker handle,
// its fanout queue and the fanout goroutine. A Run never escapes the
// supervisor process.
type Run struct {
	mu sync.Mutex

	id     string
	state  types.RunState
	budget types.Budget
	subs   map[*subscriber]struct{}

	queue      *queue.Queue
	fanoutDone chan struct{}

	worker     Worker
	cancelled  bool
	resultSent bool

	grace   time.Duration
	logger  *log.Logger
	metrics *metrics.Collector
}

func newRun(id string, capacity int, grace time.Duration, logger *log.Logger, collector *metrics.Collector) *Run {
	r := &Run{
		id:         id,
		state:      types.RunPending,
		subs:       make(map[*subscriber]struct{}),
		queue:      queue.New(capacity),
		fanoutDone: make(chan struct{}),
		grace:      grace,
		logger:     logger,
		metrics:    collector,
	}
	go r.fanout()
	return r
}

// State returns the current run state.
func (r *Run) State() types.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) addSubscriber(s *subscriber) {
	r.mu.Lock()
	r.subs[s] = struct{}{}
	r.mu.Unlock()
}

func (r *Run) removeSubscriber(s *subscriber) {
	r.mu.Lock()
	delete(r.subs, s)
	r.mu.Unlock()
}

func (r *Run) subscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// fanout is the per-Run delivery goroutine. It reads the queue until the
// nil sentinel and writes each message to every current subscriber. A failed
// send removes that subscriber; it never fails the Run. After a RunResult
// every subscriber is closed with a normal closure.
func (r *Run) fanout() {
	defer close(r.fanoutDone)
	for m := range r.queue.Source() {
		if m == nil {
			return
		}

		r.mu.Lock()
		targets := make([]*subscriber, 0, len(r.subs))
		for s := range r.subs {
			targets = append(targets, s)
		}
		r.mu.Unlock()

		for _, s := range targets {
			if err := s.conn.SendMessage(m); err != nil {
				r.logger.Warn("subscriber send failed, removing", map[string]any{
					"execution_id": r.id,
					"role":         string(s.role),
					"error":        err.Error(),
				})
				r.removeSubscriber(s)
			}
		}

		if m.Kind.IsTerminal() {
			r.mu.Lock()
			closing := make([]*subscriber, 0, len(r.subs))
			for s := range r.subs {
				closing = append(closing, s)
			}
			r.mu.Unlock()
			for _, s := range closing {
				_ = s.conn.CloseNormal()
			}
		}
	}
}

// start transitions Pending to Running and hands the run its worker handle.
// Returns false when the run was not Pending.
func (r *Run) start(w Worker) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != types.RunPending {
		return false
	}
	r.state = types.RunRunning
	r.worker = w
	return true
}

// push enqueues a message for fanout. Drops and blocking follow the queue's
// policy.
func (r *Run) push(ctx context.Context, m *types.Message) {
	r.queue.Push(ctx, m)
}

// pushEvent emits a lifecycle phase marker.
func (r *Run) pushEvent(ctx context.Context, content types.EventContent) {
	m, err := types.NewMessage(types.KindEvent, content)
	if err != nil {
		return
	}
	r.push(ctx, m)
}

// pushResult fans out the terminal envelope. At most one RunResult is ever
// enqueued per Run; later attempts are ignored.
func (r *Run) pushResult(ctx context.Context, env *types.ExecutionEnvelope) {
	r.mu.Lock()
	if r.resultSent {
		r.mu.Unlock()
		return
	}
	r.resultSent = true
	switch {
	case r.state == types.RunPreempted:
		// Preemption sticks even when the worker got an envelope out.
	case env.Status == types.StatusSuccess:
		r.state = types.RunCompleted
	default:
		r.state = types.RunError
	}
	r.mu.Unlock()

	m, err := types.NewMessage(types.KindRunResult, env)
	if err != nil {
		r.logger.Error("encode terminal envelope", map[string]any{
			"execution_id": r.id, "error": err.Error(),
		})
		return
	}
	r.push(ctx, m)

	switch env.Status {
	case types.StatusSuccess:
		r.metrics.IncRunCompleted()
	default:
		if env.Error != nil && env.Error.Code == types.ErrPreempted {
			r.metrics.IncRunPreempted()
		} else {
			r.metrics.IncRunErrored()
		}
	}
}

// resultPending reports whether no terminal envelope has been enqueued yet.
func (r *Run) resultPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.resultSent
}

// relay pumps worker IPC frames into the fanout queue until the stream ends,
// then reaps the process. A worker that exits without a terminal envelope
// gets a synthetic one.
func (r *Run) relay(ctx context.Context, imageDigest string) {
	for {
		m, err := r.worker.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ipc.IsFatalFrameError(err) {
				r.logger.Error("worker stream fatal", map[string]any{
					"execution_id": r.id, "error": err.Error(),
				})
				_ = r.worker.Kill()
				break
			}
			r.metrics.IncIPCDecodeErrors()
			r.logger.Warn("worker frame skipped", map[string]any{
				"execution_id": r.id, "error": err.Error(),
			})
			continue
		}

		if m.Kind == types.KindRunResult {
			env, err := types.DecodeEnvelope(m.Content)
			if err != nil {
				r.logger.Error("worker terminal undecodable", map[string]any{
					"execution_id": r.id, "error": err.Error(),
				})
				break
			}
			r.pushResult(ctx, env)
			continue
		}
		r.push(ctx, m)
	}

	waitErr := r.worker.Wait()

	if r.resultPending() {
		code := types.ErrRuntime
		msg := "worker exited without a terminal envelope"
		if waitErr != nil {
			msg = fmt.Sprintf("%s: %v", msg, waitErr)
		}
		r.mu.Lock()
		preempted := r.state == types.RunPreempted
		r.mu.Unlock()
		if preempted {
			code = types.ErrPreempted
			msg = "run preempted before the worker committed"
		} else {
			r.metrics.IncWorkerCrash()
		}
		r.pushResult(ctx, types.ErrorEnvelope(r.id, code, msg, imageDigest))
	}
}

// applyControl executes one Controller control frame.
func (r *Run) applyControl(ctx context.Context, raw json.RawMessage) {
	var c types.ControlContent
	if err := json.Unmarshal(raw, &c); err != nil {
		r.pushEvent(ctx, types.EventContent{Phase: types.PhaseControlNoop, Noop: true})
		return
	}

	switch c.Op {
	case types.OpPreempt:
		r.preempt(ctx)
	case types.OpPause:
		r.mu.Lock()
		ok := r.state == types.RunRunning
		if ok {
			r.state = types.RunPaused
		}
		r.mu.Unlock()
		if ok {
			r.pushEvent(ctx, types.EventContent{Phase: types.PhasePaused})
		} else {
			r.pushEvent(ctx, types.EventContent{Phase: types.PhaseControlNoop, Noop: true})
		}
	case types.OpResume:
		r.mu.Lock()
		ok := r.state == types.RunPaused
		if ok {
			r.state = types.RunRunning
		}
		r.mu.Unlock()
		if ok {
			r.pushEvent(ctx, types.EventContent{Phase: types.PhaseResumed})
		} else {
			r.pushEvent(ctx, types.EventContent{Phase: types.PhaseControlNoop, Noop: true})
		}
	case types.OpSetBudget:
		r.mu.Lock()
		if c.Budget != nil {
			r.budget = *c.Budget
		}
		b := r.budget
		r.mu.Unlock()
		r.pushEvent(ctx, types.EventContent{Phase: types.PhaseBudgetUpdated, Budget: &b})
	default:
		r.pushEvent(ctx, types.EventContent{Phase: types.PhaseControlNoop, Noop: true})
	}
}

// preempt marks the run Preempted, sets the cooperative-cancel flag and
// arms the soft-kill/hard-kill escalation. On an already-terminal run it is
// a no-op event.
func (r *Run) preempt(ctx context.Context) {
	r.mu.Lock()
	if r.state.Terminal() || r.state == types.RunPreempted {
		r.mu.Unlock()
		r.pushEvent(ctx, types.EventContent{Phase: types.PhasePreempted, Noop: true})
		return
	}
	r.state = types.RunPreempted
	r.cancelled = true
	w := r.worker
	r.mu.Unlock()

	r.pushEvent(ctx, types.EventContent{Phase: types.PhasePreempted})

	if w == nil {
		// Never started; settle the terminal directly.
		r.pushResult(ctx, types.ErrorEnvelope(r.id, types.ErrPreempted, "run preempted before start", ""))
		return
	}
	if err := w.Cancel(); err != nil {
		r.logger.Warn("cancel write failed", map[string]any{
			"execution_id": r.id, "error": err.Error(),
		})
	}

	go func() {
		timer := time.NewTimer(r.grace)
		defer timer.Stop()
		select {
		case <-r.fanoutDone:
			return
		case <-timer.C:
		}
		if !r.resultPending() {
			return
		}
		_ = w.SignalTerm()

		timer.Reset(r.grace)
		select {
		case <-r.fanoutDone:
			return
		case <-timer.C:
		}
		if !r.resultPending() {
			return
		}
		_ = w.Kill()
	}()
}

// armWatchdog starts the wall-clock cap timer when the run's budget sets
// one. Hitting the cap drives the same preempt escalation a controller
// would.
func (r *Run) armWatchdog(ctx context.Context) {
	r.mu.Lock()
	millis := r.budget.WallMillis
	r.mu.Unlock()
	if millis <= 0 {
		return
	}

	go func() {
		timer := time.NewTimer(time.Duration(millis) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-r.fanoutDone:
			return
		case <-timer.C:
		}
		if !r.resultPending() {
			return
		}
		r.logger.Warn("wall clock cap hit", map[string]any{
			"execution_id": r.id, "wall_millis": millis,
		})
		r.preempt(ctx)
	}()
}

// gcClose enqueues the fanout sentinel and awaits the fanout goroutine for
// at most the given bound. Returns the final queue stats.
func (r *Run) gcClose(bound time.Duration) queue.Stats {
	r.queue.CloseSentinel()
	timer := time.NewTimer(bound)
	defer timer.Stop()
	select {
	case <-r.fanoutDone:
	case <-timer.C:
		r.logger.Warn("fanout did not drain in time", map[string]any{
			"execution_id": r.id,
		})
	}
	return r.queue.Stats()
}
