package orchestrator

import (
	"context"

	"github.com/pithecene-io/theory/types"
)

// Stream yields one invocation's fanned-out events followed by the terminal
// result. Events() closes once the run completes; Wait() then returns the
// result. Callers must drain Events() or the run stalls on the observer.
type Stream struct {
	events chan *types.Message
	done   chan struct{}
	result *Result
	err    error
}

// Events returns the event channel, closed after the terminal frame.
func (s *Stream) Events() <-chan *types.Message {
	return s.events
}

// Wait blocks until the invocation finishes and returns its result.
func (s *Stream) Wait() (*Result, error) {
	<-s.done
	return s.result, s.err
}

// InvokeStream runs Invoke with every intermediate event surfaced through
// the returned Stream. A caller-supplied OnEvent still fires before each
// event is queued.
func (o *Orchestrator) InvokeStream(ctx context.Context, req *Request) *Stream {
	s := &Stream{
		events: make(chan *types.Message, 64),
		done:   make(chan struct{}),
	}

	streamed := *req
	caller := req.OnEvent
	streamed.OnEvent = func(m *types.Message) {
		if caller != nil {
			caller(m)
		}
		select {
		case s.events <- m:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(s.done)
		defer close(s.events)
		s.result, s.err = o.Invoke(ctx, &streamed)
	}()
	return s
}
