// Package worker implements the per-run child process harness: it reads the
// payload from stdin, runs the tool's entry function, uploads artifacts via
// presigned PUT, and emits exactly one terminal envelope over IPC.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/pithecene-io/theory/ipc"
	"github.com/pithecene-io/theory/types"
	"github.com/pithecene-io/theory/worldpath"
)

// EnvImageDigest must be set in every tool image; its value lands in
// meta.image_digest of every envelope the worker emits.
const EnvImageDigest = "IMAGE_DIGEST"

// Emitter streams non-terminal frames back through the supervisor.
// Methods never fail the run; a broken pipe surfaces when the terminal
// envelope is written.
type Emitter struct {
	enc *ipc.Encoder
}

// Token emits an incremental text fragment.
func (e *Emitter) Token(text string) {
	_ = e.enc.Write(types.MustMessage(types.KindToken, types.TokenContent{Text: text}))
}

// Frame announces an uploaded artifact.
func (e *Emitter) Frame(path, mime string) {
	_ = e.enc.Write(types.MustMessage(types.KindFrame, types.FrameContent{Path: path, MIME: mime}))
}

// Log emits a structured log line.
func (e *Emitter) Log(level, message string, fields map[string]any) {
	_ = e.enc.Write(types.MustMessage(types.KindLog, types.LogContent{
		Level: level, Message: message, Fields: fields,
	}))
}

// Event emits a lifecycle marker.
func (e *Emitter) Event(phase string) {
	_ = e.enc.Write(types.MustMessage(types.KindEvent, types.EventContent{Phase: phase}))
}

// RunContext is everything an entry function gets.
type RunContext struct {
	Payload *types.RunPayload
	// WritePrefix is the payload prefix with {execution_id} substituted.
	WritePrefix string
	Emit        *Emitter
	Uploads     *Uploader
	// Cancelled reports the cooperative-cancel flag. Long-running entries
	// poll it and return a Fault with ErrPreempted when set.
	Cancelled func() bool
}

// Entry is the tool's user-supplied function.
type Entry func(ctx context.Context, rc *RunContext) error

// Options configures a harness run. Zero values are production defaults.
type Options struct {
	Stdin  io.Reader
	Stdout io.Writer
	Getenv func(string) string
	// HTTPClient overrides the upload client (tests).
	HTTPClient *http.Client
}

func (o *Options) fill() {
	if o.Stdin == nil {
		o.Stdin = os.Stdin
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Getenv == nil {
		o.Getenv = os.Getenv
	}
}

// Run executes the harness around one entry. It always writes exactly one
// terminal envelope before returning; the return value is the process exit
// code.
func Run(entry Entry, opts Options) int {
	opts.fill()
	enc := ipc.NewEncoder(opts.Stdout)

	terminal := func(env *types.ExecutionEnvelope) int {
		if err := enc.Write(types.MustMessage(types.KindRunResult, env)); err != nil {
			fmt.Fprintf(os.Stderr, "terminal write failed: %v\n", err)
			return 1
		}
		if env.Status == types.StatusError {
			return 1
		}
		return 0
	}

	// One buffered reader across payload and control lines; a separate
	// reader would swallow buffered control bytes.
	stdin := bufio.NewReader(opts.Stdin)

	payload, err := readPayload(stdin)
	if err != nil {
		return terminal(types.ErrorEnvelope("", types.ErrInputs,
			"payload decode failed: "+err.Error(), opts.Getenv(EnvImageDigest)))
	}
	digest := opts.Getenv(EnvImageDigest)
	if payload.ExecutionID == "" {
		return terminal(types.ErrorEnvelope("", types.ErrInputs, "payload missing execution_id", digest))
	}
	if digest == "" {
		return terminal(types.ErrorEnvelope(payload.ExecutionID, types.ErrImageDigestMissing,
			EnvImageDigest+" not set in environment", ""))
	}

	prefix, err := worldpath.ExpandPrefix(payload.WritePrefix, payload.ExecutionID)
	if err != nil {
		return terminal(types.ErrorEnvelope(payload.ExecutionID, types.ErrPrefixTemplate,
			err.Error(), digest))
	}

	var cancelled atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watchControl(stdin, func() {
		cancelled.Store(true)
		cancel()
	})

	rc := &RunContext{
		Payload:     payload,
		WritePrefix: prefix,
		Emit:        &Emitter{enc: enc},
		Uploads:     NewUploader(payload, opts.HTTPClient),
		Cancelled:   cancelled.Load,
	}

	if err := runEntry(ctx, entry, rc); err != nil {
		return terminal(faultEnvelope(payload.ExecutionID, digest, err, cancelled.Load()))
	}
	if cancelled.Load() {
		return terminal(types.ErrorEnvelope(payload.ExecutionID, types.ErrPreempted,
			"run cancelled before commit", digest))
	}

	outputs, err := rc.Uploads.Commit(ctx)
	if err != nil {
		return terminal(faultEnvelope(payload.ExecutionID, digest, err, cancelled.Load()))
	}

	env := &types.ExecutionEnvelope{
		Status:      types.StatusSuccess,
		ExecutionID: payload.ExecutionID,
		Outputs:     outputs,
		IndexPath:   worldpath.Join(prefix, types.IndexKey),
		Meta:        map[string]any{types.MetaImageDigest: digest},
	}
	return terminal(env)
}

// runEntry isolates entry panics into ERR_RUNTIME faults.
func runEntry(ctx context.Context, entry Entry, rc *RunContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Faultf(types.ErrRuntime, "entry panicked: %v", r)
		}
	}()
	return entry(ctx, rc)
}

func faultEnvelope(executionID, digest string, err error, cancelled bool) *types.ExecutionEnvelope {
	var f *Fault
	if errors.As(err, &f) {
		return types.ErrorEnvelope(executionID, f.Code, f.Message, digest)
	}
	code := types.ErrRuntime
	if cancelled {
		code = types.ErrPreempted
	}
	return types.ErrorEnvelope(executionID, code, err.Error(), digest)
}

// readPayload decodes the first stdin line.
func readPayload(r *bufio.Reader) (*types.RunPayload, error) {
	line, err := r.ReadBytes('\n')
	if len(line) == 0 && err != nil {
		return nil, err
	}
	var p types.RunPayload
	if err := json.Unmarshal(line, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// watchControl reads control lines after the payload. Only "cancel" is
// defined today.
func watchControl(r io.Reader, onCancel func()) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var c struct {
			Op string `json:"op"`
		}
		if err := json.Unmarshal(line, &c); err != nil {
			continue
		}
		if c.Op == "cancel" {
			onCancel()
			return
		}
	}
}
