package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/pithecene-io/theory/ipc"
	"github.com/pithecene-io/theory/types"
)

// Worker is the supervisor's handle to one spawned worker process.
// Read returns IPC frames until io.EOF; Cancel requests cooperative exit;
// SignalTerm and Kill escalate. Wait reaps the process.
type Worker interface {
	Read() (*types.Message, error)
	Cancel() error
	SignalTerm() error
	Kill() error
	Wait() error
}

// Spawner launches a worker for a run payload.
type Spawner interface {
	Spawn(ctx context.Context, payload *types.RunPayload) (Worker, error)
}

// ProcSpawner spawns worker subprocesses. The worker binary reads the
// payload as the first JSON line on stdin, then control lines; it writes
// length-prefixed IPC frames on stdout.
type ProcSpawner struct {
	// Path is the worker binary.
	Path string
	// Args are extra arguments before the payload.
	Args []string
	// Env entries appended to the inherited environment.
	Env []string
}

// controlLine is a JSON control message written to worker stdin after the
// payload line.
type controlLine struct {
	Op string `json:"op"`
}

type procWorker struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stderr  io.ReadCloser
	dec     *ipc.Decoder
	stdinMu sync.Mutex

	waitOnce sync.Once
	waitErr  error
}

// Spawn starts the worker process and writes the payload line.
func (s *ProcSpawner) Spawn(ctx context.Context, payload *types.RunPayload) (Worker, error) {
	cmd := exec.CommandContext(ctx, s.Path, s.Args...)
	if len(s.Env) > 0 {
		cmd.Env = append(cmd.Environ(), s.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	w := &procWorker{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		dec:    ipc.NewDecoder(stdout),
	}

	// Payload is the first stdin line. Stdin stays open for control lines.
	if err := json.NewEncoder(stdin).Encode(payload); err != nil {
		_ = w.Kill()
		return nil, fmt.Errorf("write payload: %w", err)
	}
	return w, nil
}

func (w *procWorker) Read() (*types.Message, error) {
	return w.dec.Read()
}

// Cancel writes the cooperative-cancel control line. A worker that already
// exited makes the write fail; that is not an error for the caller.
func (w *procWorker) Cancel() error {
	w.stdinMu.Lock()
	defer w.stdinMu.Unlock()
	if err := json.NewEncoder(w.stdin).Encode(controlLine{Op: "cancel"}); err != nil {
		if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, syscall.EPIPE) {
			return nil
		}
		return fmt.Errorf("write cancel: %w", err)
	}
	return nil
}

func (w *procWorker) SignalTerm() error {
	if w.cmd.Process == nil {
		return nil
	}
	err := w.cmd.Process.Signal(syscall.SIGTERM)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (w *procWorker) Kill() error {
	if w.cmd.Process == nil {
		return nil
	}
	err := w.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (w *procWorker) Wait() error {
	w.waitOnce.Do(func() {
		// Drain stderr before reaping so diagnostics survive the exit.
		_, _ = io.Copy(io.Discard, w.stderr)
		w.waitErr = w.cmd.Wait()
	})
	return w.waitErr
}
