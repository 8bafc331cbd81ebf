// Package local is the lane adapter that owns local container lifecycle,
// keyed by tool ref: port allocation, start-or-reuse, the health gate, and
// teardown. Invocation itself delegates to the shared WebSocket transport.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pithecene-io/theory/adapter"
	"github.com/pithecene-io/theory/iox"
	"github.com/pithecene-io/theory/log"
	"github.com/pithecene-io/theory/types"
)

// RefLabel marks containers owned by this adapter.
const RefLabel = "com.theory.ref"

// ContainerPort is the fixed supervisor port inside every tool image.
const ContainerPort = 8000

// Health gate tuning.
const (
	healthBackoffBase   = 100 * time.Millisecond
	healthBackoffFactor = 1.6
	healthBackoffCap    = 1500 * time.Millisecond
	healthBudget        = 15 * time.Second
	stderrTail          = 2048
)

// Env vars injected verbatim and safe to log. Anything else is a secret and
// logs as "***".
var plainEnv = map[string]bool{
	"IMAGE_DIGEST": true,
	"TZ":           true,
	"LC_ALL":       true,
}

// Options configures the local adapter.
type Options struct {
	// PortMapPath is the persistent ref → port JSON file.
	PortMapPath string
	// WorkDir is bind-mounted at /world inside the container.
	WorkDir string
	// Runner shells out to the engine; ExecRunner when nil.
	Runner CommandRunner
	// HealthClient overrides the health-gate HTTP client (tests).
	HealthClient *http.Client
	Logger       *log.Logger
}

// Local implements the build-lane adapter over a container engine CLI.
type Local struct {
	ports     *PortMap
	runner    CommandRunner
	transport *adapter.Transport
	health    *http.Client
	workDir   string
	logger    *log.Logger

	// sleep and budget are swappable in tests.
	sleep  func(time.Duration)
	budget time.Duration
}

// New builds a Local adapter.
func New(opts Options) *Local {
	if opts.Runner == nil {
		opts.Runner = &ExecRunner{}
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.HealthClient == nil {
		opts.HealthClient = &http.Client{Timeout: 2 * time.Second}
	}
	return &Local{
		ports:     NewPortMap(opts.PortMapPath),
		runner:    opts.Runner,
		transport: adapter.NewTransport(opts.Logger),
		health:    opts.HealthClient,
		workDir:   opts.WorkDir,
		logger:    opts.Logger,
		sleep:     time.Sleep,
		budget:    healthBudget,
	}
}

// Ports exposes the adapter's port map for CLI control surfaces.
func (l *Local) Ports() *PortMap { return l.ports }

// ContainerName derives the stable name for a ref + image pair.
func ContainerName(ref, image string) string {
	h := sha256.Sum256([]byte(image))
	base := strings.NewReplacer("/", "-", "@", "-", ":", "-", ".", "-").Replace(ref)
	return "theory-" + base + "-" + hex.EncodeToString(h[:])[:8]
}

// Invoke starts (or reuses) the tool container, gates on health, then runs
// the execution over the WebSocket transport.
func (l *Local) Invoke(ctx context.Context, req *adapter.InvokeRequest) (*types.ExecutionEnvelope, error) {
	id := req.Payload.ExecutionID

	port, err := l.Start(ctx, req.Ref.String(), req.Image, req.ExpectedDigest, req.Secrets)
	if err != nil {
		return types.ErrorEnvelope(id, types.ErrRuntime, "container start: "+err.Error(), req.ExpectedDigest), nil
	}
	if err := l.healthGate(ctx, req.Ref.String(), port); err != nil {
		return types.ErrorEnvelope(id, types.ErrHealth, err.Error(), req.ExpectedDigest), nil
	}
	return l.transport.Run(ctx, l.RunURL(port), req), nil
}

// RunURL is the supervisor endpoint for an allocated host port.
func (l *Local) RunURL(port int) string {
	return fmt.Sprintf("ws://127.0.0.1:%d/run", port)
}

// Start ensures a container for ref is running and returns its host port.
func (l *Local) Start(ctx context.Context, ref, image, expectedDigest string, secrets map[string]string) (int, error) {
	port, err := l.ports.Allocate(ref)
	if err != nil {
		return 0, err
	}

	running, err := l.runner.Run(ctx, "ps", "--filter", "label="+RefLabel+"="+ref, "--format", "{{.ID}}")
	if err != nil {
		return 0, err
	}
	if running != "" {
		return port, nil
	}

	digest := l.resolveDigest(ctx, expectedDigest, image)

	args := []string{
		"run", "-d",
		"--name", ContainerName(ref, image),
		"--label", RefLabel + "=" + ref,
		"--user", fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		"-p", fmt.Sprintf("%d:%d", port, ContainerPort),
	}
	if l.workDir != "" {
		args = append(args, "-v", l.workDir+":/world")
	}

	envs := map[string]string{
		"IMAGE_DIGEST": digest,
		"TZ":           "UTC",
		"LC_ALL":       "C.UTF-8",
	}
	for k, v := range secrets {
		envs[k] = v
	}
	for k, v := range envs {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, image)

	l.logger.Info("starting container", map[string]any{
		"ref":     ref,
		"port":    port,
		"command": redactCommand(args),
	})
	if _, err := l.runner.Run(ctx, args...); err != nil {
		return 0, err
	}
	return port, nil
}

// resolveDigest picks IMAGE_DIGEST by preference: caller-declared, digest
// embedded in the image reference, engine-reported image id, "unknown".
func (l *Local) resolveDigest(ctx context.Context, expected, image string) string {
	if d := types.NormalizeDigest(expected); d != "" {
		return d
	}
	if d := types.NormalizeDigest(image); d != "" {
		return d
	}
	if out, err := l.runner.Run(ctx, "image", "inspect", image, "--format", "{{.Id}}"); err == nil {
		if d := types.NormalizeDigest(out); d != "" {
			return d
		}
	}
	return "unknown"
}

// healthGate polls the container port, then /healthz, under exponential
// backoff until ok or the budget runs out. Exhaustion stops the container
// and surfaces its last stderr.
func (l *Local) healthGate(ctx context.Context, ref string, port int) error {
	deadline := time.Now().Add(l.budget)
	delay := healthBackoffBase
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if conn, err := net.DialTimeout("tcp", addr, delay); err == nil {
			_ = conn.Close()
			if l.healthzOK(ctx, port) {
				return nil
			}
		}
		l.sleep(delay)
		delay = time.Duration(float64(delay) * healthBackoffFactor)
		if delay > healthBackoffCap {
			delay = healthBackoffCap
		}
	}

	logs, _ := l.Logs(ctx, ref, 50)
	_ = l.Stop(ctx, ref, false)
	return fmt.Errorf("tool at %s never became healthy within %s; last output: %s",
		addr, l.budget, tail([]byte(logs), stderrTail))
}

func (l *Local) healthzOK(ctx context.Context, port int) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://127.0.0.1:%d/healthz", port), nil)
	if err != nil {
		return false
	}
	resp, err := l.health.Do(req)
	if err != nil {
		return false
	}
	defer iox.DrainClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var body struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.OK
}

// Stop removes the containers for ref, or every labeled container when all
// is set, and purges the port record.
func (l *Local) Stop(ctx context.Context, ref string, all bool) error {
	filter := "label=" + RefLabel
	if !all {
		filter += "=" + ref
	}
	out, err := l.runner.Run(ctx, "ps", "-a", "--filter", filter, "--format", "{{.ID}}")
	if err != nil {
		return err
	}
	for _, id := range strings.Fields(out) {
		if _, err := l.runner.Run(ctx, "rm", "-f", id); err != nil {
			return err
		}
	}
	if all {
		return l.ports.Purge("")
	}
	return l.ports.Purge(ref)
}

// StatusEntry describes one managed container.
type StatusEntry struct {
	Ref         string `json:"ref"`
	ContainerID string `json:"container_id"`
	Port        int    `json:"port"`
	Healthy     bool   `json:"healthy"`
}

// Status reports every running managed container.
func (l *Local) Status(ctx context.Context) ([]StatusEntry, error) {
	out, err := l.runner.Run(ctx, "ps",
		"--filter", "label="+RefLabel,
		"--format", "{{.ID}}\t{{.Label \""+RefLabel+"\"}}")
	if err != nil {
		return nil, err
	}
	var entries []StatusEntry
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(strings.TrimSpace(line), "\t", 2)
		if len(parts) != 2 || parts[0] == "" {
			continue
		}
		e := StatusEntry{ContainerID: parts[0], Ref: parts[1]}
		if port, ok := l.ports.Lookup(e.Ref); ok {
			e.Port = port
			e.Healthy = l.healthzOK(ctx, port)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Logs returns the last n log lines of the container for ref.
func (l *Local) Logs(ctx context.Context, ref string, n int) (string, error) {
	out, err := l.runner.Run(ctx, "ps", "-a",
		"--filter", "label="+RefLabel+"="+ref, "--format", "{{.ID}}")
	if err != nil {
		return "", err
	}
	id := strings.Fields(out)
	if len(id) == 0 {
		return "", fmt.Errorf("no container for ref %s", ref)
	}
	return l.runner.Run(ctx, "logs", "--tail", strconv.Itoa(n), id[0])
}

// FollowLogs streams the container's logs to w until ctx cancels. Requires
// a runner that can attach output.
func (l *Local) FollowLogs(ctx context.Context, ref string, n int, w io.Writer) error {
	sr, ok := l.runner.(StreamRunner)
	if !ok {
		return fmt.Errorf("log following is not supported by this runner")
	}
	out, err := l.runner.Run(ctx, "ps",
		"--filter", "label="+RefLabel+"="+ref, "--format", "{{.ID}}")
	if err != nil {
		return err
	}
	id := strings.Fields(out)
	if len(id) == 0 {
		return fmt.Errorf("no container for ref %s", ref)
	}
	return sr.Stream(ctx, w, "logs", "-f", "--tail", strconv.Itoa(n), id[0])
}

// redactCommand masks every env value whose key is not in the plain set.
func redactCommand(args []string) string {
	out := make([]string, len(args))
	copy(out, args)
	for i := 0; i < len(out)-1; i++ {
		if out[i] != "-e" {
			continue
		}
		key, _, ok := strings.Cut(out[i+1], "=")
		if ok && !plainEnv[key] {
			out[i+1] = key + "=***"
		}
	}
	return strings.Join(out, " ")
}

var _ adapter.Adapter = (*Local)(nil)
