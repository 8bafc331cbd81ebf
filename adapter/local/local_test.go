package local

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeRunner scripts engine CLI output keyed by the first argument
// sequence and records every call.
type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	replies map[string]string
	errs    map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		replies: make(map[string]string),
		errs:    make(map[string]error),
	}
}

func (r *fakeRunner) key(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func (r *fakeRunner) Run(_ context.Context, args ...string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, args)
	k := r.key(args)
	if err, ok := r.errs[k]; ok {
		return "", err
	}
	return r.replies[k], nil
}

func (r *fakeRunner) callsFor(verb string) [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out [][]string
	for _, c := range r.calls {
		if len(c) > 0 && c[0] == verb {
			out = append(out, c)
		}
	}
	return out
}

func testAdapter(t *testing.T, runner CommandRunner) *Local {
	t.Helper()
	l := New(Options{
		PortMapPath: filepath.Join(t.TempDir(), "ports.json"),
		WorkDir:     t.TempDir(),
		Runner:      runner,
	})
	l.sleep = func(time.Duration) {}
	l.ports.listen = func(int) bool { return true }
	return l
}

func TestPortMapReusesRecordedPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ports.json")
	pm := NewPortMap(path)
	pm.listen = func(int) bool { return true }

	p1, err := pm.Allocate("vend/tool@1.0.0")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if p1 != PortBase {
		t.Errorf("first port = %d, want %d", p1, PortBase)
	}
	p2, _ := pm.Allocate("vend/other@1.0.0")
	if p2 == p1 {
		t.Errorf("second ref got the same port %d", p2)
	}

	// A fresh map over the same file reuses the record.
	pm2 := NewPortMap(path)
	pm2.listen = func(int) bool { return true }
	again, _ := pm2.Allocate("vend/tool@1.0.0")
	if again != p1 {
		t.Errorf("reloaded port = %d, want %d", again, p1)
	}
}

func TestPortMapSkipsBusyPort(t *testing.T) {
	pm := NewPortMap(filepath.Join(t.TempDir(), "ports.json"))
	busy := map[int]bool{PortBase: true}
	pm.listen = func(p int) bool { return !busy[p] }

	port, err := pm.Allocate("vend/tool@1.0.0")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if port != PortBase+1 {
		t.Errorf("port = %d, want %d", port, PortBase+1)
	}

	// The recorded port went busy; the next allocate moves on.
	busy[PortBase+1] = true
	port2, err := pm.Allocate("vend/tool@1.0.0")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if port2 == PortBase+1 {
		t.Error("allocate reused a busy port")
	}
}

func TestStartReusesRunningContainer(t *testing.T) {
	runner := newFakeRunner()
	runner.replies["ps"] = "abc123"
	l := testAdapter(t, runner)

	if _, err := l.Start(context.Background(), "vend/tool@1.0.0", "img:latest", "", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := runner.callsFor("run"); len(got) != 0 {
		t.Errorf("docker run invoked %d times for a running container", len(got))
	}
}

func TestStartInjectsEnvAndLabels(t *testing.T) {
	runner := newFakeRunner()
	l := testAdapter(t, runner)

	secrets := map[string]string{"OPENAI_API_KEY": "sk-secret"}
	digest := "sha256:" + strings.Repeat("a", 64)
	if _, err := l.Start(context.Background(), "vend/tool@1.0.0", "img:latest", digest, secrets); err != nil {
		t.Fatalf("start: %v", err)
	}

	runs := runner.callsFor("run")
	if len(runs) != 1 {
		t.Fatalf("docker run calls = %d, want 1", len(runs))
	}
	cmd := strings.Join(runs[0], " ")
	for _, want := range []string{
		"--label " + RefLabel + "=vend/tool@1.0.0",
		"IMAGE_DIGEST=" + digest,
		"TZ=UTC",
		"LC_ALL=C.UTF-8",
		"OPENAI_API_KEY=sk-secret",
		fmt.Sprintf(":%d", ContainerPort),
	} {
		if !strings.Contains(cmd, want) {
			t.Errorf("run command missing %q:\n%s", want, cmd)
		}
	}
	if runs[0][len(runs[0])-1] != "img:latest" {
		t.Errorf("image not last arg: %v", runs[0])
	}
}

func TestResolveDigestPreferenceOrder(t *testing.T) {
	hexd := strings.Repeat("b", 64)
	runner := newFakeRunner()
	runner.replies["image"] = "sha256:" + strings.Repeat("c", 64)
	l := testAdapter(t, runner)
	ctx := context.Background()

	if got := l.resolveDigest(ctx, "sha256:"+hexd, "img@sha256:"+strings.Repeat("c", 64)); got != "sha256:"+hexd {
		t.Errorf("expected digest wins: got %s", got)
	}
	if got := l.resolveDigest(ctx, "", "img@sha256:"+hexd); got != "sha256:"+hexd {
		t.Errorf("image-embedded digest: got %s", got)
	}
	if got := l.resolveDigest(ctx, "", "img:latest"); got != "sha256:"+strings.Repeat("c", 64) {
		t.Errorf("inspect digest: got %s", got)
	}
	runner.errs["image"] = fmt.Errorf("no such image")
	if got := l.resolveDigest(ctx, "", "img:latest"); got != "unknown" {
		t.Errorf("fallback: got %s, want unknown", got)
	}
}

func TestRedactCommandMasksSecrets(t *testing.T) {
	args := []string{
		"run", "-d",
		"-e", "IMAGE_DIGEST=sha256:abc",
		"-e", "OPENAI_API_KEY=sk-secret",
		"-e", "TZ=UTC",
		"img",
	}
	got := redactCommand(args)
	if strings.Contains(got, "sk-secret") {
		t.Errorf("secret leaked: %s", got)
	}
	if !strings.Contains(got, "OPENAI_API_KEY=***") {
		t.Errorf("secret not masked: %s", got)
	}
	if !strings.Contains(got, "IMAGE_DIGEST=sha256:abc") {
		t.Errorf("plain env over-redacted: %s", got)
	}
}

func TestHealthGatePassesOnOKBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "digest": "sha256:x"})
	}))
	defer ts.Close()
	port := serverPort(t, ts)

	l := testAdapter(t, newFakeRunner())
	if err := l.healthGate(context.Background(), "vend/tool@1.0.0", port); err != nil {
		t.Errorf("health gate failed against a healthy server: %v", err)
	}
}

func TestHealthGateExhaustionStopsContainer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()
	port := serverPort(t, ts)

	runner := newFakeRunner()
	runner.replies["ps"] = "abc123"
	runner.replies["logs"] = "supervisor crashed on boot"
	l := testAdapter(t, runner)
	l.budget = 50 * time.Millisecond

	err := l.healthGate(context.Background(), "vend/tool@1.0.0", port)
	if err == nil {
		t.Fatal("health gate passed against a broken server")
	}
	if !strings.Contains(err.Error(), "supervisor crashed on boot") {
		t.Errorf("error lacks captured output: %v", err)
	}
	if got := runner.callsFor("rm"); len(got) == 0 {
		t.Error("container not removed after health exhaustion")
	}
}

func TestStopPurgesPortRecord(t *testing.T) {
	runner := newFakeRunner()
	runner.replies["ps"] = "abc123\ndef456"
	l := testAdapter(t, runner)

	if _, err := l.ports.Allocate("vend/tool@1.0.0"); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := l.Stop(context.Background(), "vend/tool@1.0.0", false); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := runner.callsFor("rm"); len(got) != 2 {
		t.Errorf("rm calls = %d, want 2", len(got))
	}
	if _, ok := l.ports.Lookup("vend/tool@1.0.0"); ok {
		t.Error("port record survived stop")
	}
}

func TestContainerNameStable(t *testing.T) {
	a := ContainerName("vend/tool@1.0.0", "img:latest")
	b := ContainerName("vend/tool@1.0.0", "img:latest")
	if a != b {
		t.Errorf("names differ: %s vs %s", a, b)
	}
	c := ContainerName("vend/tool@1.0.0", "img:other")
	if a == c {
		t.Error("different images share a name")
	}
	if !strings.HasPrefix(a, "theory-") || strings.ContainsAny(a, "/@:.") {
		t.Errorf("name not sanitized: %s", a)
	}
}

func serverPort(t *testing.T, ts *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	var port int
	if _, err := fmt.Sscanf(u.Port(), "%d", &port); err != nil {
		t.Fatalf("port: %v", err)
	}
	return port
}
