package registry

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pithecene-io/theory/types"
)

const specYAML = `ref: llm/litellm@1
image:
  platforms:
    amd64: ghcr.io/theory/litellm@sha256:` + "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" + `
    arm64: sha256:pending
  default_platform: amd64
runtime:
  cpu: 1
  memory_gb: 2
  timeout_s: 600
api:
  protocol: ws
  path: /run
  healthz: /healthz
secrets:
  required: [OPENAI_API_KEY]
outputs:
  - path: text/response.txt
    mime: text/plain
`

func writeSpec(t *testing.T, root, refStr, body string) types.ToolRef {
	t.Helper()
	ref, err := types.ParseRef(refStr)
	if err != nil {
		t.Fatalf("ParseRef failed: %v", err)
	}
	dir := filepath.Join(root, ref.Namespace, ref.Name, ref.Version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, SpecFileName), []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return ref
}

func TestLoad_Valid(t *testing.T) {
	root := t.TempDir()
	ref := writeSpec(t, root, "llm/litellm@1", specYAML)

	spec, err := New(root).Load(ref)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := spec.DigestFor(PlatformAMD64); got != "sha256:"+strings.Repeat("a", 64) {
		t.Errorf("DigestFor(amd64) = %q", got)
	}
	// Placeholder platform normalizes to empty.
	if got := spec.DigestFor(PlatformARM64); got != "" {
		t.Errorf("placeholder digest should normalize empty, got %q", got)
	}
	if spec.Platform("") != PlatformAMD64 {
		t.Errorf("default platform = %q", spec.Platform(""))
	}
	if spec.Platform(PlatformARM64) != PlatformARM64 {
		t.Errorf("requested platform should win")
	}
}

func TestLoad_NotFound(t *testing.T) {
	ref, _ := types.ParseRef("no/such@1")
	_, err := New(t.TempDir()).Load(ref)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestLoad_MalformedDigest(t *testing.T) {
	root := t.TempDir()
	bad := strings.Replace(specYAML, "sha256:"+strings.Repeat("a", 64), "sha256:nothex", 1)
	ref := writeSpec(t, root, "llm/litellm@1", bad)

	_, err := New(root).Load(ref)
	var malformed *MalformedSpecError
	if !errors.As(err, &malformed) {
		t.Errorf("want MalformedSpecError, got %v", err)
	}
}

func TestLoad_RefMismatch(t *testing.T) {
	root := t.TempDir()
	ref := writeSpec(t, root, "llm/other@1", specYAML)

	_, err := New(root).Load(ref)
	var malformed *MalformedSpecError
	if !errors.As(err, &malformed) {
		t.Errorf("spec ref mismatch should be malformed, got %v", err)
	}
}

func TestSecretsPresence(t *testing.T) {
	spec := &ToolSpec{Secrets: SecretsSpec{Required: []string{"A", "B", "C"}}}
	env := map[string]string{"A": "x", "B": ""}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	present := SecretsPresent(spec, lookup)
	if len(present) != 1 || present[0] != "A" {
		t.Errorf("SecretsPresent = %v, want [A]", present)
	}
	missing := MissingSecrets(spec, lookup)
	if len(missing) != 2 || missing[0] != "B" || missing[1] != "C" {
		t.Errorf("MissingSecrets = %v, want [B C]", missing)
	}
}
