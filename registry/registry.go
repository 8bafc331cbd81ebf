// Package registry loads per-tool specs from the versioned on-disk catalog.
//
// The catalog layout is one YAML file per tool version at a canonical path
// derived from the ref: <root>/<ns>/<name>/<version>/tool.yaml. Specs are
// immutable once loaded.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/theory/types"
)

// SpecFileName is the per-tool spec file inside the catalog.
const SpecFileName = "tool.yaml"

// ErrNotFound is returned when the catalog has no entry for a ref.
// Fatal to the run.
var ErrNotFound = errors.New("tool not found in registry")

// MalformedSpecError wraps a parse or validation failure. Surfaces as
// ERR_REGISTRY in envelopes.
type MalformedSpecError struct {
	Ref string
	Err error
}

func (e *MalformedSpecError) Error() string {
	return fmt.Sprintf("malformed spec for %s: %v", e.Ref, e.Err)
}

func (e *MalformedSpecError) Unwrap() error { return e.Err }

// Platforms the catalog may pin digests for.
const (
	PlatformAMD64 = "amd64"
	PlatformARM64 = "arm64"
)

// ImageSpec pins image references per platform.
type ImageSpec struct {
	// Platforms maps platform name to a full image reference ending in
	// "@sha256:<64 hex>", or the reserved placeholder while unpinned.
	Platforms       map[string]string `yaml:"platforms"`
	DefaultPlatform string            `yaml:"default_platform"`
}

// RuntimeSpec carries resource hints for the container.
type RuntimeSpec struct {
	CPU      float64 `yaml:"cpu"`
	MemoryGB float64 `yaml:"memory_gb"`
	TimeoutS int     `yaml:"timeout_s"`
	GPU      string  `yaml:"gpu,omitempty"`
}

// APISpec describes the processor's wire surface.
type APISpec struct {
	Protocol string `yaml:"protocol"`
	Path     string `yaml:"path"`
	Healthz  string `yaml:"healthz"`
}

// SecretsSpec lists environment secrets the tool needs in real mode.
type SecretsSpec struct {
	Required []string `yaml:"required"`
}

// OutputSpec declares one output path the tool commits under its prefix.
type OutputSpec struct {
	Path        string `yaml:"path"`
	MIME        string `yaml:"mime"`
	Description string `yaml:"description,omitempty"`
}

// ToolSpec is the loaded, validated catalog entry for one tool version.
// Read-only shared; never mutated after Load returns.
type ToolSpec struct {
	Ref     string         `yaml:"ref"`
	Image   ImageSpec      `yaml:"image"`
	Runtime RuntimeSpec    `yaml:"runtime"`
	API     APISpec        `yaml:"api"`
	Secrets SecretsSpec    `yaml:"secrets"`
	Inputs  map[string]any `yaml:"inputs"`
	Outputs []OutputSpec   `yaml:"outputs"`
}

// DigestFor returns the normalized pinned digest for a platform, or "" when
// the platform is unpinned or holds the placeholder.
func (s *ToolSpec) DigestFor(platform string) string {
	return types.NormalizeDigest(s.Image.Platforms[platform])
}

// ImageFor returns the full image reference for a platform.
func (s *ToolSpec) ImageFor(platform string) string {
	return s.Image.Platforms[platform]
}

// Platform resolves the effective platform: the requested one, else the
// spec default, else amd64.
func (s *ToolSpec) Platform(requested string) string {
	if requested != "" {
		return requested
	}
	if s.Image.DefaultPlatform != "" {
		return s.Image.DefaultPlatform
	}
	return PlatformAMD64
}

// Registry loads tool specs from a catalog root directory.
type Registry struct {
	root string
}

// New creates a registry rooted at dir.
func New(root string) *Registry {
	return &Registry{root: root}
}

// SpecPath returns the canonical on-disk path for a ref.
func (r *Registry) SpecPath(ref types.ToolRef) string {
	return filepath.Join(r.root, ref.Namespace, ref.Name, ref.Version, SpecFileName)
}

// Load reads and validates the spec for ref.
// Returns ErrNotFound when the catalog has no entry, or a
// *MalformedSpecError when the entry cannot be used.
func (r *Registry) Load(ref types.ToolRef) (*ToolSpec, error) {
	data, err := os.ReadFile(r.SpecPath(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, &MalformedSpecError{Ref: ref.String(), Err: err}
	}

	var spec ToolSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, &MalformedSpecError{Ref: ref.String(), Err: err}
	}
	if err := validate(&spec, ref); err != nil {
		return nil, &MalformedSpecError{Ref: ref.String(), Err: err}
	}
	return &spec, nil
}

func validate(spec *ToolSpec, ref types.ToolRef) error {
	if spec.Ref != "" && spec.Ref != ref.String() {
		return fmt.Errorf("spec ref %q does not match catalog path for %s", spec.Ref, ref)
	}
	if len(spec.Image.Platforms) == 0 {
		return fmt.Errorf("no image platforms declared")
	}
	for platform, image := range spec.Image.Platforms {
		if platform != PlatformAMD64 && platform != PlatformARM64 {
			return fmt.Errorf("unknown platform %q", platform)
		}
		if image == types.DigestPlaceholder {
			continue
		}
		if types.NormalizeDigest(image) == "" {
			return fmt.Errorf("platform %s image %q lacks a valid sha256 digest", platform, image)
		}
	}
	if dp := spec.Image.DefaultPlatform; dp != "" {
		if _, ok := spec.Image.Platforms[dp]; !ok {
			return fmt.Errorf("default platform %q has no pinned image", dp)
		}
	}
	for _, out := range spec.Outputs {
		if out.Path == "" {
			return fmt.Errorf("declared output with empty path")
		}
	}
	if spec.API.Protocol != "" && spec.API.Protocol != "ws" {
		return fmt.Errorf("unsupported api protocol %q", spec.API.Protocol)
	}
	return nil
}

// SecretsPresent returns the subset of required secrets that are present and
// non-empty in env (as returned by os.Environ-backed lookups). This drives
// the real-mode pre-flight check.
func SecretsPresent(spec *ToolSpec, lookup func(string) (string, bool)) []string {
	var present []string
	for _, name := range spec.Secrets.Required {
		if v, ok := lookup(name); ok && v != "" {
			present = append(present, name)
		}
	}
	return present
}

// MissingSecrets returns the required secrets absent or empty in env.
func MissingSecrets(spec *ToolSpec, lookup func(string) (string, bool)) []string {
	var missing []string
	for _, name := range spec.Secrets.Required {
		if v, ok := lookup(name); !ok || v == "" {
			missing = append(missing, name)
		}
	}
	return missing
}
