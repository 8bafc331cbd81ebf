// Package remote is the pinned-lane adapter. It owns no lifecycle: it
// derives the deployed app name for a ref, resolves its public URL, rewrites
// the scheme for WebSocket, and delegates to the shared transport.
package remote

import (
	"context"
	"fmt"
	"strings"

	"github.com/pithecene-io/theory/adapter"
	"github.com/pithecene-io/theory/log"
	"github.com/pithecene-io/theory/types"
)

// Resolver maps a deployed app name to its public base URL. Implementations
// wrap the deployment platform's lookup API.
type Resolver interface {
	ResolveURL(ctx context.Context, appName string) (string, error)
}

// StaticResolver resolves from a fixed name → URL table. Used in tests and
// for deployments registered by hand in config.
type StaticResolver map[string]string

func (s StaticResolver) ResolveURL(_ context.Context, appName string) (string, error) {
	url, ok := s[appName]
	if !ok {
		return "", fmt.Errorf("no deployment registered for app %q", appName)
	}
	return url, nil
}

// Options configures the remote adapter.
type Options struct {
	Resolver Resolver
	// Environment names the deployment environment (dev, staging, prod).
	Environment string
	// Branch and User suffix app names in dev so parallel deploys do not
	// collide. Both are dropped outside dev.
	Branch string
	User   string
	Logger *log.Logger
}

// Remote implements the pinned-lane adapter.
type Remote struct {
	opts      Options
	transport *adapter.Transport
}

// New builds a Remote adapter.
func New(opts Options) *Remote {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Remote{
		opts:      opts,
		transport: adapter.NewTransport(opts.Logger),
	}
}

// AppName derives the deployed app name for a ref. Pure function of ref,
// environment, branch, and user; non-dev environments omit branch and user.
func AppName(ref types.ToolRef, environment, branch, user string) string {
	sanitize := strings.NewReplacer("/", "-", "@", "-", ".", "-", "_", "-")
	name := fmt.Sprintf("theory-%s-%s-%s",
		sanitize.Replace(ref.Namespace),
		sanitize.Replace(ref.Name),
		sanitize.Replace(ref.Version))
	if environment != "dev" {
		return name
	}
	if branch != "" {
		name += "-" + sanitize.Replace(branch)
	}
	if user != "" {
		name += "-" + sanitize.Replace(user)
	}
	return name
}

// RunURL rewrites a deployment's public http(s) URL into the supervisor's
// WebSocket endpoint.
func RunURL(base string) (string, error) {
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "wss://"), strings.HasPrefix(base, "ws://"):
	default:
		return "", fmt.Errorf("unsupported deployment URL %q", base)
	}
	return strings.TrimSuffix(base, "/") + "/run", nil
}

// Invoke resolves the deployment and runs the execution over the transport.
func (r *Remote) Invoke(ctx context.Context, req *adapter.InvokeRequest) (*types.ExecutionEnvelope, error) {
	id := req.Payload.ExecutionID

	app := AppName(req.Ref, r.opts.Environment, r.opts.Branch, r.opts.User)
	base, err := r.opts.Resolver.ResolveURL(ctx, app)
	if err != nil {
		return types.ErrorEnvelope(id, types.ErrNetwork,
			"resolve deployment: "+err.Error(), req.ExpectedDigest), nil
	}
	url, err := RunURL(base)
	if err != nil {
		return types.ErrorEnvelope(id, types.ErrNetwork, err.Error(), req.ExpectedDigest), nil
	}

	r.opts.Logger.Debug("invoking remote deployment", map[string]any{
		"app": app, "url": url, "execution_id": id,
	})
	return r.transport.Run(ctx, url, req), nil
}

var _ adapter.Adapter = (*Remote)(nil)
