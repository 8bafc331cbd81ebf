// Package adapter defines the lane adapters' shared contract and the
// WebSocket transport both lanes delegate to. Adapters never raise transport
// failures: everything terminal is an envelope.
package adapter

import (
	"context"
	"time"

	"github.com/pithecene-io/theory/types"
)

// InvokeRequest is one execution handed to an adapter.
type InvokeRequest struct {
	Ref     types.ToolRef
	Payload *types.RunPayload
	// ExpectedDigest is the pinned digest for drift checks and for the
	// IMAGE_DIGEST injection on the local lane. May be empty on build lane.
	ExpectedDigest string
	// Image is the image reference to run. Local lane only.
	Image string
	// Secrets are env vars injected at container start. Local lane only;
	// already resolved by the orchestrator.
	Secrets map[string]string
	// Timeout bounds the whole invocation.
	Timeout time.Duration
	// OnEvent observes every non-terminal frame in fanout order. Optional.
	OnEvent func(*types.Message)
}

// Adapter runs one execution against a tool and returns its terminal
// envelope. Transport and lifecycle failures come back as synthetic error
// envelopes, never as Go errors; the error return is reserved for malformed
// requests.
type Adapter interface {
	Invoke(ctx context.Context, req *InvokeRequest) (*types.ExecutionEnvelope, error)
}
