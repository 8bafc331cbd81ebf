// Package orchestrator drives one tool execution end to end: spec lookup,
// write-prefix computation, lane selection, presigned URL minting, adapter
// dispatch, envelope validation, receipts, and budget settlement.
//
// Invoke never raises domain failures as Go errors. Everything terminal is
// an error envelope carried in the Result; the Go error return is reserved
// for orchestrator misconfiguration.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/theory/adapter"
	"github.com/pithecene-io/theory/ledger"
	"github.com/pithecene-io/theory/log"
	"github.com/pithecene-io/theory/notify"
	"github.com/pithecene-io/theory/presign"
	"github.com/pithecene-io/theory/registry"
	"github.com/pithecene-io/theory/types"
	"github.com/pithecene-io/theory/worldpath"
)

// Lanes.
const (
	LaneBuild  = "build"
	LanePinned = "pinned"
)

// Adapter names.
const (
	AdapterLocal  = "local"
	AdapterRemote = "remote"
)

// DefaultTimeout bounds an invocation when the caller passes none.
const DefaultTimeout = 10 * time.Minute

// presignSlack extends URL TTLs past the invocation timeout so uploads
// started near the deadline still land.
const presignSlack = 60 * time.Second

// DefaultGlobalReceiptPrefix is the execution-indexed receipt location when
// config carries none.
const DefaultGlobalReceiptPrefix = "/artifacts/receipts/"

// Options wires the orchestrator's collaborators.
type Options struct {
	Registry  *registry.Registry
	Presigner presign.Presigner
	Store     presign.ObjectStore
	// Bucket holds artifacts and receipts. World paths map to keys via
	// worldpath.Key.
	Bucket string

	Local  adapter.Adapter
	Remote adapter.Adapter

	// Ledger is optional; invocations without a plan never touch it.
	Ledger ledger.Ledger
	// Publishers receive best-effort run_completed events.
	Publishers []notify.Publisher

	// World is this deployment's world name, guarding world:// input refs.
	World string
	// GlobalReceiptPrefix roots the second receipt copy.
	// Defaults to DefaultGlobalReceiptPrefix.
	GlobalReceiptPrefix string
	// HostPlatform is the pinned-lane platform default on the local adapter.
	// Defaults to the build architecture.
	HostPlatform string

	// LookupEnv resolves secrets. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
	// NewID generates execution ids. Defaults to uuid.NewString.
	NewID func() string
	// Now is the receipt clock. Defaults to time.Now.
	Now func() time.Time

	Logger *log.Logger
}

// Request is one invocation.
type Request struct {
	Ref    string
	Mode   string
	Inputs json.RawMessage
	// Adapter selects the lane owner: "local" or "remote".
	Adapter string
	// Lane is "pinned" (default) or "build". Build is local-only.
	Lane string
	// Platform overrides the pinned-lane platform.
	Platform string
	// BuildImage overrides the build-lane image reference.
	BuildImage string
	// ExecutionID is caller-supplied or generated when empty.
	ExecutionID string
	// WritePrefix overrides the default artifact prefix. May carry the
	// {execution_id} placeholder.
	WritePrefix string
	Timeout     time.Duration
	// Plan links the execution to a budget plan for settlement.
	Plan string
	// EstimateHiMicro is the settlement high-watermark when Plan is set.
	EstimateHiMicro int64
	// Budget caps the run inside the supervisor.
	Budget *types.Budget
	// OnEvent observes every fanned-out non-terminal frame. Optional.
	OnEvent func(*types.Message)
}

// Result is the terminal outcome of one invocation.
type Result struct {
	Envelope    *types.ExecutionEnvelope
	ExecutionID string
	WritePrefix string
	// ReceiptPath is the world path of the colocated receipt, when written.
	ReceiptPath string
	DurationMs  int64
}

// Orchestrator coordinates executions. Safe for concurrent use.
type Orchestrator struct {
	opts Options
}

// New validates options and builds an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("orchestrator requires a registry")
	}
	if opts.Presigner == nil || opts.Store == nil {
		return nil, fmt.Errorf("orchestrator requires a presigner and object store")
	}
	if opts.Bucket == "" {
		return nil, fmt.Errorf("orchestrator requires a bucket")
	}
	if opts.GlobalReceiptPrefix == "" {
		opts.GlobalReceiptPrefix = DefaultGlobalReceiptPrefix
	}
	if opts.HostPlatform == "" {
		opts.HostPlatform = hostPlatform()
	}
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Orchestrator{opts: opts}, nil
}

func hostPlatform() string {
	if runtime.GOARCH == "arm64" {
		return registry.PlatformARM64
	}
	return registry.PlatformAMD64
}

// Invoke runs one execution to its terminal envelope, draining every
// intermediate event. Domain failures come back as error envelopes inside
// the Result.
func (o *Orchestrator) Invoke(ctx context.Context, req *Request) (*Result, error) {
	start := o.opts.Now()

	executionID := req.ExecutionID
	if executionID == "" {
		executionID = o.opts.NewID()
	}
	res := &Result{ExecutionID: executionID}

	fail := func(code, message string) (*Result, error) {
		res.Envelope = types.ErrorEnvelope(executionID, code, message, "")
		res.DurationMs = o.opts.Now().Sub(start).Milliseconds()
		o.settle(ctx, req, res)
		o.finish(ctx, req, res, "", "")
		return res, nil
	}

	ref, err := types.ParseRef(req.Ref)
	if err != nil {
		return fail(types.ErrUnknownRef, err.Error())
	}
	mode := req.Mode
	if mode == "" {
		mode = types.ModeMock
	}
	if mode != types.ModeMock && mode != types.ModeReal {
		return fail(types.ErrInputs, fmt.Sprintf("unknown mode %q", req.Mode))
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	spec, err := o.opts.Registry.Load(ref)
	if err != nil {
		if isNotFound(err) {
			return fail(types.ErrUnknownRef, err.Error())
		}
		return fail(types.ErrRegistry, err.Error())
	}

	prefix, err := o.writePrefix(ref, executionID, req.WritePrefix)
	if err != nil {
		return fail(types.ErrPrefixTemplate, err.Error())
	}
	res.WritePrefix = prefix

	pick, failCode, failMsg := o.selectLane(req, spec)
	if failCode != "" {
		return fail(failCode, failMsg)
	}

	var secrets map[string]string
	if mode == types.ModeReal {
		missing := registry.MissingSecrets(spec, o.opts.LookupEnv)
		if len(missing) > 0 {
			return fail(types.ErrMissingSecret,
				fmt.Sprintf("required secrets not set: %v", missing))
		}
		secrets = make(map[string]string, len(spec.Secrets.Required))
		for _, name := range spec.Secrets.Required {
			v, _ := o.opts.LookupEnv(name)
			secrets[name] = v
		}
	}

	inputs, err := o.rewriteInputs(ctx, req.Inputs, timeout+presignSlack)
	if err != nil {
		return fail(types.ErrInputs, err.Error())
	}

	putURLs, putTypes, err := o.mintPutURLs(ctx, spec, prefix, timeout+presignSlack)
	if err != nil {
		return fail(types.ErrUpload, fmt.Sprintf("mint presigned urls: %v", err))
	}

	payload := &types.RunPayload{
		ExecutionID:     executionID,
		Mode:            mode,
		Inputs:          inputs,
		WritePrefix:     prefix,
		PutURLs:         putURLs,
		PutContentTypes: putTypes,
		Budget:          req.Budget,
	}
	if req.Plan != "" {
		payload.Settle = &types.SettleInfo{
			Plan:            req.Plan,
			EstimateHiMicro: req.EstimateHiMicro,
		}
	}

	env, err := pick.adapter.Invoke(ctx, &adapter.InvokeRequest{
		Ref:            ref,
		Payload:        payload,
		ExpectedDigest: pick.digest,
		Image:          pick.image,
		Secrets:        secrets,
		Timeout:        timeout,
		OnEvent:        req.OnEvent,
	})
	if err != nil {
		return nil, fmt.Errorf("adapter invoke: %w", err)
	}

	env = o.guardEnvelope(executionID, pick.digest, env)
	res.Envelope = env
	res.DurationMs = o.opts.Now().Sub(start).Milliseconds()

	receiptPath := o.writeReceipts(ctx, req, spec, res, secrets)
	res.ReceiptPath = receiptPath

	o.settle(ctx, req, res)
	o.finish(ctx, req, res, receiptPath, env.IndexPath)
	return res, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, registry.ErrNotFound)
}

// lanePick is the resolved adapter, image, and digest for one invocation.
type lanePick struct {
	adapter adapter.Adapter
	image   string
	digest  string
}

func (o *Orchestrator) selectLane(req *Request, spec *registry.ToolSpec) (lanePick, string, string) {
	lane := req.Lane
	if lane == "" {
		lane = LanePinned
	}
	name := req.Adapter
	if name == "" {
		name = AdapterLocal
	}

	var picked adapter.Adapter
	switch name {
	case AdapterLocal:
		picked = o.opts.Local
	case AdapterRemote:
		picked = o.opts.Remote
	default:
		return lanePick{}, types.ErrInputs, fmt.Sprintf("unknown adapter %q", name)
	}
	if picked == nil {
		return lanePick{}, types.ErrInputs, fmt.Sprintf("adapter %q not configured", name)
	}

	switch lane {
	case LaneBuild:
		if name == AdapterRemote {
			return lanePick{}, types.ErrInputs, "build lane is local-only"
		}
		image := req.BuildImage
		if image == "" {
			ref, _ := types.ParseRef(req.Ref)
			image = fmt.Sprintf("theory/%s-%s:latest", ref.Namespace, ref.Name)
		}
		// Unpinned by construction; the digest guard is skipped.
		return lanePick{adapter: picked, image: image}, "", ""
	case LanePinned:
		platform := req.Platform
		if platform == "" && name == AdapterRemote {
			platform = registry.PlatformAMD64
		}
		if platform == "" {
			platform = o.opts.HostPlatform
		}
		platform = spec.Platform(platform)
		digest := spec.DigestFor(platform)
		if digest == "" {
			return lanePick{}, types.ErrRegistry,
				fmt.Sprintf("no pinned digest for platform %s", platform)
		}
		return lanePick{adapter: picked, image: spec.ImageFor(platform), digest: digest}, "", ""
	default:
		return lanePick{}, types.ErrInputs, fmt.Sprintf("unknown lane %q", lane)
	}
}

// writePrefix resolves the effective canonical write prefix.
func (o *Orchestrator) writePrefix(ref types.ToolRef, executionID, override string) (string, error) {
	template := override
	if template == "" {
		template = fmt.Sprintf("/artifacts/%s/%s/%s/%s/",
			ref.Namespace, ref.Name, ref.Version, worldpath.PlaceholderExecutionID)
	}
	return worldpath.ExpandPrefix(template, executionID)
}

// mintPutURLs presigns one PUT per declared output plus the index.
func (o *Orchestrator) mintPutURLs(ctx context.Context, spec *registry.ToolSpec, prefix string, ttl time.Duration) (map[string]string, map[string]string, error) {
	urls := make(map[string]string, len(spec.Outputs)+1)
	ctypes := make(map[string]string, len(spec.Outputs)+1)
	for _, out := range spec.Outputs {
		key := types.OutputsDir + "/" + out.Path
		objectKey := worldpath.Key(worldpath.Join(prefix, key))
		u, err := o.opts.Presigner.PutURL(ctx, o.opts.Bucket, objectKey, ttl, out.MIME)
		if err != nil {
			return nil, nil, err
		}
		urls[key] = u
		if out.MIME != "" {
			ctypes[key] = out.MIME
		}
	}
	indexKey := worldpath.Key(worldpath.Join(prefix, types.IndexKey))
	u, err := o.opts.Presigner.PutURL(ctx, o.opts.Bucket, indexKey, ttl, "application/json")
	if err != nil {
		return nil, nil, err
	}
	urls[types.IndexKey] = u
	ctypes[types.IndexKey] = "application/json"
	return urls, ctypes, nil
}

// guardEnvelope enforces envelope shape and the pinned digest.
func (o *Orchestrator) guardEnvelope(executionID, expected string, env *types.ExecutionEnvelope) *types.ExecutionEnvelope {
	if env == nil {
		return types.ErrorEnvelope(executionID, types.ErrBadResponse, "adapter returned no envelope", "")
	}
	if err := env.Validate(); err != nil {
		// Build-lane synthetics carry no digest; a well-formed error
		// envelope keeps its code rather than collapsing to bad-response.
		if !errorShaped(env) {
			return types.ErrorEnvelope(executionID, types.ErrBadResponse, err.Error(), env.ImageDigest())
		}
	}
	if expected == "" {
		return env
	}
	actual := env.ImageDigest()
	if types.DigestsMatch(actual, expected) {
		return env
	}
	// Drift overrides whatever the worker reported, success included.
	drift := types.ErrorEnvelope(executionID, types.ErrRegistryMismatch,
		fmt.Sprintf("image digest %s does not match pinned %s", actual, expected), actual)
	drift.SetMeta(types.MetaExpectedDigest, expected)
	drift.SetMeta(types.MetaActualDigest, actual)
	return drift
}

// errorShaped reports whether the envelope is a complete error report:
// error status, execution id and an ERR_-coded error object. Such
// envelopes pass the guard even without a digest.
func errorShaped(env *types.ExecutionEnvelope) bool {
	return env.Status == types.StatusError &&
		env.ExecutionID != "" &&
		env.Error != nil &&
		strings.HasPrefix(env.Error.Code, "ERR_")
}

// settle drives ledger settlement when the invocation is plan-linked.
func (o *Orchestrator) settle(ctx context.Context, req *Request, res *Result) {
	if req.Plan == "" || o.opts.Ledger == nil {
		return
	}
	args := ledger.SettleArgs{
		Plan:            req.Plan,
		ExecutionID:     res.ExecutionID,
		EstimateHiMicro: req.EstimateHiMicro,
		ActualMicro:     req.EstimateHiMicro,
	}
	if v, ok := res.Envelope.Meta[types.MetaActualMicro]; ok {
		switch n := v.(type) {
		case float64:
			args.ActualMicro = int64(n)
		case int64:
			args.ActualMicro = n
		}
	}

	var err error
	if res.Envelope.Status == types.StatusSuccess {
		args.DeterminismURI = res.ReceiptPath
		_, err = o.opts.Ledger.SettleSuccess(ctx, args)
	} else {
		args.Reason = res.Envelope.Error.Code
		_, err = o.opts.Ledger.SettleFailure(ctx, args)
	}
	if err != nil {
		o.opts.Logger.Error("ledger settlement failed", map[string]any{
			"execution_id": res.ExecutionID,
			"plan":         req.Plan,
			"error":        err.Error(),
		})
	}
}

// finish publishes the completion event to every configured publisher.
func (o *Orchestrator) finish(ctx context.Context, req *Request, res *Result, receiptPath, indexPath string) {
	if len(o.opts.Publishers) == 0 {
		return
	}
	event := &notify.RunCompletedEvent{
		ContractVersion: notify.ContractVersion,
		EventType:       notify.EventTypeRunCompleted,
		ExecutionID:     res.ExecutionID,
		Ref:             req.Ref,
		Status:          res.Envelope.Status,
		ReceiptPath:     receiptPath,
		IndexPath:       indexPath,
		Timestamp:       o.opts.Now().UTC().Format(time.RFC3339),
		DurationMs:      res.DurationMs,
	}
	if res.Envelope.Error != nil {
		event.ErrorCode = res.Envelope.Error.Code
	}
	for _, p := range o.opts.Publishers {
		if err := p.Publish(ctx, event); err != nil {
			o.opts.Logger.Warn("completion event publish failed", map[string]any{
				"execution_id": res.ExecutionID,
				"error":        err.Error(),
			})
		}
	}
}
