package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/pithecene-io/theory/registry"
	"github.com/pithecene-io/theory/types"
	"github.com/pithecene-io/theory/worldpath"
)

// ReceiptFileName is the receipt object colocated with a run's outputs.
const ReceiptFileName = "receipt.json"

// writeReceipts writes the colocated receipt and its global copy. The
// colocated path is returned; a failed global write is logged and swallowed.
func (o *Orchestrator) writeReceipts(ctx context.Context, req *Request, spec *registry.ToolSpec, res *Result, secrets map[string]string) string {
	receipt := o.buildReceipt(req, spec, res, secrets)
	body, err := json.Marshal(receipt)
	if err != nil {
		o.opts.Logger.Error("receipt marshal failed", map[string]any{
			"execution_id": res.ExecutionID,
			"error":        err.Error(),
		})
		return ""
	}

	localPath := worldpath.Join(res.WritePrefix, ReceiptFileName)
	if err := o.opts.Store.Put(ctx, o.opts.Bucket, worldpath.Key(localPath), "application/json", body); err != nil {
		o.opts.Logger.Error("receipt write failed", map[string]any{
			"execution_id": res.ExecutionID,
			"path":         localPath,
			"error":        err.Error(),
		})
		return ""
	}

	globalPath := worldpath.Join(o.opts.GlobalReceiptPrefix, res.ExecutionID+".json")
	if err := o.opts.Store.Put(ctx, o.opts.Bucket, worldpath.Key(globalPath), "application/json", body); err != nil {
		// The global index is advisory; the colocated receipt is canonical.
		o.opts.Logger.Warn("global receipt write failed", map[string]any{
			"execution_id": res.ExecutionID,
			"path":         globalPath,
			"error":        err.Error(),
		})
	}
	return localPath
}

func (o *Orchestrator) buildReceipt(req *Request, spec *registry.ToolSpec, res *Result, secrets map[string]string) *types.Receipt {
	env := res.Envelope
	receipt := &types.Receipt{
		Processor:         req.Ref,
		Status:            env.Status,
		ExecutionID:       res.ExecutionID,
		InputsFingerprint: fingerprintInputs(req.Inputs),
		EnvFingerprint:    fingerprintEnv(secrets),
		ImageDigest:       env.ImageDigest(),
		DurationMs:        res.DurationMs,
		TimestampUTC:      o.opts.Now().UTC().Format(time.RFC3339),
	}
	if m, ok := env.Meta["model"].(string); ok {
		receipt.Model = m
	}
	extra := map[string]any{
		"adapter": req.Adapter,
		"lane":    req.Lane,
		"mode":    req.Mode,
	}
	if env.Error != nil {
		extra["error_code"] = env.Error.Code
	}
	if spec.Runtime.TimeoutS > 0 {
		extra["runtime_timeout_s"] = spec.Runtime.TimeoutS
	}
	receipt.Extra = extra
	return receipt
}

// fingerprintInputs hashes the raw inputs document. Empty inputs hash to a
// stable sentinel so replays compare cleanly.
func fingerprintInputs(inputs json.RawMessage) string {
	sum := sha256.Sum256(inputs)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// fingerprintEnv hashes the injected secret names and value digests, never
// the values themselves.
func fingerprintEnv(secrets map[string]string) string {
	names := make([]string, 0, len(secrets))
	for name := range secrets {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		v := sha256.Sum256([]byte(secrets[name]))
		fmt.Fprintf(h, "%s=%s\n", name, hex.EncodeToString(v[:]))
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
