package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pithecene-io/theory/worldpath"
)

// worldScheme marks an input string as a reference into world storage:
// world://<world>/artifacts/... The orchestrator rewrites these to presigned
// GET URLs before handing the payload off.
const worldScheme = "world://"

// rewriteInputs replaces world:// string values anywhere inside the inputs
// document with presigned GET URLs. References into a different world are
// rejected outright.
func (o *Orchestrator) rewriteInputs(ctx context.Context, inputs json.RawMessage, ttl time.Duration) (json.RawMessage, error) {
	if len(inputs) == 0 {
		return inputs, nil
	}
	var doc any
	if err := json.Unmarshal(inputs, &doc); err != nil {
		return nil, fmt.Errorf("inputs are not valid JSON: %w", err)
	}
	rewritten, changed, err := o.rewriteValue(ctx, doc, ttl)
	if err != nil {
		return nil, err
	}
	if !changed {
		return inputs, nil
	}
	out, err := json.Marshal(rewritten)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (o *Orchestrator) rewriteValue(ctx context.Context, v any, ttl time.Duration) (any, bool, error) {
	switch val := v.(type) {
	case string:
		if !strings.HasPrefix(val, worldScheme) {
			return v, false, nil
		}
		u, err := o.presignWorldRef(ctx, val, ttl)
		if err != nil {
			return nil, false, err
		}
		return u, true, nil
	case map[string]any:
		changed := false
		for k, elem := range val {
			next, c, err := o.rewriteValue(ctx, elem, ttl)
			if err != nil {
				return nil, false, err
			}
			if c {
				val[k] = next
				changed = true
			}
		}
		return val, changed, nil
	case []any:
		changed := false
		for i, elem := range val {
			next, c, err := o.rewriteValue(ctx, elem, ttl)
			if err != nil {
				return nil, false, err
			}
			if c {
				val[i] = next
				changed = true
			}
		}
		return val, changed, nil
	default:
		return v, false, nil
	}
}

// presignWorldRef validates one world:// reference and mints its GET URL.
func (o *Orchestrator) presignWorldRef(ctx context.Context, ref string, ttl time.Duration) (string, error) {
	rest := strings.TrimPrefix(ref, worldScheme)
	slash := strings.Index(rest, "/")
	if slash <= 0 {
		return "", fmt.Errorf("malformed world reference %q", ref)
	}
	world, path := rest[:slash], rest[slash:]
	if world != o.opts.World {
		return "", fmt.Errorf("input references world %q outside this world", world)
	}
	canonical, err := worldpath.Canonicalize(path)
	if err != nil {
		return "", fmt.Errorf("world reference %q: %w", ref, err)
	}
	return o.opts.Presigner.GetURL(ctx, o.opts.Bucket, worldpath.Key(canonical), ttl)
}
