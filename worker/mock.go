package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pithecene-io/theory/types"
)

// llmInputs is the envelope the llm/litellm tool accepts.
type llmInputs struct {
	Schema string    `json:"schema"`
	Params llmParams `json:"params"`
}

type llmParams struct {
	Messages []llmMessage `json:"messages"`
}

type llmMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MockLLM is the demo llm/litellm entry. It echoes the last user message
// as a deterministic completion and never calls out, so replays with
// identical inputs produce byte-equal outputs.
func MockLLM(ctx context.Context, rc *RunContext) error {
	var in llmInputs
	if len(rc.Payload.Inputs) > 0 {
		if err := json.Unmarshal(rc.Payload.Inputs, &in); err != nil {
			return Faultf(types.ErrInputs, "inputs decode failed: %v", err)
		}
	}

	prompt := lastUserContent(in.Params.Messages)
	if prompt == "" {
		return Faultf(types.ErrInputs, "no user message in params.messages")
	}

	rc.Emit.Event("running")

	response := fmt.Sprintf("Mock response: %s", prompt)
	for _, tok := range strings.SplitAfter(response, " ") {
		if rc.Cancelled() {
			return Faultf(types.ErrPreempted, "cancelled mid-generation")
		}
		rc.Emit.Token(tok)
	}

	if err := rc.Uploads.PutOutput(ctx, "text/response.txt", "text/plain", []byte(response)); err != nil {
		return err
	}
	rc.Emit.Log("info", "response written", map[string]any{"bytes": len(response)})
	return nil
}

func lastUserContent(msgs []llmMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}
