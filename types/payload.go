package types

import "encoding/json"

// Run modes.
const (
	ModeMock = "mock"
	ModeReal = "real"
)

// IndexKey is the reserved key in the presigned PUT map for the output
// index. Its presence under the write prefix is the commit barrier.
const IndexKey = "outputs.json"

// OutputsDir is the sub-tree under the write prefix holding declared
// outputs. Write prefixes must not themselves end in "/outputs".
const OutputsDir = "outputs"

// RunPayload is the execution request handed from the orchestrator through
// an adapter to the supervisor and on to the worker.
type RunPayload struct {
	ExecutionID string `json:"execution_id"`
	Mode        string `json:"mode"`
	// Inputs are opaque to the execution plane beyond envelope structure.
	Inputs json.RawMessage `json:"inputs,omitempty"`
	// WritePrefix is a canonical world path ending in "/". It may carry the
	// {execution_id} placeholder which the worker substitutes exactly once.
	WritePrefix string `json:"write_prefix"`
	// PutURLs maps output keys relative to the write prefix (declared outputs
	// as "outputs/<path>" plus the reserved "outputs.json") to presigned PUT
	// URLs. No other keys are honored.
	PutURLs map[string]string `json:"put_urls"`
	// PutContentTypes carries the content-type each PUT URL was bound to,
	// keyed like PutURLs. Optional; uploads without an entry send no hint.
	PutContentTypes map[string]string `json:"put_content_types,omitempty"`
	// Settle links the execution to a plan for budget settlement.
	Settle *SettleInfo `json:"settle,omitempty"`
	// Budget is the initial token/wall-time cap, if any.
	Budget *Budget `json:"budget,omitempty"`
}

// SettleInfo anchors an execution to an accounting plan.
type SettleInfo struct {
	Plan string `json:"plan"`
	// EstimateHiMicro is the reservation high-watermark in micro-units.
	EstimateHiMicro int64 `json:"estimate_hi_micro"`
}
