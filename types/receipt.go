package types

// Receipt records one completed execution, success or error. One copy sits
// next to the run's outputs; a second identical copy goes to a global
// execution-indexed path. Failure to write the global copy never fails a run.
type Receipt struct {
	Processor         string         `json:"processor"`
	Model             string         `json:"model,omitempty"`
	Status            string         `json:"status"`
	ExecutionID       string         `json:"execution_id"`
	InputsFingerprint string         `json:"inputs_fingerprint"`
	EnvFingerprint    string         `json:"env_fingerprint"`
	ImageDigest       string         `json:"image_digest"`
	DurationMs        int64          `json:"duration_ms"`
	TimestampUTC      string         `json:"timestamp_utc"`
	Extra             map[string]any `json:"extra,omitempty"`
}
