package types

// Error codes of the execution plane. Codes always carry the ERR_ prefix
// and travel inside error envelopes; no exceptions cross the orchestrator API.
const (
	ErrUnknownRef         = "ERR_UNKNOWN_REF"
	ErrRegistry           = "ERR_REGISTRY"
	ErrPrefixTemplate     = "ERR_PREFIX_TEMPLATE"
	ErrMissingSecret      = "ERR_MISSING_SECRET"
	ErrImageDigestMissing = "ERR_IMAGE_DIGEST_MISSING"
	ErrRegistryMismatch   = "ERR_REGISTRY_MISMATCH"
	ErrHealth             = "ERR_HEALTH"
	ErrNetwork            = "ERR_NETWORK"
	ErrBadResponse        = "ERR_BAD_RESPONSE"
	ErrUploadPlan         = "ERR_UPLOAD_PLAN"
	ErrUpload             = "ERR_UPLOAD"
	ErrProvider           = "ERR_PROVIDER"
	ErrPreempted          = "ERR_PREEMPTED"
	ErrRuntime            = "ERR_RUNTIME"
	ErrInputs             = "ERR_INPUTS"
)

// ErrorEnvelope builds a terminal error envelope for the given execution.
// The digest is whatever the caller knows at fault time; "" is recorded as-is
// so validation failures upstream stay visible.
func ErrorEnvelope(executionID, code, message, imageDigest string) *ExecutionEnvelope {
	return &ExecutionEnvelope{
		Status:      StatusError,
		ExecutionID: executionID,
		Error:       &EnvelopeError{Code: code, Message: message},
		Meta:        map[string]any{MetaImageDigest: imageDigest},
	}
}
