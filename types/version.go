package types

// Version is the canonical project version.
// The CLI, the run wire contract, and the worker IPC contract share this
// version under the lockstep versioning policy.
const Version = "0.2.0"
