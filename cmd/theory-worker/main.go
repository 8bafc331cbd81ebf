// Package main provides the demo theory-worker binary. It runs the
// llm/litellm mock entry under the worker harness: payload on stdin,
// IPC frames on stdout, exactly one terminal envelope.
package main

import (
	"os"

	"github.com/pithecene-io/theory/worker"
)

func main() {
	os.Exit(worker.Run(worker.MockLLM, worker.Options{}))
}
