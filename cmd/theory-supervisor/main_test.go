package main

import (
	"strings"
	"testing"

	"github.com/pithecene-io/theory/worker"
)

func TestServe_RequiresDigest(t *testing.T) {
	t.Setenv(worker.EnvImageDigest, "")

	err := newApp().Run([]string{"theory-supervisor", "--digest", ""})
	if err == nil {
		t.Fatal("expected error without an image digest")
	}
	if !strings.Contains(err.Error(), worker.EnvImageDigest) {
		t.Errorf("error %q should name the env variable", err)
	}
}
