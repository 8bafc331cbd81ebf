// Package main provides the theory-supervisor entrypoint, PID-1 adjacent
// inside every tool container. It terminates the /run WebSocket endpoint
// and spawns the worker binary per run.
//
// Usage:
//
//	theory-supervisor [--listen :8000] [--worker theory-worker] [--digest sha256:...]
//
// The image digest comes from --digest or the IMAGE_DIGEST environment
// variable; without one the process refuses to start, since workers would
// only fail later with ERR_IMAGE_DIGEST_MISSING.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/theory/log"
	"github.com/pithecene-io/theory/metrics"
	"github.com/pithecene-io/theory/supervisor"
	"github.com/pithecene-io/theory/types"
	"github.com/pithecene-io/theory/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "theory-supervisor",
		Usage:   "In-container run supervisor",
		Version: types.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Listen address",
				Value: ":8000",
			},
			&cli.StringFlag{
				Name:  "worker",
				Usage: "Worker binary path",
				Value: "theory-worker",
			},
			&cli.StringFlag{
				Name:    "digest",
				Usage:   "Image digest (defaults to $IMAGE_DIGEST)",
				EnvVars: []string{worker.EnvImageDigest},
			},
			&cli.IntFlag{
				Name:  "queue-capacity",
				Usage: "Per-run fanout buffer depth (0 = default)",
			},
			&cli.DurationFlag{
				Name:  "grace",
				Usage: "Preemption escalation interval",
				Value: supervisor.DefaultGrace,
			},
		},
		Action: serve,
	}
}

func serve(c *cli.Context) error {
	digest := c.String("digest")
	if digest == "" {
		return fmt.Errorf("no image digest: set --digest or %s", worker.EnvImageDigest)
	}

	logger := log.NewLogger(log.Context{})
	collector := metrics.NewCollector(digest, "")

	sup := supervisor.New(supervisor.Options{
		Digest: digest,
		Spawner: &supervisor.ProcSpawner{
			Path: c.String("worker"),
			// Pin the digest for workers even when it arrived via --digest.
			Env: []string{worker.EnvImageDigest + "=" + digest},
		},
		QueueCapacity: c.Int("queue-capacity"),
		Grace:         c.Duration("grace"),
		Logger:        logger,
		Metrics:       collector,
	})

	srv := &http.Server{
		Addr:    c.String("listen"),
		Handler: sup.Handler(),
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("supervisor listening", map[string]any{
			"addr":   srv.Addr,
			"digest": digest,
		})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	// Preempt live runs and drain subscribers before closing the listener.
	logger.Info("shutting down", nil)
	sdCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	sup.Shutdown(sdCtx)
	if err := srv.Shutdown(sdCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
