package cmd

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	"github.com/pithecene-io/theory/adapter"
	"github.com/pithecene-io/theory/adapter/local"
	"github.com/pithecene-io/theory/adapter/remote"
	"github.com/pithecene-io/theory/cli/config"
	"github.com/pithecene-io/theory/iox"
	"github.com/pithecene-io/theory/ledger"
	"github.com/pithecene-io/theory/log"
	"github.com/pithecene-io/theory/notify"
	notifyredis "github.com/pithecene-io/theory/notify/redis"
	notifywebhook "github.com/pithecene-io/theory/notify/webhook"
	"github.com/pithecene-io/theory/orchestrator"
	"github.com/pithecene-io/theory/presign"
	"github.com/pithecene-io/theory/registry"
)

// defaultPortMapPath is used when the config carries none.
func defaultPortMapPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "theory-ports.json"
	}
	return filepath.Join(home, ".theory", "ports.json")
}

// buildLocal constructs the container lane adapter from config.
func buildLocal(cfg *config.Config, logger *log.Logger) *local.Local {
	portMap := cfg.Adapter.Local.PortMap
	if portMap == "" {
		portMap = defaultPortMapPath()
	}
	workDir := cfg.Adapter.Local.WorkDir
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	return local.New(local.Options{
		PortMapPath: portMap,
		WorkDir:     workDir,
		Logger:      logger,
	})
}

// buildRemote constructs the deployed lane adapter from config. Returns nil
// when the config names no remote apps.
func buildRemote(cfg *config.Config, logger *log.Logger) *remote.Remote {
	rc := cfg.Adapter.Remote
	if len(rc.Apps) == 0 {
		return nil
	}
	branch, username := rc.Branch, rc.User
	if username == "" {
		if u, err := user.Current(); err == nil {
			username = u.Username
		}
	}
	return remote.New(remote.Options{
		Resolver:    remote.StaticResolver(rc.Apps),
		Environment: rc.Environment,
		Branch:      branch,
		User:        username,
		Logger:      logger,
	})
}

// buildPublishers constructs configured completion-event publishers.
func buildPublishers(cfg *config.Config) ([]notify.Publisher, error) {
	var publishers []notify.Publisher
	if rc := cfg.Notify.Redis; rc != nil {
		c := notifyredis.Config{
			URL:     rc.URL,
			Channel: rc.Channel,
			Timeout: rc.Timeout.Duration,
		}
		if rc.Retries != nil {
			c.Retries = *rc.Retries
		}
		p, err := notifyredis.New(c)
		if err != nil {
			return nil, fmt.Errorf("redis notifier: %w", err)
		}
		publishers = append(publishers, p)
	}
	if wc := cfg.Notify.Webhook; wc != nil {
		c := notifywebhook.Config{
			URL:     wc.URL,
			Headers: wc.Headers,
			Timeout: wc.Timeout.Duration,
		}
		if wc.Retries != nil {
			c.Retries = *wc.Retries
		}
		p, err := notifywebhook.New(c)
		if err != nil {
			closeAll(publishers)
			return nil, fmt.Errorf("webhook notifier: %w", err)
		}
		publishers = append(publishers, p)
	}
	return publishers, nil
}

func closeAll(publishers []notify.Publisher) {
	for _, p := range publishers {
		iox.DiscardClose(p)
	}
}

// runtimeDeps bundles everything runAction builds and must tear down.
type runtimeDeps struct {
	orch       *orchestrator.Orchestrator
	store      presign.ObjectStore
	bucket     string
	ledger     *ledger.Postgres
	publishers []notify.Publisher
}

func (d *runtimeDeps) Close() {
	closeAll(d.publishers)
	if d.ledger != nil {
		iox.DiscardErr(d.ledger.Close)
	}
}

// buildOrchestrator wires the full invocation stack from config.
func buildOrchestrator(ctx context.Context, cfg *config.Config, logger *log.Logger) (*runtimeDeps, error) {
	if cfg.Registry.Root == "" {
		return nil, fmt.Errorf("registry.root is required (set it in theory.yaml)")
	}
	if cfg.Store.Bucket == "" {
		return nil, fmt.Errorf("store.bucket is required (set it in theory.yaml)")
	}

	s3, err := presign.NewS3(ctx, presign.S3Config{
		Bucket:       cfg.Store.Bucket,
		Region:       cfg.Store.Region,
		Endpoint:     cfg.Store.Endpoint,
		UsePathStyle: cfg.Store.S3PathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}

	deps := &runtimeDeps{store: s3, bucket: cfg.Store.Bucket}

	var led ledger.Ledger
	if cfg.Ledger.DSN != "" {
		pg, err := ledger.Open(ctx, cfg.Ledger.DSN)
		if err != nil {
			return nil, fmt.Errorf("ledger: %w", err)
		}
		deps.ledger = pg
		led = pg
	}

	publishers, err := buildPublishers(cfg)
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.publishers = publishers

	orch, err := orchestrator.New(orchestrator.Options{
		Registry:            registryFromConfig(cfg),
		Presigner:           s3,
		Store:               s3,
		Bucket:              cfg.Store.Bucket,
		Local:               buildLocal(cfg, logger),
		Remote:              remoteOrNil(cfg, logger),
		Ledger:              led,
		Publishers:          publishers,
		World:               cfg.World,
		GlobalReceiptPrefix: cfg.Receipts.GlobalPrefix,
		Logger:              logger,
	})
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.orch = orch
	return deps, nil
}

func registryFromConfig(cfg *config.Config) *registry.Registry {
	return registry.New(cfg.Registry.Root)
}

// remoteOrNil keeps the Adapter interface nil (not a typed nil) when no
// remote is configured, so lane selection can report it cleanly.
func remoteOrNil(cfg *config.Config, logger *log.Logger) adapter.Adapter {
	if r := buildRemote(cfg, logger); r != nil {
		return r
	}
	return nil
}
