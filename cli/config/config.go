package config

import (
	"fmt"
	"time"
)

// Config represents a theory.yaml configuration file.
// All values are optional and act as defaults for theory run flags.
// CLI flags always override config values.
type Config struct {
	World    string         `yaml:"world"`
	Registry RegistryConfig `yaml:"registry"`
	Store    StoreConfig    `yaml:"store"`
	Receipts ReceiptsConfig `yaml:"receipts"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Notify   NotifyConfig   `yaml:"notify"`
	Adapter  AdapterConfig  `yaml:"adapter"`
	Run      RunConfig      `yaml:"run"`
}

// RegistryConfig locates the on-disk tool catalog.
type RegistryConfig struct {
	Root string `yaml:"root"`
}

// StoreConfig holds object store defaults from the config file.
type StoreConfig struct {
	Bucket      string `yaml:"bucket"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// ReceiptsConfig controls receipt placement.
type ReceiptsConfig struct {
	// GlobalPrefix roots the execution-indexed receipt copies.
	GlobalPrefix string `yaml:"global_prefix"`
}

// LedgerConfig holds the budget ledger connection.
type LedgerConfig struct {
	DSN string `yaml:"dsn"`
}

// NotifyConfig holds run-completed publisher defaults.
type NotifyConfig struct {
	Redis   *RedisNotifyConfig   `yaml:"redis,omitempty"`
	Webhook *WebhookNotifyConfig `yaml:"webhook,omitempty"`
}

// RedisNotifyConfig configures the redis pub/sub publisher.
type RedisNotifyConfig struct {
	URL     string   `yaml:"url"`
	Channel string   `yaml:"channel,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty"`
	Retries *int     `yaml:"retries,omitempty"`
}

// WebhookNotifyConfig configures the webhook publisher.
type WebhookNotifyConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// AdapterConfig holds lane adapter defaults from the config file.
type AdapterConfig struct {
	// Default selects the lane owner when --adapter is absent: local, remote.
	Default string              `yaml:"default"`
	Local   LocalAdapterConfig  `yaml:"local"`
	Remote  RemoteAdapterConfig `yaml:"remote"`
}

// LocalAdapterConfig configures the container lane.
type LocalAdapterConfig struct {
	// PortMap is the persistent ref → port JSON file.
	PortMap string `yaml:"port_map"`
	// WorkDir is bind-mounted at /world inside tool containers.
	WorkDir string `yaml:"work_dir"`
}

// RemoteAdapterConfig configures the deployed lane.
type RemoteAdapterConfig struct {
	Environment string `yaml:"environment"`
	Branch      string `yaml:"branch"`
	User        string `yaml:"user"`
	// Apps statically maps derived app names to public URLs. Deployments
	// with a platform resolver leave this empty.
	Apps map[string]string `yaml:"apps,omitempty"`
}

// RunConfig holds invocation defaults.
type RunConfig struct {
	Mode    string   `yaml:"mode"`
	Timeout Duration `yaml:"timeout"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}
