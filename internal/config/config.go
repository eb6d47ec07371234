// Package config provides YAML-based configuration loading for the
// dispatcher daemon.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the dispatcher daemon's own configuration, loaded from a
// YAML file (distinct from the builder's per-host TOML config, see
// internal/builderconfig).
type Config struct {
	HTTPPort   int          `yaml:"http_port"`
	LocalSocket string      `yaml:"local_socket"`
	Store      StoreConfig  `yaml:"store"`
	Notify     NotifyConfig `yaml:"notify"`

	// JobTimeoutGrace is the bounded grace period the dispatcher waits
	// after a Cancel broadcast before force-finalizing a timed-out job.
	JobTimeoutGrace time.Duration `yaml:"job_timeout_grace"`
	// PingInterval is the websocket application-level liveness interval.
	PingInterval time.Duration `yaml:"ping_interval"`
	// BroadcastAll toggles whether a dispatched job goes to every
	// connected idle builder (the default per SPEC_FULL.md §9's Open
	// Questions) or only the first one claimed. A pointer so "unset"
	// and "explicitly false" are distinguishable during defaulting.
	BroadcastAll *bool `yaml:"broadcast_all"`
}

// Broadcast reports the effective BroadcastAll policy after defaulting.
func (c *Config) Broadcast() bool {
	return c.BroadcastAll == nil || *c.BroadcastAll
}

// StoreConfig holds connection settings for the relational store.
type StoreConfig struct {
	Driver   string `yaml:"driver"` // "mysql" or "sqlite"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Path     string `yaml:"path"` // sqlite file path, when driver=sqlite
}

// NotifyConfig holds optional chat-webhook settings for terminal-outcome
// notifications (SPEC_FULL.md §4.7).
type NotifyConfig struct {
	SlackWebhookURL   string `yaml:"slack_webhook_url"`
	DiscordWebhookURL string `yaml:"discord_webhook_url"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HTTPPort == 0 {
		c.HTTPPort = 8080
	}
	if c.LocalSocket == "" {
		c.LocalSocket = "/tmp/ejd.sock"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Driver == "mysql" {
		if c.Store.Host == "" {
			c.Store.Host = "127.0.0.1"
		}
		if c.Store.Port == 0 {
			c.Store.Port = 3306
		}
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		c.Store.Path = "ejd.sqlite3"
	}
	if c.JobTimeoutGrace == 0 {
		c.JobTimeoutGrace = 5 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 20 * time.Second
	}
	// BroadcastAll is left nil when unset; Broadcast() treats nil as
	// true, the spec's documented default (SPEC_FULL.md §9).
}

func (c *Config) validate() error {
	var errs []string
	if c.Store.Driver != "mysql" && c.Store.Driver != "sqlite" {
		errs = append(errs, fmt.Sprintf("store.driver %q must be mysql or sqlite", c.Store.Driver))
	}
	if c.Store.Driver == "mysql" && c.Store.Database == "" {
		errs = append(errs, "store.database is required when store.driver is mysql")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
