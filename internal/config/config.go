// Package config loads the daemon configuration from a YAML file and
// validates it before anything touches the database.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/gantryio/gantry/internal/actor"
	"github.com/gantryio/gantry/internal/logging"
	"github.com/gantryio/gantry/internal/scaler"
)

// Duration parses human-readable values like "30s" or "2m" from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// KVConfig picks the transactional substrate backend.
type KVConfig struct {
	// Backend is memory, sqlite or postgres.
	Backend string `yaml:"backend" validate:"required,oneof=memory sqlite postgres"`
	// Path is the sqlite database file. Required for the sqlite backend.
	Path string `yaml:"path"`
	// URL is the postgres connection string. Required for the postgres
	// backend.
	URL string `yaml:"url"`
}

type WorkerConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	LeaseTTL     Duration `yaml:"lease_ttl"`
	PullBatch    int      `yaml:"pull_batch" validate:"min=0"`
}

type GatewayConfig struct {
	// ListenAddr serves the runner websocket endpoint. Empty disables the
	// gateway.
	ListenAddr string `yaml:"listen_addr"`
}

type MetricsConfig struct {
	// ListenAddr serves /metrics. Empty disables the endpoint.
	ListenAddr string `yaml:"listen_addr"`
}

type RunnerConfig struct {
	// LostThreshold is how long a runner may stay silent before its actors
	// are marked lost.
	LostThreshold Duration `yaml:"lost_threshold"`
}

type ScalerConfig struct {
	// Interval between reconcile passes. Zero disables the scaler loop.
	Interval Duration            `yaml:"interval"`
	Pools    []scaler.PoolConfig `yaml:"pools" validate:"dive"`
}

// Config is the root of the daemon's YAML file.
type Config struct {
	Datacenter string            `yaml:"datacenter" validate:"required,max=64"`
	Log        logging.Config    `yaml:"log"`
	KV         KVConfig          `yaml:"kv"`
	Worker     WorkerConfig      `yaml:"worker"`
	Gateway    GatewayConfig     `yaml:"gateway"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Ports      actor.PortsConfig `yaml:"ports"`
	Runner     RunnerConfig      `yaml:"runner"`
	Scaler     ScalerConfig      `yaml:"scaler"`
}

// Default returns the configuration used when no file is given: in-memory
// substrate, default port ranges, everything else on package defaults.
func Default() Config {
	return Config{
		Datacenter: "local",
		KV:         KVConfig{Backend: "memory"},
		Ports:      actor.DefaultPortsConfig(),
	}
}

// Load reads and validates the YAML file at path. An empty path returns
// Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints plus the cross-field backend rules.
func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.KV.Backend {
	case "sqlite":
		if c.KV.Path == "" {
			return fmt.Errorf("config: kv.path is required for the sqlite backend")
		}
	case "postgres":
		if c.KV.URL == "" {
			return fmt.Errorf("config: kv.url is required for the postgres backend")
		}
	}
	if c.Ports.GG.Max < c.Ports.GG.Min || c.Ports.Host.Max < c.Ports.Host.Min {
		return fmt.Errorf("config: port range max below min")
	}
	return nil
}
