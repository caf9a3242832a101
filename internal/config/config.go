// Package config loads process configuration: code defaults, then an optional
// YAML file, then MSGSCHED_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/kelseyhightower/envconfig"
	yaml "go.yaml.in/yaml/v3"

	"msgsched/internal/scheduler"
)

const (
	EnvPrefix = "MSGSCHED"
	// EnvFile names the YAML file when no path is given explicitly.
	EnvFile = "MSGSCHED_CONFIG"
)

// ResultMargin is how much longer than one send attempt a dispatch stays
// claimed, covering tick slack and the round trip over the transport.
const ResultMargin = 2 * time.Second

const (
	ModeAll    = "all"
	ModePoller = "poller"
	ModeSender = "sender"

	TransportMemory = "memory"
	TransportRedis  = "redis"
)

type Config struct {
	Mode     string `yaml:"mode"`
	Addr     string `yaml:"addr"`
	DBPath   string `yaml:"db_path" split_words:"true"`
	Timezone string `yaml:"timezone"`
	Debug    bool   `yaml:"debug"`

	Log struct {
		Level string `yaml:"level"`
		// Format is "console" or "json".
		Format string `yaml:"format"`
	} `yaml:"log"`

	Dispatch struct {
		Workers       int           `yaml:"workers"`
		TickInterval  time.Duration `yaml:"tick_interval" split_words:"true"`
		ResultTimeout time.Duration `yaml:"result_timeout" split_words:"true"`
		StagingDir    string        `yaml:"staging_dir" split_words:"true"`
		StagingMaxAge time.Duration `yaml:"staging_max_age" split_words:"true"`
		PruneSchedule string        `yaml:"prune_schedule" split_words:"true"`
	} `yaml:"dispatch"`

	Transport struct {
		Kind  string `yaml:"kind"`
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
			Outbox   int    `yaml:"outbox"`
		} `yaml:"redis"`
	} `yaml:"transport"`

	Sender struct {
		Adapter        string            `yaml:"adapter"`
		Concurrency    int               `yaml:"concurrency"`
		RatePerSec     float64           `yaml:"rate_per_sec" split_words:"true"`
		Burst          int               `yaml:"burst"`
		Timeout        time.Duration     `yaml:"timeout"`
		WebhookURL     string            `yaml:"webhook_url" split_words:"true"`
		WebhookTimeout time.Duration     `yaml:"webhook_timeout" split_words:"true"`
		WebhookHeaders map[string]string `yaml:"webhook_headers" split_words:"true"`
		CommandPath    string            `yaml:"command_path" split_words:"true"`
		CommandArgs    []string          `yaml:"command_args" split_words:"true"`
	} `yaml:"sender"`
}

// Default returns the built-in configuration.
func Default() Config {
	var c Config
	c.Mode = ModeAll
	c.Addr = ":8080"
	c.DBPath = "msgsched.db"
	c.Log.Level = "info"
	c.Log.Format = "console"

	c.Dispatch.Workers = 4
	c.Dispatch.TickInterval = 30 * time.Second
	c.Dispatch.StagingMaxAge = 24 * time.Hour
	c.Dispatch.PruneSchedule = "@hourly"

	c.Transport.Kind = TransportMemory
	c.Transport.Redis.Addr = "127.0.0.1:6379"
	c.Transport.Redis.Prefix = "msgsched"
	c.Transport.Redis.Outbox = 1024

	c.Sender.Adapter = "dryrun"
	c.Sender.Concurrency = 2
	c.Sender.Burst = 1
	c.Sender.Timeout = time.Minute
	c.Sender.WebhookTimeout = 30 * time.Second
	return c
}

// Load layers the YAML file at path (or $MSGSCHED_CONFIG) and the environment
// over Default, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvFile)
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	// Fields without a variable keep the file or default value.
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks values that would otherwise fail later at startup. A zero
// result timeout becomes the larger of the tick interval and the send timeout
// plus ResultMargin.
func (c *Config) Validate() error {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))

	switch c.Mode {
	case ModeAll, ModePoller, ModeSender:
	default:
		return fmt.Errorf("mode: unknown %q (want all, poller or sender)", c.Mode)
	}
	switch c.Transport.Kind {
	case TransportMemory, TransportRedis:
	default:
		return fmt.Errorf("transport.kind: unknown %q (want memory or redis)", c.Transport.Kind)
	}
	if c.Mode != ModeAll && c.Transport.Kind == TransportMemory {
		return fmt.Errorf("mode %s runs one side of the protocol and needs the redis transport", c.Mode)
	}
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("dispatch.workers: must be > 0")
	}
	if c.Dispatch.TickInterval < time.Second {
		return fmt.Errorf("dispatch.tick_interval: must be at least 1s")
	}
	if c.Sender.Timeout <= 0 {
		return fmt.Errorf("sender.timeout: must be > 0")
	}
	minResult := c.Sender.Timeout + ResultMargin
	switch {
	case c.Dispatch.ResultTimeout < 0:
		return fmt.Errorf("dispatch.result_timeout: must be >= 0")
	case c.Dispatch.ResultTimeout == 0:
		c.Dispatch.ResultTimeout = max(c.Dispatch.TickInterval, minResult)
	case c.Dispatch.ResultTimeout < minResult:
		return fmt.Errorf("dispatch.result_timeout: %s would expire claims while a send is still running (want at least sender.timeout + %s = %s)",
			c.Dispatch.ResultTimeout, ResultMargin, minResult)
	}
	if c.Dispatch.PruneSchedule != "" {
		if err := scheduler.ValidateCronExpression(c.Dispatch.PruneSchedule); err != nil {
			return fmt.Errorf("dispatch.prune_schedule: %w", err)
		}
	}
	if c.Sender.RatePerSec < 0 {
		return fmt.Errorf("sender.rate_per_sec: must be >= 0")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	return nil
}

// Location resolves Timezone; empty means the host's local zone.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}
