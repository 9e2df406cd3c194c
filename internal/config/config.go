// Package config loads conductor configuration from an optional YAML file
// and CONDUCTOR_ environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fentz26/conductor/internal/dispatch"
	"github.com/fentz26/conductor/internal/failures"
)

const (
	envPrefix         = "CONDUCTOR_"
	maxConfigFileSize = 1024 * 1024
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the full conductor configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Store        StoreConfig        `koanf:"store"`
	Log          LogConfig          `koanf:"log"`
	Dispatch     dispatch.Config    `koanf:"dispatch"`
	Liveness     LivenessConfig     `koanf:"liveness"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Failures     FailuresConfig     `koanf:"failures"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Listen string `koanf:"listen"`
}

// StoreConfig configures persistence. An empty path keeps everything in
// memory.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// LivenessConfig configures the stuck run detector and agent watchdog.
type LivenessConfig struct {
	StuckThresholdSeconds      int      `koanf:"stuck_threshold_seconds" json:"stuck_threshold_seconds"`
	DefaultAgentTimeoutSeconds int      `koanf:"default_agent_timeout_seconds" json:"default_agent_timeout_seconds"`
	SweepIntervalMs            int      `koanf:"sweep_interval_ms" json:"sweep_interval_ms"`
	PatrolCommand              string   `koanf:"patrol_command" json:"-"`
	PatrolArgs                 []string `koanf:"patrol_args" json:"-"`
}

// OrchestratorConfig selects how admitted tasks are handed off. A webhook
// URL wins over a local command.
type OrchestratorConfig struct {
	WebhookURL          string   `koanf:"webhook_url"`
	RateLimit           float64  `koanf:"rate_limit"`
	Command             string   `koanf:"command"`
	Args                []string `koanf:"args"`
	Dir                 string   `koanf:"dir"`
	HeartbeatIntervalMs int      `koanf:"heartbeat_interval_ms"`
}

// FailuresConfig configures reason classification. Nil rules use the
// built-in table.
type FailuresConfig struct {
	Rules []failures.Rule `koanf:"rules"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server:   ServerConfig{Listen: "127.0.0.1:7466"},
		Store:    StoreConfig{Path: "conductor.db"},
		Log:      LogConfig{Level: "info", Format: "json"},
		Dispatch: dispatch.DefaultConfig(),
		Liveness: LivenessConfig{
			StuckThresholdSeconds:      120,
			DefaultAgentTimeoutSeconds: 300,
			SweepIntervalMs:            5000,
		},
		Orchestrator: OrchestratorConfig{HeartbeatIntervalMs: 10000},
	}
}

// Load reads the YAML file at path, when path is set, then applies
// environment overrides on top of the defaults.
//
//	CONDUCTOR_DISPATCH_MAX_CONCURRENT -> dispatch.max_concurrent
//	CONDUCTOR_LIVENESS_SWEEP_INTERVAL_MS -> liveness.sweep_interval_ms
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps CONDUCTOR_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("%w: config file exceeds %d bytes", ErrInvalid, maxConfigFileSize)
	}
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("%w: server.listen is required", ErrInvalid)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("%w: log.format must be json or console, got %q", ErrInvalid, c.Log.Format)
	}
	if err := c.Dispatch.Validate(); err != nil {
		return err
	}
	if err := c.Liveness.Validate(); err != nil {
		return err
	}
	for _, r := range c.Failures.Rules {
		if r.Code == "" || !r.Kind.Valid() {
			return fmt.Errorf("%w: failure rule %q -> %q", ErrInvalid, r.Code, r.Kind)
		}
	}
	if c.Orchestrator.RateLimit < 0 {
		return fmt.Errorf("%w: orchestrator.rate_limit must not be negative", ErrInvalid)
	}
	return nil
}

// Validate checks that every liveness setting is positive.
func (l LivenessConfig) Validate() error {
	switch {
	case l.StuckThresholdSeconds <= 0:
		return fmt.Errorf("%w: liveness.stuck_threshold_seconds must be positive", ErrInvalid)
	case l.DefaultAgentTimeoutSeconds <= 0:
		return fmt.Errorf("%w: liveness.default_agent_timeout_seconds must be positive", ErrInvalid)
	case l.SweepIntervalMs <= 0:
		return fmt.Errorf("%w: liveness.sweep_interval_ms must be positive", ErrInvalid)
	}
	return nil
}

func (l LivenessConfig) StuckThreshold() time.Duration {
	return time.Duration(l.StuckThresholdSeconds) * time.Second
}

func (l LivenessConfig) DefaultAgentTimeout() time.Duration {
	return time.Duration(l.DefaultAgentTimeoutSeconds) * time.Second
}

func (l LivenessConfig) SweepInterval() time.Duration {
	return time.Duration(l.SweepIntervalMs) * time.Millisecond
}
