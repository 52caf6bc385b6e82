package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hanogt/secbot/pkg/enforcement"
	"github.com/hanogt/secbot/pkg/guard"
	"github.com/hanogt/secbot/pkg/logging"
	"github.com/hanogt/secbot/pkg/model"
	"github.com/hanogt/secbot/pkg/runner"
)

// ErrInvalidPolicy is returned by Validate for an unknown lookup failure policy.
var ErrInvalidPolicy = errors.New("server: invalid lookup failure policy")

// Config holds server configuration.
type Config struct {
	ListenAddr    string        `yaml:"listen"`         // HTTP API bind address (e.g. ":8080")
	MetricsAddr   string        `yaml:"metrics"`        // HTTP bind address for /metrics (empty = disabled)
	DBPath        string        `yaml:"db"`             // SQLite database path
	RunnerURL     string        `yaml:"runner_url"`     // code execution endpoint
	RunnerTimeout time.Duration `yaml:"runner_timeout"` // per execution request
	StoreTimeout  time.Duration `yaml:"store_timeout"`  // per ledger store call
	LookupFailure string        `yaml:"lookup_failure"` // "deny" or "allow" when ban status is unknown
	BanOnBlock    bool          `yaml:"ban_on_block"`   // ban the identity whenever code is blocked
	LogLevel      string        `yaml:"log_level"`
	LogFormat     string        `yaml:"log_format"` // "text" or "json"
	MetricsLog    time.Duration `yaml:"metrics_log_interval"`

	// OperatorTokenHash is the SHA-256 hex of the operator API token. When
	// empty the ledger endpoints are open.
	OperatorTokenHash string `yaml:"operator_token_sha256"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:    ":8080",
		MetricsAddr:   ":9602",
		DBPath:        "secbot.db",
		RunnerURL:     runner.DefaultEndpoint,
		RunnerTimeout: runner.DefaultTimeout,
		StoreTimeout:  enforcement.DefaultStoreTimeout,
		LookupFailure: string(guard.LookupDeny),
		BanOnBlock:    true,
		LogLevel:      "info",
		LogFormat:     "text",
		MetricsLog:    60 * time.Second,
	}
}

// LoadConfig reads a YAML config file over the defaults. An empty path
// returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI flag
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.decode(data); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Environment variables consulted by ApplyEnv.
const (
	EnvDB        = "SECBOT_DB"
	EnvListen    = "SECBOT_LISTEN"
	EnvRunnerURL = "SECBOT_RUNNER_URL"
	EnvLogLevel  = "SECBOT_LOG_LEVEL"
	EnvOperator  = "SECBOT_OPERATOR_TOKEN_SHA256"
)

// ApplyEnv overrides fields from the environment. lookup is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvDB); ok && v != "" {
		c.DBPath = v
	}
	if v, ok := lookup(EnvListen); ok && v != "" {
		c.ListenAddr = v
	}
	if v, ok := lookup(EnvRunnerURL); ok && v != "" {
		c.RunnerURL = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup(EnvOperator); ok && v != "" {
		c.OperatorTokenHash = v
	}
}

// Validate checks the config for values the server cannot start with.
func (c Config) Validate() error {
	if !guard.LookupFailurePolicy(c.LookupFailure).Valid() {
		return fmt.Errorf("%w: %q (valid: deny, allow)", ErrInvalidPolicy, c.LookupFailure)
	}
	if c.DBPath == "" {
		return errors.New("server: db path is required")
	}
	if c.RunnerTimeout <= 0 {
		return fmt.Errorf("server: runner timeout must be positive, got %s", c.RunnerTimeout)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("server: store timeout must be positive, got %s", c.StoreTimeout)
	}
	if err := logging.Validate(c.LogLevel); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := logging.ValidateFormat(c.LogFormat); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if h := c.OperatorTokenHash; h != "" {
		if b, err := hex.DecodeString(h); err != nil || len(b) != sha256.Size {
			return errors.New("server: operator_token_sha256 must be 64 hex characters")
		}
	}
	return nil
}

// Policy returns the decision policy this config selects.
func (c Config) Policy() guard.Policy {
	return guard.Policy{
		LookupFailure: guard.LookupFailurePolicy(c.LookupFailure),
		BanOnBlock:    c.BanOnBlock,
	}
}

// BansExport is the top-level YAML for ban export.
type BansExport struct {
	Bans []model.BanRecord `yaml:"bans"`
}

// EventsExport is the top-level YAML for event export.
type EventsExport struct {
	Events []model.SecurityEvent `yaml:"events"`
}

// ExportBansYAML exports all ban records as YAML.
func ExportBansYAML(ctx context.Context, ledger *enforcement.Ledger) ([]byte, error) {
	bans, err := ledger.Bans(ctx)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(&BansExport{Bans: bans})
}

// ExportEventsYAML exports security events matching filters as YAML.
func ExportEventsYAML(ctx context.Context, ledger *enforcement.Ledger, filters model.EventFilters) ([]byte, error) {
	events, err := ledger.Events(ctx, filters)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(&EventsExport{Events: events})
}
