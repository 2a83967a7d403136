// Package config provides configuration structures and loading logic for the rule service.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/polisai/polis-rules/pkg/domain"
)

// Environment variable names. Lookups try the name as written first and then its
// upper-case spelling.
const (
	EnvServerAddr      = "server_addr"
	EnvRulesFolder     = "rules_folder"
	EnvLogLevel        = "log_level"
	EnvLogPretty       = "log_pretty"
	EnvKeepInMemory    = "keep_in_memory"
	EnvWatchRules      = "watch_rules"
	EnvEvalTimeout     = "eval_timeout"
	EnvMaxBodyBytes    = "max_body_bytes"
	EnvOTLPEndpoint    = "otlp_endpoint"
	EnvOTLPInsecure    = "otlp_insecure"
	EnvOTLPSampleRatio = "otlp_sample_ratio"
	EnvOTLPHeaders     = "otlp_headers"
)

const (
	defaultEvalTimeout  = 30 * time.Second
	defaultMaxBodyBytes = 10 << 20
	defaultLogLevel     = "info"
)

// Config holds the process-wide configuration. It is built once by Load and
// treated as read-only afterwards.
type Config struct {
	Server    ServerConfig
	Rules     RulesConfig
	Telemetry TelemetryConfig
	Logging   LoggingConfig
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Address      string
	MaxBodyBytes int64
}

// RulesConfig holds configuration for the rule store and evaluation.
type RulesConfig struct {
	Folder       string
	KeepInMemory bool
	Watch        bool
	EvalTimeout  time.Duration
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string
	Insecure     bool
	// SampleRatio is the fraction of root traces kept; 0 or 1 keeps all of them.
	SampleRatio float64
	// Headers are sent with every export, e.g. collector API keys.
	Headers map[string]string
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string
	Pretty bool
}

// LoadEnvFile seeds the process environment from a dotenv file without overriding
// variables that are already set. An empty path loads ".env" when it exists.
func LoadEnvFile(path string) error {
	if path == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load reads the configuration from the environment and validates it. Both
// server_addr and rules_folder are mandatory.
func Load() (*Config, error) {
	cfg := defaults()

	addr, ok := lookupEnv(EnvServerAddr)
	if !ok || strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("%w: %s is not set", domain.ErrConfigInvalid, EnvServerAddr)
	}
	cfg.Server.Address = strings.TrimSpace(addr)

	folder, ok := lookupEnv(EnvRulesFolder)
	if !ok || strings.TrimSpace(folder) == "" {
		return nil, fmt.Errorf("%w: %s is not set", domain.ErrConfigInvalid, EnvRulesFolder)
	}
	cfg.Rules.Folder = strings.TrimSpace(folder)

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadRules builds a configuration for offline evaluation: only the rules folder
// is required and the server section is left empty.
func LoadRules(folder string) (*Config, error) {
	cfg := defaults()
	if folder == "" {
		folder, _ = lookupEnv(EnvRulesFolder)
	}
	cfg.Rules.Folder = strings.TrimSpace(folder)
	if cfg.Rules.Folder == "" {
		return nil, fmt.Errorf("%w: %s is not set", domain.ErrConfigInvalid, EnvRulesFolder)
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	// Offline runs never reuse documents, so watching is pointless.
	cfg.Rules.Watch = false
	if err := cfg.Rules.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	if err := cfg.Logging.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			MaxBodyBytes: defaultMaxBodyBytes,
		},
		Rules: RulesConfig{
			KeepInMemory: true,
			Watch:        true,
			EvalTimeout:  defaultEvalTimeout,
		},
		Logging: LoggingConfig{
			Level: defaultLogLevel,
		},
	}
}

func applyEnvOverrides(cfg *Config) error {
	if val, ok := lookupEnv(EnvLogLevel); ok && val != "" {
		cfg.Logging.Level = val
	}
	if err := envBool(EnvLogPretty, &cfg.Logging.Pretty); err != nil {
		return err
	}
	if err := envBool(EnvKeepInMemory, &cfg.Rules.KeepInMemory); err != nil {
		return err
	}
	if err := envBool(EnvWatchRules, &cfg.Rules.Watch); err != nil {
		return err
	}
	if val, ok := lookupEnv(EnvEvalTimeout); ok && val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrConfigInvalid, EnvEvalTimeout, err)
		}
		cfg.Rules.EvalTimeout = d
	}
	if val, ok := lookupEnv(EnvMaxBodyBytes); ok && val != "" {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrConfigInvalid, EnvMaxBodyBytes, err)
		}
		cfg.Server.MaxBodyBytes = n
	}
	if val, ok := lookupEnv(EnvOTLPEndpoint); ok {
		cfg.Telemetry.OTLPEndpoint = strings.TrimSpace(val)
	}
	if val, ok := lookupEnv(EnvOTLPSampleRatio); ok && strings.TrimSpace(val) != "" {
		ratio, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrConfigInvalid, EnvOTLPSampleRatio, err)
		}
		cfg.Telemetry.SampleRatio = ratio
	}
	if val, ok := lookupEnv(EnvOTLPHeaders); ok && strings.TrimSpace(val) != "" {
		headers, err := parseHeaders(val)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrConfigInvalid, EnvOTLPHeaders, err)
		}
		cfg.Telemetry.Headers = headers
	}
	return envBool(EnvOTLPInsecure, &cfg.Telemetry.Insecure)
}

// parseHeaders reads a comma-separated list of key=value pairs.
func parseHeaders(val string) (map[string]string, error) {
	headers := make(map[string]string)
	for _, pair := range strings.Split(val, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("header %q must be key=value", pair)
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers, nil
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	return os.LookupEnv(strings.ToUpper(key))
}

func envBool(key string, dst *bool) error {
	val, ok := lookupEnv(key)
	if !ok || strings.TrimSpace(val) == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(val))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrConfigInvalid, key, err)
	}
	*dst = b
	return nil
}

// Validate performs comprehensive validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}

	if err := c.Rules.Validate(); err != nil {
		return fmt.Errorf("rules configuration: %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return fmt.Errorf("%w: server address %q: %v", domain.ErrConfigInvalid, c.Address, err)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("%w: max body bytes must be positive, got %d", domain.ErrConfigInvalid, c.MaxBodyBytes)
	}
	return nil
}

// Validate checks that the rules folder exists and is a directory.
func (c *RulesConfig) Validate() error {
	info, err := os.Stat(c.Folder)
	if err != nil {
		return fmt.Errorf("%w: rules folder: %v", domain.ErrConfigInvalid, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: rules folder %q is not a directory", domain.ErrConfigInvalid, c.Folder)
	}
	if c.EvalTimeout < 0 {
		return fmt.Errorf("%w: eval timeout must not be negative", domain.ErrConfigInvalid)
	}
	return nil
}

// Validate checks the sampling ratio.
func (c *TelemetryConfig) Validate() error {
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("%w: sample ratio must be within [0, 1], got %v", domain.ErrConfigInvalid, c.SampleRatio)
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = defaultLogLevel
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level // Normalize to lowercase
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}
