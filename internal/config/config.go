// Package config loads bulkwrite configuration from YAML, environment
// variables and built-in defaults.
//
// Precedence (highest to lowest):
//  1. BULKWRITE_* environment variables (BULKWRITE_API_BASE_URL, ...)
//  2. The YAML config file (configs/default.yaml unless --config is given)
//  3. Built-in defaults
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/bulkwrite/internal/apiclient"
	"github.com/ChuLiYu/bulkwrite/internal/jobmanager"
	"github.com/ChuLiYu/bulkwrite/internal/orchestrator"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "BULKWRITE"

// Config holds all configuration for bulkwrite
type Config struct {
	API          apiclient.Config    `mapstructure:"api"`
	Orchestrator orchestrator.Config `mapstructure:"orchestrator"`
	Registry     jobmanager.Config   `mapstructure:"registry"`
	Executor     ExecutorConfig      `mapstructure:"executor"`
	Server       ServerConfig        `mapstructure:"server"`
	Metrics      MetricsConfig       `mapstructure:"metrics"`
	Journal      JournalConfig       `mapstructure:"journal"`
	Report       ReportConfig        `mapstructure:"report"`
	Inbox        InboxConfig         `mapstructure:"inbox"`
	Log          LogConfig           `mapstructure:"log"`
}

// ExecutorConfig holds settings of the bulk-update and batch-operations executors
type ExecutorConfig struct {
	RateLimit float64 `mapstructure:"rate_limit"` // requests/s shared by all jobs of one type
}

// ServerConfig holds listen addresses; an empty address disables that server
type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
	GRPCAddr string `mapstructure:"grpc_addr"`
}

// MetricsConfig toggles Prometheus metrics
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// JournalConfig holds the job journal settings; an empty path disables it
type JournalConfig struct {
	Path string `mapstructure:"path"`
	Sync bool   `mapstructure:"sync"`
}

// ReportConfig holds the run report location; an empty path disables it
type ReportConfig struct {
	Path string `mapstructure:"path"`
}

// InboxConfig holds the watched directory; an empty dir disables the watcher
type InboxConfig struct {
	Dir      string `mapstructure:"dir"`
	ParentID string `mapstructure:"parent_id"`
	Position string `mapstructure:"position"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

// setDefaults registers every key, which also makes it reachable from the environment
func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "")
	v.SetDefault("api.api_key", "")
	v.SetDefault("api.timeout", "30s")

	v.SetDefault("orchestrator.max_workers", 5)
	v.SetDefault("orchestrator.worker_rate_limit", 5.0)
	v.SetDefault("orchestrator.retry_on_failure", true)
	v.SetDefault("orchestrator.max_retries", 2)
	v.SetDefault("orchestrator.progress_interval", "500ms")
	v.SetDefault("orchestrator.split.target_nodes_per_subtree", 50)
	v.SetDefault("orchestrator.split.max_subtrees", 10)
	v.SetDefault("orchestrator.split.min_nodes_per_subtree", 5)
	v.SetDefault("orchestrator.split.requests_per_second", 5.0)

	v.SetDefault("registry.max_concurrent_jobs", 1)
	v.SetDefault("registry.job_ttl", "1h")
	v.SetDefault("registry.max_history", 100)
	v.SetDefault("registry.sweep_interval", "1m")

	v.SetDefault("executor.rate_limit", 5.0)

	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.grpc_addr", ":50051")

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("journal.path", "data/jobs.journal")
	v.SetDefault("journal.sync", false)

	v.SetDefault("report.path", "data/last-run.json")

	v.SetDefault("inbox.dir", "")
	v.SetDefault("inbox.parent_id", "")
	v.SetDefault("inbox.position", "bottom")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the built-in configuration
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		// defaults are static; a decode failure is a programming error
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

// Load reads path (if it exists) on top of the defaults and applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("reading config from %s: %w", path, err)
			}
			slog.Debug("Config file not found, using defaults", "path", path)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.API.APIKey = os.ExpandEnv(cfg.API.APIKey)
	return cfg, nil
}

// Validate rejects values no component can run with
func (c *Config) Validate() error {
	var errs []error
	if c.Orchestrator.MaxWorkers < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.max_workers must not be negative"))
	}
	if c.Orchestrator.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.max_retries must not be negative"))
	}
	if c.Orchestrator.WorkerRateLimit < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.worker_rate_limit must not be negative"))
	}
	if c.Registry.MaxConcurrentJobs < 0 {
		errs = append(errs, fmt.Errorf("registry.max_concurrent_jobs must not be negative"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// WriteDefault writes the built-in defaults to path as YAML
func WriteDefault(path string) error {
	data, err := yaml.Marshal(newViper().AllSettings())
	if err != nil {
		return fmt.Errorf("marshaling defaults: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	return os.WriteFile(path, data, 0644)
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level must be debug, info, warn or error, got %q", s)
	}
}

// NewLogger builds the slog logger described by c, writing to w
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
