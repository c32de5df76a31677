// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads store configuration with priority
// env > file > defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/cascade/internal/policy"
	"github.com/AleutianAI/cascade/pkg/logging"
)

// Backend names accepted in Config.Backend.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

// Config is the full store configuration.
type Config struct {
	// Root is the store directory.
	Root string `json:"root" yaml:"root"`

	// Backend selects where records and the index live: "file", "badger",
	// or "sqlite". Backups, locks, and safety records are always files
	// under Root.
	Backend string `json:"backend" yaml:"backend"`

	Backup  BackupConfig  `json:"backup" yaml:"backup"`
	Lock    LockConfig    `json:"lock" yaml:"lock"`
	Cache   CacheConfig   `json:"cache" yaml:"cache"`
	Sweep   SweepConfig   `json:"sweep" yaml:"sweep"`
	Policy  PolicyConfig  `json:"policy" yaml:"policy"`
	Log     LogConfig     `json:"log" yaml:"log"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Trace   TraceConfig   `json:"trace" yaml:"trace"`
}

// BackupConfig controls snapshot retention.
type BackupConfig struct {
	KeepLast int `json:"keep_last" yaml:"keep_last"`
}

// LockConfig controls the bounded lock wait.
type LockConfig struct {
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

// CacheConfig controls the record read cache. A zero TTL disables it.
type CacheConfig struct {
	TTL        time.Duration `json:"ttl" yaml:"ttl"`
	MaxEntries int           `json:"max_entries" yaml:"max_entries"`
}

// SweepConfig controls the periodic expiry sweep.
type SweepConfig struct {
	Interval time.Duration `json:"interval" yaml:"interval"`
}

// PolicyConfig declares write policies.
type PolicyConfig struct {
	MaxContentBytes int      `json:"max_content_bytes" yaml:"max_content_bytes"`
	DeniedTypes     []string `json:"denied_types" yaml:"denied_types"`
	AllowedTypes    []string `json:"allowed_types" yaml:"allowed_types"`

	// RequireCritique lists types that must carry a critique.
	RequireCritique []string `json:"require_critique" yaml:"require_critique"`

	// Extra rules evaluated after the ones derived from the fields above.
	ExtraRules []policy.Rule `json:"rules" yaml:"rules"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level string `json:"level" yaml:"level"`
	JSON  bool   `json:"json" yaml:"json"`
	Dir   string `json:"dir" yaml:"dir"`
}

// MetricsConfig controls the Prometheus endpoint. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// TraceConfig controls span export.
type TraceConfig struct {
	// Exporter is "none", "stdout", or "otlp".
	Exporter     string `json:"exporter" yaml:"exporter"`
	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	OTLPInsecure bool   `json:"otlp_insecure" yaml:"otlp_insecure"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Root:    ".cascade",
		Backend: BackendFile,
		Backup:  BackupConfig{KeepLast: 3},
		Lock: LockConfig{
			Timeout:      10 * time.Second,
			PollInterval: 25 * time.Millisecond,
		},
		Cache: CacheConfig{
			TTL:        30 * time.Second,
			MaxEntries: 1024,
		},
		Sweep:  SweepConfig{Interval: time.Hour},
		Policy: PolicyConfig{MaxContentBytes: 1 << 20},
		Log:    LogConfig{Level: "info"},
		Trace:  TraceConfig{Exporter: "none", OTLPEndpoint: "localhost:4317"},
	}
}

// Load loads configuration with priority: env > file > defaults.
//
// # Inputs
//
//   - path: YAML or JSON file. Optional; a missing file is not an error.
//
// # Outputs
//
//   - Config: Merged configuration.
//   - error: Non-nil if the file exists but is invalid, or the merged
//     configuration fails Validate.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	loadFromEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks value ranges and cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	if c.Root == "" {
		errs = append(errs, errors.New("root must not be empty"))
	}
	switch c.Backend {
	case BackendFile, BackendBadger, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("backend must be one of file, badger, sqlite; got %q", c.Backend))
	}
	if c.Backup.KeepLast < 1 {
		errs = append(errs, fmt.Errorf("backup.keep_last must be >= 1, got %d", c.Backup.KeepLast))
	}
	if c.Lock.Timeout <= 0 {
		errs = append(errs, errors.New("lock.timeout must be positive"))
	}
	if c.Lock.PollInterval <= 0 || c.Lock.PollInterval > c.Lock.Timeout {
		errs = append(errs, errors.New("lock.poll_interval must be positive and not exceed lock.timeout"))
	}
	if c.Cache.TTL < 0 {
		errs = append(errs, errors.New("cache.ttl must be >= 0"))
	}
	if c.Cache.TTL > 0 && c.Cache.MaxEntries <= 0 {
		errs = append(errs, errors.New("cache.max_entries must be positive when the cache is enabled"))
	}
	if c.Sweep.Interval <= 0 {
		errs = append(errs, errors.New("sweep.interval must be positive"))
	}
	if c.Policy.MaxContentBytes < 0 {
		errs = append(errs, errors.New("policy.max_content_bytes must be >= 0"))
	}
	if err := policy.Validate(c.Policy.ExtraRules); err != nil {
		errs = append(errs, fmt.Errorf("policy.rules: %w", err))
	}
	switch c.Trace.Exporter {
	case "none", "stdout", "otlp":
	default:
		errs = append(errs, fmt.Errorf("trace.exporter must be one of none, stdout, otlp; got %q", c.Trace.Exporter))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// Rules returns the effective policy rules in evaluation order: content
// size, denied types, allowed types, required critiques, then extra rules.
func (p PolicyConfig) Rules() []policy.Rule {
	var rules []policy.Rule
	if p.MaxContentBytes > 0 {
		rules = append(rules, policy.Rule{Kind: policy.KindMaxContentBytes, MaxBytes: p.MaxContentBytes})
	}
	if len(p.DeniedTypes) > 0 {
		rules = append(rules, policy.Rule{Kind: policy.KindDenyTypes, Types: p.DeniedTypes})
	}
	if len(p.AllowedTypes) > 0 {
		rules = append(rules, policy.Rule{Kind: policy.KindAllowTypes, Types: p.AllowedTypes})
	}
	if len(p.RequireCritique) > 0 {
		rules = append(rules, policy.Rule{Kind: policy.KindRequireCritique, Types: p.RequireCritique})
	}
	return append(rules, p.ExtraRules...)
}

// DefaultPath returns <root>/config.yaml.
func DefaultPath(root string) string {
	return filepath.Join(root, "config.yaml")
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	// Try YAML first, then JSON
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func loadFromEnv(cfg *Config) {
	if v := os.Getenv("CASCADE_ROOT"); v != "" {
		cfg.Root = v
	}
	if v := os.Getenv("CASCADE_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("CASCADE_BACKUP_KEEP_LAST"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Backup.KeepLast = i
		}
	}

	// Lock
	if v := os.Getenv("CASCADE_LOCK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Lock.Timeout = d
		}
	}
	if v := os.Getenv("CASCADE_LOCK_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Lock.PollInterval = d
		}
	}

	// Cache and sweep
	if v := os.Getenv("CASCADE_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.TTL = d
		}
	}
	if v := os.Getenv("CASCADE_CACHE_MAX_ENTRIES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Cache.MaxEntries = i
		}
	}
	if v := os.Getenv("CASCADE_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sweep.Interval = d
		}
	}

	// Policy
	if v := os.Getenv("CASCADE_POLICY_MAX_CONTENT_BYTES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Policy.MaxContentBytes = i
		}
	}
	if v := os.Getenv("CASCADE_POLICY_DENIED_TYPES"); v != "" {
		cfg.Policy.DeniedTypes = splitList(v)
	}
	if v := os.Getenv("CASCADE_POLICY_ALLOWED_TYPES"); v != "" {
		cfg.Policy.AllowedTypes = splitList(v)
	}

	// Observability
	if v := os.Getenv("CASCADE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CASCADE_LOG_JSON"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Log.JSON = b
		}
	}
	if v := os.Getenv("CASCADE_LOG_DIR"); v != "" {
		cfg.Log.Dir = v
	}
	if v := os.Getenv("CASCADE_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("CASCADE_TRACE_EXPORTER"); v != "" {
		cfg.Trace.Exporter = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Trace.OTLPEndpoint = v
	}
	if v := os.Getenv("CASCADE_TRACE_OTLP_INSECURE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Trace.OTLPInsecure = b
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
