// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/mbeema/ollytrace/pkg/redact"
	"github.com/mbeema/ollytrace/pkg/severity"
)

// Config is the top-level configuration for the ollytrace agent.
type Config struct {
	ServiceName    string            `yaml:"service_name" env:"OLLYTRACE_SERVICE_NAME"`
	ServiceVersion string            `yaml:"service_version"`
	DeploymentEnv  string            `yaml:"deployment_environment"`
	LogLevel       string            `yaml:"log_level" env:"OLLYTRACE_LOG_LEVEL"`
	Tracer         TracerConfig      `yaml:"tracer"`
	Correlation    CorrelationConfig `yaml:"correlation"`
	Exporters      ExportersConfig   `yaml:"exporters"`
	Health         HealthConfig      `yaml:"health"`
	Redaction      RedactionConfig   `yaml:"redaction"`
}

// TracerConfig drives the collection decision.
type TracerConfig struct {
	ServiceKey      int64         `yaml:"service_key"`
	CollectSeverity string        `yaml:"collect_severity"` // level name or 0-7
	DefaultSeverity string        `yaml:"default_severity"`
	SamplerLimit    int           `yaml:"sampler_limit"`
	LockExpiry      time.Duration `yaml:"lock_expiry"` // 0 disables client call expiry
	NoStack         bool          `yaml:"no_stack"`
}

// Severities parses the collect threshold and the default severity.
func (t *TracerConfig) Severities() (collect, def severity.Level, err error) {
	collect, err = severity.Parse(t.CollectSeverity)
	if err != nil {
		return 0, 0, fmt.Errorf("tracer.collect_severity: %w", err)
	}
	def, err = severity.Parse(t.DefaultSeverity)
	if err != nil {
		return 0, 0, fmt.Errorf("tracer.default_severity: %w", err)
	}
	return collect, def, nil
}

// CorrelationConfig configures housekeeping of open transactions.
type CorrelationConfig struct {
	JanitorSchedule string        `yaml:"janitor_schedule"` // empty disables the janitor
	StaleAfter      time.Duration `yaml:"stale_after"`
	EvictStale      bool          `yaml:"evict_stale"`
}

type ExportersConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	OTLP          OTLPConfig    `yaml:"otlp"`
	Stdout        StdoutConfig  `yaml:"stdout"`
}

type OTLPConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Protocol    string            `yaml:"protocol"` // "grpc" or "http"
	Insecure    bool              `yaml:"insecure"`
	Compression string            `yaml:"compression"` // "gzip" or "none"
	Timeout     time.Duration     `yaml:"timeout"`
	Headers     map[string]string `yaml:"headers"`
}

type StdoutConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"` // "text" or "json"
}

// HealthConfig configures the health HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port" env:"OLLYTRACE_HEALTH_PORT"` // e.g. ":8686"
}

// RedactionConfig configures PII redaction of record payloads.
type RedactionConfig struct {
	Enabled bool            `yaml:"enabled"`
	Rules   []RedactionRule `yaml:"rules"`
}

// RedactionRule is a user-defined redaction pattern.
type RedactionRule struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// Redactor builds the payload redactor described by the section.
func (r *RedactionConfig) Redactor() (*redact.Redactor, error) {
	rules := make([]redact.Rule, 0, len(r.Rules))
	for i, rule := range r.Rules {
		name := rule.Name
		if name == "" {
			name = "rule_" + strconv.Itoa(i)
		}
		compiled, err := redact.CompileRule(name, rule.Pattern, rule.Replacement)
		if err != nil {
			return nil, err
		}
		rules = append(rules, compiled)
	}
	return redact.New(r.Enabled, rules), nil
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := loadFileInto(path, cfg); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return finish(cfg)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "auto",
		LogLevel:    "info",
		Tracer: TracerConfig{
			ServiceKey:      0,
			CollectSeverity: "ERROR",
			DefaultSeverity: "INFO",
			SamplerLimit:    10000,
			LockExpiry:      2 * time.Minute,
		},
		Correlation: CorrelationConfig{
			JanitorSchedule: "@every 1m",
			StaleAfter:      10 * time.Minute,
		},
		Exporters: ExportersConfig{
			FlushInterval: 5 * time.Second,
			OTLP: OTLPConfig{
				Enabled:     false,
				Endpoint:    "localhost:4317",
				Protocol:    "grpc",
				Insecure:    true,
				Compression: "gzip",
				Timeout:     10 * time.Second,
			},
			Stdout: StdoutConfig{
				Enabled: true,
				Format:  "json",
			},
		},
		Health: HealthConfig{
			Enabled: true,
			Port:    ":8686",
		},
		Redaction: RedactionConfig{
			Enabled: true,
		},
	}
}

// LoadDir loads YAML overlays from a directory and merges them into a single
// Config. Expected files:
//   - base.yaml   → service_name, log_level, health, redaction
//   - tracer.yaml → tracer, correlation
//   - export.yaml → exporters
//
// Missing files are silently ignored (defaults apply).
func LoadDir(dir string) (*Config, error) {
	cfg := DefaultConfig()

	for _, f := range DirFiles {
		if err := loadFileInto(filepath.Join(dir, f), cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return finish(cfg)
}

// DirFiles are the overlay files read by LoadDir, in merge order.
var DirFiles = []string{"base.yaml", "tracer.yaml", "export.yaml"}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// loadFileInto reads a YAML file and unmarshals it into an existing Config,
// overwriting only the fields present in the file.
func loadFileInto(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ApplyEnvOverrides reads OLLYTRACE_* environment variables and applies them
// to the config, overriding YAML values. Unparseable numbers and durations
// are ignored.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"OLLYTRACE_SERVICE_NAME":             func(v string) { c.ServiceName = v },
		"OLLYTRACE_LOG_LEVEL":                func(v string) { c.LogLevel = v },
		"OLLYTRACE_HEALTH_PORT":              func(v string) { c.Health.Port = v },
		"OLLYTRACE_EXPORTERS_OTLP_ENDPOINT":  func(v string) { c.Exporters.OTLP.Endpoint = v },
		"OLLYTRACE_EXPORTERS_OTLP_PROTOCOL":  func(v string) { c.Exporters.OTLP.Protocol = v },
		"OLLYTRACE_TRACER_COLLECT_SEVERITY":  func(v string) { c.Tracer.CollectSeverity = v },
		"OLLYTRACE_TRACER_DEFAULT_SEVERITY":  func(v string) { c.Tracer.DefaultSeverity = v },
		"OLLYTRACE_CORRELATION_JANITOR_CRON": func(v string) { c.Correlation.JanitorSchedule = v },
	}

	boolOverrides := map[string]*bool{
		"OLLYTRACE_TRACER_NO_STACK":          &c.Tracer.NoStack,
		"OLLYTRACE_CORRELATION_EVICT_STALE":  &c.Correlation.EvictStale,
		"OLLYTRACE_EXPORTERS_OTLP_ENABLED":   &c.Exporters.OTLP.Enabled,
		"OLLYTRACE_EXPORTERS_OTLP_INSECURE":  &c.Exporters.OTLP.Insecure,
		"OLLYTRACE_EXPORTERS_STDOUT_ENABLED": &c.Exporters.Stdout.Enabled,
		"OLLYTRACE_HEALTH_ENABLED":           &c.Health.Enabled,
		"OLLYTRACE_REDACTION_ENABLED":        &c.Redaction.Enabled,
	}

	durationOverrides := map[string]*time.Duration{
		"OLLYTRACE_TRACER_LOCK_EXPIRY":       &c.Tracer.LockExpiry,
		"OLLYTRACE_CORRELATION_STALE_AFTER":  &c.Correlation.StaleAfter,
		"OLLYTRACE_EXPORTERS_FLUSH_INTERVAL": &c.Exporters.FlushInterval,
	}

	for envKey, setter := range envOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}

	for envKey, target := range durationOverrides {
		if val := os.Getenv(envKey); val != "" {
			if d, err := time.ParseDuration(strings.TrimSpace(val)); err == nil {
				*target = d
			}
		}
	}

	if val := os.Getenv("OLLYTRACE_TRACER_SAMPLER_LIMIT"); val != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			c.Tracer.SamplerLimit = n
		}
	}
	if val := os.Getenv("OLLYTRACE_TRACER_SERVICE_KEY"); val != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64); err == nil {
			c.Tracer.ServiceKey = n
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, _, err := c.Tracer.Severities(); err != nil {
		return err
	}
	if c.Tracer.SamplerLimit <= 0 {
		return fmt.Errorf("tracer.sampler_limit must be positive")
	}
	if c.Tracer.LockExpiry < 0 {
		return fmt.Errorf("tracer.lock_expiry must not be negative")
	}

	if c.Correlation.JanitorSchedule != "" {
		if _, err := cron.ParseStandard(c.Correlation.JanitorSchedule); err != nil {
			return fmt.Errorf("correlation.janitor_schedule: %w", err)
		}
		if c.Correlation.StaleAfter <= 0 {
			return fmt.Errorf("correlation.stale_after must be positive when the janitor is enabled")
		}
	}

	if c.Exporters.FlushInterval <= 0 {
		return fmt.Errorf("exporters.flush_interval must be positive")
	}

	if c.Exporters.OTLP.Enabled {
		if c.Exporters.OTLP.Endpoint == "" {
			return fmt.Errorf("exporters.otlp.endpoint is required when OTLP is enabled")
		}
		if c.Exporters.OTLP.Protocol != "grpc" && c.Exporters.OTLP.Protocol != "http" {
			return fmt.Errorf("exporters.otlp.protocol must be 'grpc' or 'http'")
		}
		switch c.Exporters.OTLP.Compression {
		case "", "gzip", "none":
		default:
			return fmt.Errorf("exporters.otlp.compression must be 'gzip' or 'none'")
		}
	}

	if c.Exporters.Stdout.Enabled {
		if f := c.Exporters.Stdout.Format; f != "text" && f != "json" {
			return fmt.Errorf("exporters.stdout.format must be 'text' or 'json'")
		}
	}

	if _, err := c.Redaction.Redactor(); err != nil {
		return err
	}

	return nil
}
