// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the tapline agent.
type Config struct {
	ServiceName string           `yaml:"service_name" env:"TAPLINE_SERVICE_NAME"`
	LogLevel    string           `yaml:"log_level" env:"TAPLINE_LOG_LEVEL"`
	LogFile     LogFileConfig    `yaml:"log_file"`
	Capture     CaptureConfig    `yaml:"capture"`
	Tracing     TracingConfig    `yaml:"tracing"`
	Reassembly  ReassemblyConfig `yaml:"reassembly"`
	Redaction   RedactionConfig  `yaml:"redaction"`
	Exporters   ExportersConfig  `yaml:"exporters"`
	Health      HealthConfig     `yaml:"health"`
}

// LogFileConfig enables rotated file output for the agent's own log.
type LogFileConfig struct {
	Path       string `yaml:"path" env:"TAPLINE_LOG_FILE"` // empty = stderr only
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type CaptureConfig struct {
	Source         string `yaml:"source"` // "ringbuf" or "replay"
	RingbufPinPath string `yaml:"ringbuf_pin_path"`
	ReplayPath     string `yaml:"replay_path"`
	// RecordPath, when set, appends every captured event to a replay file.
	RecordPath string `yaml:"record_path"`
}

type TracingConfig struct {
	HTTP  HTTPTracingConfig `yaml:"http"`
	HTTP2 ProtocolToggle    `yaml:"http2"`
}

// HTTPTracingConfig controls HTTP/1.x message reconstruction.
type HTTPTracingConfig struct {
	Enabled bool `yaml:"enabled"`
	// Filters use the "Name:substr,-Name:substr" syntax; empty keeps all.
	RequestHeaderFilters  string `yaml:"request_header_filters"`
	ResponseHeaderFilters string `yaml:"response_header_filters"`
	MaxBodySize           int    `yaml:"max_body_size"`
	// MaxUnknownLengthContinuations bounds how many events a message without
	// Content-Length or chunking may span before it is dropped.
	MaxUnknownLengthContinuations int  `yaml:"max_unknown_length_continuations"`
	Decompress                    bool `yaml:"decompress"`
}

type ProtocolToggle struct {
	Enabled bool `yaml:"enabled"`
}

type ReassemblyConfig struct {
	MaxIdle       time.Duration `yaml:"max_idle"`
	CleanInterval time.Duration `yaml:"clean_interval"`
}

// RedactionConfig scrubs sensitive values from records before export.
type RedactionConfig struct {
	Enabled bool `yaml:"enabled"`
	// Headers are masked entirely, in addition to the built-in list.
	Headers []string        `yaml:"headers"`
	Rules   []RedactionRule `yaml:"rules"`
}

// RedactionRule is a user-defined redaction pattern.
type RedactionRule struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

type ExportersConfig struct {
	OTLP          OTLPConfig    `yaml:"otlp"`
	Stdout        StdoutConfig  `yaml:"stdout"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type OTLPConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Protocol    string            `yaml:"protocol"` // "grpc" or "http"
	Insecure    bool              `yaml:"insecure"`
	Compression string            `yaml:"compression"` // "gzip" or "none"
	Headers     map[string]string `yaml:"headers"`
}

type StdoutConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"` // "text" or "json"
}

// HealthConfig configures the health HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port" env:"TAPLINE_HEALTH_PORT"` // e.g. ":8686"
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "tapline",
		LogLevel:    "info",
		LogFile: LogFileConfig{
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Capture: CaptureConfig{
			Source:         "ringbuf",
			RingbufPinPath: "/sys/fs/bpf/tapline/socket_events",
		},
		Tracing: TracingConfig{
			HTTP: HTTPTracingConfig{
				Enabled:                       true,
				MaxBodySize:                   1 << 20,
				MaxUnknownLengthContinuations: 1,
				Decompress:                    true,
			},
			HTTP2: ProtocolToggle{Enabled: true},
		},
		Reassembly: ReassemblyConfig{
			MaxIdle:       2 * time.Minute,
			CleanInterval: 30 * time.Second,
		},
		Redaction: RedactionConfig{
			Enabled: true,
		},
		Exporters: ExportersConfig{
			OTLP: OTLPConfig{
				Enabled:     false,
				Endpoint:    "localhost:4317",
				Protocol:    "grpc",
				Insecure:    true,
				Compression: "gzip",
			},
			Stdout: StdoutConfig{
				Enabled: true,
				Format:  "text",
			},
			BatchSize:     512,
			FlushInterval: 5 * time.Second,
		},
		Health: HealthConfig{
			Enabled: true,
			Port:    ":8686",
		},
	}
}

// ConfigFiles lists the files LoadDir merges, in order.
var ConfigFiles = []string{"base.yaml", "capture.yaml", "tracing.yaml", "export.yaml"}

// LoadDir loads YAML files from a directory and merges them into a single
// Config. Expected files:
//   - base.yaml    → service_name, log_level, log_file, health
//   - capture.yaml → capture
//   - tracing.yaml → tracing, reassembly
//   - export.yaml  → exporters
//
// Missing files are silently ignored (defaults apply).
func LoadDir(dir string) (*Config, error) {
	cfg := DefaultConfig()

	for _, f := range ConfigFiles {
		if err := loadFileInto(filepath.Join(dir, f), cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

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
	return yaml.Unmarshal(data, cfg)
}

// ApplyEnvOverrides reads TAPLINE_* environment variables and applies them
// to the config, overriding YAML values. Unparseable values are ignored.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"TAPLINE_SERVICE_NAME":                    func(v string) { c.ServiceName = v },
		"TAPLINE_LOG_LEVEL":                       func(v string) { c.LogLevel = v },
		"TAPLINE_LOG_FILE":                        func(v string) { c.LogFile.Path = v },
		"TAPLINE_HEALTH_PORT":                     func(v string) { c.Health.Port = v },
		"TAPLINE_CAPTURE_SOURCE":                  func(v string) { c.Capture.Source = v },
		"TAPLINE_CAPTURE_RINGBUF_PIN_PATH":        func(v string) { c.Capture.RingbufPinPath = v },
		"TAPLINE_CAPTURE_REPLAY_PATH":             func(v string) { c.Capture.ReplayPath = v },
		"TAPLINE_TRACING_HTTP_REQUEST_FILTERS":    func(v string) { c.Tracing.HTTP.RequestHeaderFilters = v },
		"TAPLINE_TRACING_HTTP_RESPONSE_FILTERS":   func(v string) { c.Tracing.HTTP.ResponseHeaderFilters = v },
		"TAPLINE_EXPORTERS_OTLP_ENDPOINT":         func(v string) { c.Exporters.OTLP.Endpoint = v },
		"TAPLINE_EXPORTERS_OTLP_PROTOCOL":         func(v string) { c.Exporters.OTLP.Protocol = v },
		"TAPLINE_EXPORTERS_STDOUT_FORMAT":         func(v string) { c.Exporters.Stdout.Format = v },
		"TAPLINE_REASSEMBLY_MAX_IDLE":             durationSetter(&c.Reassembly.MaxIdle),
		"TAPLINE_TRACING_HTTP_MAX_BODY_SIZE":      intSetter(&c.Tracing.HTTP.MaxBodySize),
		"TAPLINE_TRACING_HTTP_MAX_UNKNOWN_LENGTH": intSetter(&c.Tracing.HTTP.MaxUnknownLengthContinuations),
	}

	boolOverrides := map[string]*bool{
		"TAPLINE_TRACING_HTTP_ENABLED":     &c.Tracing.HTTP.Enabled,
		"TAPLINE_TRACING_HTTP_DECOMPRESS":  &c.Tracing.HTTP.Decompress,
		"TAPLINE_TRACING_HTTP2_ENABLED":    &c.Tracing.HTTP2.Enabled,
		"TAPLINE_EXPORTERS_OTLP_ENABLED":   &c.Exporters.OTLP.Enabled,
		"TAPLINE_EXPORTERS_STDOUT_ENABLED": &c.Exporters.Stdout.Enabled,
		"TAPLINE_HEALTH_ENABLED":           &c.Health.Enabled,
		"TAPLINE_REDACTION_ENABLED":        &c.Redaction.Enabled,
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
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

func intSetter(target *int) func(string) {
	return func(s string) {
		if v, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			*target = v
		}
	}
}

func durationSetter(target *time.Duration) func(string) {
	return func(s string) {
		if v, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			*target = v
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Capture.Source {
	case "ringbuf":
		if c.Capture.RingbufPinPath == "" {
			return fmt.Errorf("capture.ringbuf_pin_path is required for the ringbuf source")
		}
	case "replay":
		if c.Capture.ReplayPath == "" {
			return fmt.Errorf("capture.replay_path is required for the replay source")
		}
	default:
		return fmt.Errorf("capture.source must be 'ringbuf' or 'replay', got %q", c.Capture.Source)
	}

	if c.Tracing.HTTP.MaxBodySize <= 0 {
		return fmt.Errorf("tracing.http.max_body_size must be positive")
	}
	if c.Tracing.HTTP.MaxUnknownLengthContinuations < 0 {
		return fmt.Errorf("tracing.http.max_unknown_length_continuations must not be negative")
	}

	for i, r := range c.Redaction.Rules {
		if r.Pattern == "" {
			return fmt.Errorf("redaction.rules[%d]: pattern is required", i)
		}
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("redaction.rules[%d] %q: %w", i, r.Name, err)
		}
	}

	if c.Reassembly.MaxIdle < time.Second {
		return fmt.Errorf("reassembly.max_idle must be at least 1s")
	}
	if c.Reassembly.CleanInterval < 100*time.Millisecond {
		return fmt.Errorf("reassembly.clean_interval must be at least 100ms")
	}

	if c.Exporters.OTLP.Enabled {
		if c.Exporters.OTLP.Endpoint == "" {
			return fmt.Errorf("exporters.otlp.endpoint is required when OTLP is enabled")
		}
		if c.Exporters.OTLP.Protocol != "grpc" && c.Exporters.OTLP.Protocol != "http" {
			return fmt.Errorf("exporters.otlp.protocol must be 'grpc' or 'http'")
		}
	}
	switch c.Exporters.OTLP.Compression {
	case "", "gzip", "none":
	default:
		return fmt.Errorf("exporters.otlp.compression must be 'gzip' or 'none'")
	}
	if c.Exporters.Stdout.Enabled && c.Exporters.Stdout.Format != "text" && c.Exporters.Stdout.Format != "json" {
		return fmt.Errorf("exporters.stdout.format must be 'text' or 'json'")
	}
	if c.Exporters.BatchSize <= 0 {
		return fmt.Errorf("exporters.batch_size must be positive")
	}
	if c.Exporters.FlushInterval < 10*time.Millisecond {
		return fmt.Errorf("exporters.flush_interval must be at least 10ms")
	}

	if c.LogFile.MaxSizeMB < 0 || c.LogFile.MaxBackups < 0 || c.LogFile.MaxAgeDays < 0 {
		return fmt.Errorf("log_file limits must not be negative")
	}

	return nil
}
