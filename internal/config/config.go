// Package config loads pipeline configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loomctl/loom/internal/ai"
	"github.com/loomctl/loom/internal/codegen"
	"github.com/loomctl/loom/internal/gen"
	"github.com/loomctl/loom/internal/pipeline"
)

// Config is the complete pipeline configuration.
type Config struct {
	// Model overrides the default backend model
	Model string `yaml:"model,omitempty"`

	Storage  StorageConfig  `yaml:"storage"`
	Backend  BackendConfig  `yaml:"backend"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Codegen  CodegenConfig  `yaml:"codegen"`
}

// StorageConfig configures the artifact store.
type StorageConfig struct {
	// Path to the SQLite database (default: .loom/loom.db)
	Path string `yaml:"path"`
}

// BackendConfig configures transient-failure handling for backend calls.
type BackendConfig struct {
	MaxRetries         int     `yaml:"max_retries"`
	InitialBackoff     string  `yaml:"initial_backoff"`    // e.g. "1s"
	MaxBackoff         string  `yaml:"max_backoff"`        // e.g. "30s"
	Timeout            string  `yaml:"timeout"`            // e.g. "120s"
	MaxConcurrentCalls int     `yaml:"max_concurrent_calls"`
	RequestsPerSecond  float64 `yaml:"requests_per_second"`
}

// PipelineConfig configures the orchestrator.
type PipelineConfig struct {
	MaxBackwardHops int    `yaml:"max_backward_hops"`
	MaxAttempts     int    `yaml:"max_attempts"` // Per generation unit
	Standards       string `yaml:"standards"`    // Coding standards for the code stage
}

// CodegenConfig configures the code generation stage.
type CodegenConfig struct {
	Workers    int  `yaml:"workers"`
	FatalGaps  bool `yaml:"fatal_gaps"`
	SingleCall bool `yaml:"single_call"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{Path: ".loom/loom.db"},
		Pipeline: PipelineConfig{
			MaxBackwardHops: pipeline.DefaultMaxBackwardHops,
			MaxAttempts:     gen.DefaultMaxAttempts,
		},
		Codegen: CodegenConfig{Workers: codegen.DefaultWorkers},
	}
}

// Load reads configuration from a YAML file, filling unset fields with
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges and duration syntax.
func (c *Config) Validate() error {
	if c.Pipeline.MaxBackwardHops < 0 {
		return fmt.Errorf("pipeline.max_backward_hops cannot be negative")
	}
	if c.Pipeline.MaxAttempts < 0 {
		return fmt.Errorf("pipeline.max_attempts cannot be negative")
	}
	if c.Codegen.Workers < 0 {
		return fmt.Errorf("codegen.workers cannot be negative")
	}
	for _, field := range []struct{ name, value string }{
		{"backend.initial_backoff", c.Backend.InitialBackoff},
		{"backend.max_backoff", c.Backend.MaxBackoff},
		{"backend.timeout", c.Backend.Timeout},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	return nil
}

// RetryConfig builds the backend retry configuration, applying defaults
// for unset fields.
func (c *Config) RetryConfig() ai.RetryConfig {
	retry := ai.DefaultRetryConfig()
	if c.Backend.MaxRetries > 0 {
		retry.MaxRetries = c.Backend.MaxRetries
	}
	if d := parseDuration(c.Backend.InitialBackoff); d > 0 {
		retry.InitialBackoff = d
	}
	if d := parseDuration(c.Backend.MaxBackoff); d > 0 {
		retry.MaxBackoff = d
	}
	if d := parseDuration(c.Backend.Timeout); d > 0 {
		retry.Timeout = d
	}
	if c.Backend.MaxConcurrentCalls > 0 {
		retry.MaxConcurrentCalls = c.Backend.MaxConcurrentCalls
	}
	if c.Backend.RequestsPerSecond > 0 {
		retry.RequestsPerSecond = c.Backend.RequestsPerSecond
	}
	return retry
}

// parseDuration returns 0 for empty or invalid durations. Validate has
// already rejected invalid ones on the Load path.
func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
