// Package config loads the YAML run configuration: engine flags, logging,
// metrics, tracing, the run journal, recipe arguments and per-primitive
// module options.
package config

import (
	"fmt"
	"maps"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ravi-parthasarathy/kpfpipe/pkg/pipeline"
)

// Config is the complete run configuration.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
	Journal JournalConfig `yaml:"journal"`

	// Argument holds recipe arguments, visible as config.ARGUMENT.<key>.
	Argument map[string]any `yaml:"argument"`
	// Modules holds per-primitive options, visible to primitives as
	// config.modules.<primitive>.
	Modules map[string]map[string]any `yaml:"modules" validate:"dive,keys,required,endkeys"`
}

// EngineConfig controls the driver.
type EngineConfig struct {
	Force      bool `yaml:"force"`
	MaxActions int  `yaml:"max_actions" validate:"gte=0"`
	Verbose    bool `yaml:"verbose"`
}

// LoggingConfig controls the zerolog logger.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
	// Output is stdout, stderr or a file path.
	Output string `yaml:"output" validate:"required"`
}

// MetricsConfig controls the Prometheus collectors.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace" validate:"required_if=Enabled true"`
	// Textfile, when set, receives the metrics in text exposition format
	// after every run.
	Textfile string `yaml:"textfile"`
	// Listen, when set, serves /metrics on this address in watch mode.
	Listen string `yaml:"listen" validate:"omitempty,hostname_port"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter" validate:"oneof=stdout otlp none"`
	Endpoint     string  `yaml:"endpoint" validate:"required_if=Exporter otlp"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
}

// JournalConfig locates the SQLite run journal. An empty path disables it.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{MaxActions: pipeline.DefaultMaxActions},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Metrics: MetricsConfig{Namespace: "kpfpipe"},
		Tracing: TracingConfig{Exporter: "none", SamplingRate: 1},
		Argument: map[string]any{},
		Modules:  map[string]map[string]any{},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Argument == nil {
		cfg.Argument = map[string]any{}
	}
	if cfg.Modules == nil {
		cfg.Modules = map[string]map[string]any{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Clone returns a copy whose argument and module maps may be changed
// without affecting c. Values inside the maps are shared.
func (c *Config) Clone() *Config {
	out := *c
	out.Argument = maps.Clone(c.Argument)
	out.Modules = make(map[string]map[string]any, len(c.Modules))
	for name, opts := range c.Modules {
		out.Modules[name] = maps.Clone(opts)
	}
	return &out
}

// WithArgument returns a copy of c with one recipe argument set.
func (c *Config) WithArgument(key string, value any) *Config {
	out := c.Clone()
	if out.Argument == nil {
		out.Argument = map[string]any{}
	}
	out.Argument[key] = value
	return out
}

// Apply seeds a processing context before any action is pushed: engine
// flags, config.argument.* and config.modules.*.
func (c *Config) Apply(pctx *pipeline.ProcessingContext) {
	pctx.SetForce(c.Engine.Force)
	pctx.SetVerbose(c.Engine.Verbose)
	for k, v := range c.Argument {
		pctx.Set(pipeline.ConfigKey("argument", k), v)
	}
	for name, opts := range c.Modules {
		pctx.Set(pipeline.ConfigKey("modules", name), maps.Clone(opts))
	}
}

// RecipeNamespace returns the sections a recipe can read through its
// config name.
func (c *Config) RecipeNamespace() map[string]any {
	modules := make(map[string]any, len(c.Modules))
	for name, opts := range c.Modules {
		modules[name] = maps.Clone(opts)
	}
	return map[string]any{
		"argument": maps.Clone(c.Argument),
		"modules":  modules,
		"engine": map[string]any{
			"force":       c.Engine.Force,
			"max_actions": c.Engine.MaxActions,
			"verbose":     c.Engine.Verbose,
		},
	}
}
