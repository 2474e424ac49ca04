// Package config provides configuration management for reconpipe. It holds
// the YAML file layer (Config) and the validated, immutable settings of a
// single pipeline run (RunConfig).
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/reconpipe/internal/errors"
	"github.com/anstrom/reconpipe/internal/logging"
)

const (
	// DefaultPorts is the discovery port window.
	DefaultPorts = "1-65535"
	// DefaultRate is the discovery packet rate.
	DefaultRate = 1000
	// DefaultConcurrency is the inspection pool width.
	DefaultConcurrency = 4
	// DefaultInspectionTimeout bounds one inspection.
	DefaultInspectionTimeout = 10 * time.Minute
	// DefaultOutputDir holds dated result logs when no output path is given.
	DefaultOutputDir = "scan"

	configDirPerm  = 0750
	configFilePerm = 0600
)

var validate = validator.New()

// Config represents the reconpipe configuration file.
type Config struct {
	// Pipeline settings shared by every run
	Pipeline PipelineConfig `yaml:"pipeline" json:"pipeline"`

	// Discovery sweeper settings
	Discovery DiscoveryConfig `yaml:"discovery" json:"discovery"`

	// Inspection settings
	Inspection InspectionConfig `yaml:"inspection" json:"inspection"`

	// Output settings
	Output OutputConfig `yaml:"output" json:"output"`

	// Logging configuration
	Logging logging.Config `yaml:"logging" json:"logging"`

	// Metrics export
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// PipelineConfig holds the sweep window and worker settings.
type PipelineConfig struct {
	// Port window in LOW-HIGH form
	Ports string `yaml:"ports" json:"ports" validate:"required"`

	// Discovery packet rate
	Rate int `yaml:"rate" json:"rate" validate:"min=1"`

	// Number of concurrent inspections
	Concurrency int `yaml:"concurrency" json:"concurrency" validate:"min=1,max=1024"`

	// Extra attempts per failed inspection
	Retries int `yaml:"retries" json:"retries" validate:"min=0,max=10"`

	// Skip malformed report records instead of failing
	Lenient bool `yaml:"lenient" json:"lenient"`

	// Inspect whatever the report holds after a failed sweep
	ContinueOnDiscoveryError bool `yaml:"continue_on_discovery_error" json:"continue_on_discovery_error"`
}

// DiscoveryConfig holds sweeper settings.
type DiscoveryConfig struct {
	// Sweeper implementation (masscan, nmap)
	Sweeper string `yaml:"sweeper" json:"sweeper" validate:"oneof=masscan nmap"`

	// Executable name or path; defaults to the sweeper name
	Binary string `yaml:"binary" json:"binary"`

	// Arguments appended to the generated command line
	ExtraArgs []string `yaml:"extra_args,omitempty" json:"extra_args,omitempty"`

	// Deadline for the whole sweep (0 = none)
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// InspectionConfig holds inspector settings.
type InspectionConfig struct {
	// Executable name or path
	Binary string `yaml:"binary" json:"binary" validate:"required"`

	// Arguments placed before the port and address; empty uses the defaults
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`

	// Deadline for one inspection
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// OutputConfig controls where artifacts go.
type OutputConfig struct {
	// Result log path; empty derives scan/scan_<date>.txt
	Path string `yaml:"path" json:"path"`

	// Discovery report path; empty derives one next to the result log
	Report string `yaml:"report" json:"report"`

	// Keep the discovery report after the run
	KeepReport bool `yaml:"keep_report" json:"keep_report"`
}

// MetricsConfig controls the Prometheus textfile export.
type MetricsConfig struct {
	// Textfile path; empty disables the export
	File string `yaml:"file" json:"file"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			Ports:       DefaultPorts,
			Rate:        DefaultRate,
			Concurrency: DefaultConcurrency,
			Retries:     0,
		},
		Discovery: DiscoveryConfig{
			Sweeper: "masscan",
		},
		Inspection: InspectionConfig{
			Binary:  "nmap",
			Timeout: DefaultInspectionTimeout,
		},
		Output: OutputConfig{},
		Logging: logging.Config{
			Level:  logging.LevelInfo,
			Format: logging.FormatText,
			Output: "stderr",
			Rotation: logging.RotationConfig{
				Enabled:    false,
				MaxSizeMB:  100,
				MaxBackups: 5,
				MaxAgeDays: 30,
				Compress:   true,
			},
		},
	}
}

// Load loads configuration from a file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to read config file", err)
	}

	// YAML is a superset of JSON, so one decoder covers .yaml, .yml and .json.
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration,
			fmt.Sprintf("failed to parse config %s", filepath.Base(path)), err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Save saves configuration to a file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), configDirPerm); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, configFilePerm); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return validationError(err)
	}

	if c.Discovery.Timeout < 0 {
		return errors.NewConfigFieldError(errors.CodeValidation,
			"discovery timeout must not be negative", "discovery.timeout", c.Discovery.Timeout)
	}
	if c.Inspection.Timeout <= 0 {
		return errors.NewConfigFieldError(errors.CodeValidation,
			"inspection timeout must be positive", "inspection.timeout", c.Inspection.Timeout)
	}

	switch c.Logging.Level {
	case logging.LevelDebug, logging.LevelInfo, logging.LevelWarn, logging.LevelError:
	default:
		return errors.NewConfigFieldError(errors.CodeValidation,
			fmt.Sprintf("invalid log level: %s", c.Logging.Level), "logging.level", c.Logging.Level)
	}

	switch c.Logging.Format {
	case logging.FormatText, logging.FormatJSON:
	default:
		return errors.NewConfigFieldError(errors.CodeValidation,
			fmt.Sprintf("invalid log format: %s", c.Logging.Format), "logging.format", c.Logging.Format)
	}

	return nil
}

// validationError converts the first validator failure into a ConfigError.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) || len(verrs) == 0 {
		return errors.WrapConfigError(errors.CodeValidation, "invalid configuration", err)
	}

	fe := verrs[0]
	msg := fmt.Sprintf("%s failed %q validation", fe.Field(), fe.Tag())
	if fe.Param() != "" {
		msg = fmt.Sprintf("%s failed %s=%s validation", fe.Field(), fe.Tag(), fe.Param())
	}
	return errors.NewConfigFieldError(errors.CodeValidation, msg, fe.Namespace(), fe.Value())
}
