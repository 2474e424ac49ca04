// Package cli provides command-line interface commands for reconpipe.
// This package implements the Cobra-based CLI structure with commands for
// running the recon pipeline once, repeating it on a schedule, auditing
// discovery reports and managing the configuration file.
package cli

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/anstrom/reconpipe/internal/config"
	"github.com/anstrom/reconpipe/internal/errors"
	"github.com/anstrom/reconpipe/internal/logging"
	"github.com/anstrom/reconpipe/internal/metrics"
	"github.com/anstrom/reconpipe/internal/pipeline"
)

const (
	envPrefix         = "RECONPIPE"
	defaultConfigName = "reconpipe"
	defaultEnvFile    = ".env"

	// viperKeyAnnotation ties a flag to the configuration key it overrides.
	viperKeyAnnotation = "reconpipe_viper_key"
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitErr wraps err with the exit code the pipeline assigns to it.
func exitErr(err error) error {
	if err == nil {
		return nil
	}
	return &ExitError{Code: pipeline.ExitCodeFor(err), Err: err}
}

// app holds the state shared by all commands of one invocation.
type app struct {
	v       *viper.Viper
	cfgFile string
	envFile string
	verbose bool

	cfg     *config.Config
	logger  *logging.Logger
	metrics *metrics.PrometheusMetrics
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "reconpipe",
		Short: "Two-stage network reconnaissance pipeline",
		Long: `reconpipe runs a fast discovery sweep (masscan or nmap) over the given
network ranges, turns the open ports it finds into host:port targets, and
inspects every target with nmap service and vulnerability detection. Findings
are appended to a plain-text result log as they complete.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.initConfig(cmd)
		},
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is ./reconpipe.yaml)")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", defaultEnvFile, "dotenv file with RECONPIPE_* variables")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "verbose output (debug logging)")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().String("log-format", "", "log format: text, json")
	root.PersistentFlags().String("log-output", "", "log output: stdout, stderr or a file path")
	annotate(root.PersistentFlags(), "log-level", "logging.level")
	annotate(root.PersistentFlags(), "log-format", "logging.format")
	annotate(root.PersistentFlags(), "log-output", "logging.output")

	root.AddCommand(
		newRunCommand(a),
		newScheduleCommand(a),
		newParseCommand(a),
		newConfigCommand(a),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	return execute(NewRootCommand(), os.Args[1:])
}

func execute(root *cobra.Command, args []string) int {
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return pipeline.ExitSuccess
	}

	var exit *ExitError
	if stderrors.As(err, &exit) {
		if exit.Err != nil {
			fmt.Fprintln(root.ErrOrStderr(), "Error:", exit.Err)
		}
		return exit.Code
	}

	fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
	if errors.GetCode(err) == errors.CodeUnknown {
		// Flag and argument errors from cobra itself.
		return pipeline.ExitInvalidArguments
	}
	return pipeline.ExitCodeFor(err)
}

// initConfig layers defaults, the config file, the environment and flags.
func (a *app) initConfig(cmd *cobra.Command) error {
	if err := a.loadEnvFile(cmd); err != nil {
		return exitErr(err)
	}

	v := a.v
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setConfigDefaults(v, config.Default())

	if a.cfgFile != "" {
		v.SetConfigFile(a.cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName(defaultConfigName)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if a.cfgFile != "" || !stderrors.As(err, &notFound) {
			return exitErr(errors.WrapConfigError(errors.CodeConfiguration, "failed to read config file", err))
		}
	}

	var bindErr error
	bind := func(f *pflag.Flag) {
		if keys, ok := f.Annotations[viperKeyAnnotation]; ok && bindErr == nil {
			bindErr = v.BindPFlag(keys[0], f)
		}
	}
	cmd.Flags().VisitAll(bind)
	cmd.InheritedFlags().VisitAll(bind)
	if bindErr != nil {
		return exitErr(errors.WrapConfigError(errors.CodeConfiguration, "failed to bind flags", bindErr))
	}

	cfg, err := configFromViper(v)
	if err != nil {
		return exitErr(err)
	}
	if a.verbose {
		cfg.Logging.Level = logging.LevelDebug
		cfg.Logging.AddSource = true
	}
	a.cfg = cfg

	a.initLogging(cmd.ErrOrStderr())
	a.metrics = metrics.GetGlobalMetrics()

	if used := v.ConfigFileUsed(); used != "" {
		a.logger.Debug("Using config file", "path", used)
	}
	return nil
}

// loadEnvFile loads RECONPIPE_* variables from a dotenv file. Variables that
// are already set in the environment win.
func (a *app) loadEnvFile(cmd *cobra.Command) error {
	if a.envFile == "" {
		return nil
	}
	if _, err := os.Stat(a.envFile); err != nil {
		if cmd.Flags().Changed("env-file") {
			return errors.ErrPathNotFound("env-file", a.envFile)
		}
		return nil
	}
	if err := godotenv.Load(a.envFile); err != nil {
		return errors.WrapConfigError(errors.CodeConfiguration, "failed to load env file", err)
	}
	return nil
}

// initLogging installs the process-wide logger described by the configuration.
func (a *app) initLogging(stderr io.Writer) {
	cfg := a.cfg.Logging

	var logger *logging.Logger
	switch cfg.Output {
	case "", "stderr":
		// Follow the command's writer so tests can capture logs.
		logger = logging.NewWithWriter(cfg, stderr)
	default:
		var err error
		logger, err = logging.New(cfg)
		if err != nil {
			logger = logging.NewWithWriter(logging.DefaultConfig(), stderr)
			fmt.Fprintf(stderr, "Warning: failed to initialize logging: %v\n", err)
		}
	}

	logging.SetDefault(logger)
	a.logger = logger
}

// setConfigDefaults registers every configuration key with its default value.
func setConfigDefaults(v *viper.Viper, d *config.Config) {
	v.SetDefault("pipeline.ports", d.Pipeline.Ports)
	v.SetDefault("pipeline.rate", d.Pipeline.Rate)
	v.SetDefault("pipeline.concurrency", d.Pipeline.Concurrency)
	v.SetDefault("pipeline.retries", d.Pipeline.Retries)
	v.SetDefault("pipeline.lenient", d.Pipeline.Lenient)
	v.SetDefault("pipeline.continue_on_discovery_error", d.Pipeline.ContinueOnDiscoveryError)

	v.SetDefault("discovery.sweeper", d.Discovery.Sweeper)
	v.SetDefault("discovery.binary", d.Discovery.Binary)
	v.SetDefault("discovery.extra_args", d.Discovery.ExtraArgs)
	v.SetDefault("discovery.timeout", d.Discovery.Timeout)

	v.SetDefault("inspection.binary", d.Inspection.Binary)
	v.SetDefault("inspection.args", d.Inspection.Args)
	v.SetDefault("inspection.timeout", d.Inspection.Timeout)

	v.SetDefault("output.path", d.Output.Path)
	v.SetDefault("output.report", d.Output.Report)
	v.SetDefault("output.keep_report", d.Output.KeepReport)

	v.SetDefault("logging.level", string(d.Logging.Level))
	v.SetDefault("logging.format", string(d.Logging.Format))
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("logging.add_source", d.Logging.AddSource)
	v.SetDefault("logging.rotation.enabled", d.Logging.Rotation.Enabled)
	v.SetDefault("logging.rotation.max_size_mb", d.Logging.Rotation.MaxSizeMB)
	v.SetDefault("logging.rotation.max_backups", d.Logging.Rotation.MaxBackups)
	v.SetDefault("logging.rotation.max_age_days", d.Logging.Rotation.MaxAgeDays)
	v.SetDefault("logging.rotation.compress", d.Logging.Rotation.Compress)

	v.SetDefault("metrics.file", d.Metrics.File)
}

// configFromViper builds and validates the effective configuration.
func configFromViper(v *viper.Viper) (*config.Config, error) {
	cfg := &config.Config{
		Pipeline: config.PipelineConfig{
			Ports:                    v.GetString("pipeline.ports"),
			Rate:                     v.GetInt("pipeline.rate"),
			Concurrency:              v.GetInt("pipeline.concurrency"),
			Retries:                  v.GetInt("pipeline.retries"),
			Lenient:                  v.GetBool("pipeline.lenient"),
			ContinueOnDiscoveryError: v.GetBool("pipeline.continue_on_discovery_error"),
		},
		Discovery: config.DiscoveryConfig{
			Sweeper:   v.GetString("discovery.sweeper"),
			Binary:    v.GetString("discovery.binary"),
			ExtraArgs: v.GetStringSlice("discovery.extra_args"),
			Timeout:   v.GetDuration("discovery.timeout"),
		},
		Inspection: config.InspectionConfig{
			Binary:  v.GetString("inspection.binary"),
			Args:    v.GetStringSlice("inspection.args"),
			Timeout: v.GetDuration("inspection.timeout"),
		},
		Output: config.OutputConfig{
			Path:       v.GetString("output.path"),
			Report:     v.GetString("output.report"),
			KeepReport: v.GetBool("output.keep_report"),
		},
		Logging: logging.Config{
			Level:     logging.LogLevel(strings.ToLower(v.GetString("logging.level"))),
			Format:    logging.LogFormat(strings.ToLower(v.GetString("logging.format"))),
			Output:    v.GetString("logging.output"),
			AddSource: v.GetBool("logging.add_source"),
			Rotation: logging.RotationConfig{
				Enabled:    v.GetBool("logging.rotation.enabled"),
				MaxSizeMB:  v.GetInt("logging.rotation.max_size_mb"),
				MaxBackups: v.GetInt("logging.rotation.max_backups"),
				MaxAgeDays: v.GetInt("logging.rotation.max_age_days"),
				Compress:   v.GetBool("logging.rotation.compress"),
			},
		},
		Metrics: config.MetricsConfig{
			File: v.GetString("metrics.file"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// annotate marks a flag as an override for a configuration key.
func annotate(fs *pflag.FlagSet, flag, key string) {
	if err := fs.SetAnnotation(flag, viperKeyAnnotation, []string{key}); err != nil {
		panic(fmt.Sprintf("flag %s: %v", flag, err))
	}
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
}
