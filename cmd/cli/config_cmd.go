package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/reconpipe/internal/config"
	"github.com/anstrom/reconpipe/internal/errors"
)

const defaultConfigFile = defaultConfigName + ".yaml"

func newConfigCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create, check and show configuration files",
	}

	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a configuration file with the default settings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPathArg(args)
			force, err := cmd.Flags().GetBool("force")
			if err != nil {
				return exitErr(err)
			}
			if _, err := os.Stat(path); err == nil && !force {
				return exitErr(errors.NewConfigFieldError(errors.CodeConfiguration,
					fmt.Sprintf("%s already exists, use --force to overwrite", path), "path", path))
			}
			if err := config.Default().Save(path); err != nil {
				return exitErr(errors.WrapConfigError(errors.CodeConfiguration, "failed to write config", err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().Bool("force", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Check a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPathArg(args)
			if _, err := os.Stat(path); err != nil {
				return exitErr(errors.ErrPathNotFound("config", path))
			}
			if _, err := config.Load(path); err != nil {
				return exitErr(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", path)
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults, the config file, RECONPIPE_*
environment variables and flags have been merged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := yaml.Marshal(a.cfg)
			if err != nil {
				return exitErr(errors.WrapConfigError(errors.CodeConfiguration, "failed to encode config", err))
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.AddCommand(initCmd, validateCmd, showCmd)
	return cmd
}

func configPathArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return defaultConfigFile
}
