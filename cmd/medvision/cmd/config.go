package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/MeKo-Tech/medvision/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// configCmd groups configuration helpers.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `Create and inspect medvision configuration.

Configuration is read from medvision.yaml in the search paths, from
MEDVISION_* environment variables (a .env file in the working directory is
loaded first) and from command-line flags, in increasing precedence.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init [file]",
	Short: "Write a configuration file with the default settings",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filename := config.ConfigFileName + ".yaml"
		if len(args) == 1 {
			filename = args[0]
		}
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(filename); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", filename)
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err := config.GenerateDefaultConfigFile(filename); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", filename)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		GetConfigLoader().PrintConfigInfo(out)
		_, _ = fmt.Fprintln(out)

		data, err := yaml.Marshal(redacted(*GetConfig()))
		if err != nil {
			return fmt.Errorf("failed to encode configuration: %w", err)
		}
		_, err = out.Write(data)
		return err
	},
}

// redacted masks credentials before the configuration is printed.
func redacted(cfg config.Config) config.Config {
	for _, secret := range []*string{
		&cfg.Artifacts.Redis.Password,
		&cfg.Artifacts.S3.AccessKeyID,
		&cfg.Artifacts.S3.SecretAccessKey,
		&cfg.Reports.DSN,
	} {
		if *secret != "" {
			*secret = "***"
		}
	}
	return cfg
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd)
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
}
