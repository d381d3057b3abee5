package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steveyegge/ghsync/internal/config"
	"github.com/steveyegge/ghsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Manage ghsync configuration",
}

var configInitCmd = &cobra.Command{
	Use:         "init",
	Short:       "Write a default config file",
	Annotations: map[string]string{annotationWritesConfig: "true"},
	Long: `Write the default configuration to config.toml in the data directory,
or to the path given by --config.`,
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")

		path := cfgFile
		if path == "" {
			path = filepath.Join(cfg.DataDir, config.FileName)
		}
		if err := config.WriteDefault(path, force); err != nil {
			exitf("%v", err)
		}
		ui.NewPrinter(os.Stdout).Success("wrote %s", path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file, environment
variables and flags are applied. The API token is masked.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := cfg.Redacted().Encode(os.Stdout); err != nil {
			exitf("%v", err)
		}
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing config file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
