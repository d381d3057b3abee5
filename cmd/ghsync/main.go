package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/steveyegge/ghsync/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// annotationWritesConfig marks commands that create the config file.
const annotationWritesConfig = "writes-config"

var (
	// v collects flag overrides before the config file and env are layered in.
	v       = viper.New()
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "ghsync",
	Short: "Offline-first browser for GitHub users",
	Long: `ghsync browses GitHub users with a local cache.

Every command shows cached data first and then refreshes it from the
GitHub API. When the network is down, cached pages and profiles stay
available and notes can still be written.

Configuration is read from ~/.ghsync/config.toml, GHSYNC_* environment
variables and flags, in that order of precedence (flags win).`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if cmd.Annotations[annotationWritesConfig] != "" {
			// The file named by --config may not exist yet.
			path = ""
		}
		loaded, err := config.LoadWith(v, path)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "browse", Title: "Browsing:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (default ~/.ghsync/config.toml)")
	flags.String("data-dir", "", "Directory for the cache database and blobs")
	flags.String("base-url", "", "GitHub API base URL")
	flags.String("log-file", "", "Write logs to a rotating file instead of stderr")
	flags.BoolP("verbose", "v", false, "Log every network attempt")

	_ = v.BindPFlag("data_dir", flags.Lookup("data-dir"))
	_ = v.BindPFlag("base_url", flags.Lookup("base-url"))
	_ = v.BindPFlag("log.file", flags.Lookup("log-file"))
	_ = v.BindPFlag("log.verbose", flags.Lookup("verbose"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
