// Package cli contains the speedyreader commands.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/bryan-buckman/speedyreader/internal/config"
	"github.com/bryan-buckman/speedyreader/internal/logger"
)

var (
	cfgFile string
	verbose bool
	cfg     *config.Config
	log     *slog.Logger
	version = "dev"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "speedyreader",
	Short: "Feed reader with a local article cache",
	Long: `speedyreader keeps a local cache of your RSS and Atom subscriptions.

Feeds are refreshed in the background, read articles can be summarized
and bookmarked, and the cache is pruned by age.

Example usage:
  speedyreader serve                      # Run the HTTP API and background refresh
  speedyreader add https://example.com    # Subscribe to a site's feed
  speedyreader refresh --clear            # Drop cached articles and refetch
  speedyreader articles 20                # Show the 20 newest articles`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string for the CLI
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/speedy-reader/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// initConfig writes a default config on first run, then loads it.
func initConfig() error {
	path := cfgFile
	if path == "" {
		path = config.DefaultPath()
	}
	created, err := config.WriteDefault(path)
	if err != nil {
		return err
	}

	cfg, err = config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	level := cfg.LogLevel
	if verbose {
		level = "debug"
	}
	log = logger.New(level, cfg.LogFormat, os.Stderr)
	slog.SetDefault(log)

	if created {
		log.Info("wrote default config", "path", path)
	}
	log.Debug("configuration loaded",
		"path", path,
		"db_path", cfg.DBPath,
		"postgres", cfg.DatabaseURL != "",
		"refresh_interval_minutes", cfg.RefreshIntervalMinutes,
	)
	return nil
}
