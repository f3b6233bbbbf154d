// Package main implements the indexmirrord daemon that mirrors a
// package-index git repository and serves it over HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/indexmirror/indexmirrord/internal/git"
	"github.com/indexmirror/indexmirrord/internal/mirror"
)

const (
	defaultConfigPath = "/etc/indexmirrord/config.toml"
)

var (
	// Build information - can be set via build flags
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "indexmirrord",
	Short: "Mirror a package-index git repository and serve it over HTTP",
	Long: `indexmirrord keeps a local mirror of a sparse-index repository (such as the
crates.io index) up to date on a fixed interval and serves the per-package
metadata files to package-manager clients over HTTP.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the mirror daemon",
	Long: `Serve clones the configured index repository if no local copy exists,
starts the periodic refresh scheduler, and serves the mirrored files over
HTTP until the process is terminated.

Usage:
  # Run with the default configuration file
  indexmirrord serve

  # Use a custom configuration file
  indexmirrord serve --config /path/to/config.toml

  # Override the log level
  indexmirrord serve --log-level debug`,
	RunE: runServe,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize the mirror once and exit",
	Long: `Sync performs a single acquisition and refresh of the configured index
repository without starting the HTTP server. Useful for seeding the mirror
before first start or for cron-driven setups.`,
	RunE: runSync,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long:  `Validate the configuration file and report any issues.`,
	RunE:  runValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information including build details",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("indexmirrord %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")
}

// formatError returns a human-friendly error message, optionally with stack trace
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err)
	}

	flattened := errors.FlattenDetails(err)
	if flattened != "" {
		return flattened
	}

	return err.Error()
}

// loadConfig decodes and validates the TOML configuration and applies the
// log settings.
func loadConfig() (*mirror.Config, error) {
	config := mirror.NewConfig()
	meta, err := toml.DecodeFile(configPath, config)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Error("configuration file not found", "path", configPath)
			slog.Info("Please create a configuration file at the default location or specify one with the --config flag.")
			return nil, err
		}
		return nil, errors.Wrap(err, "decode "+configPath)
	}

	// Undecoded keys usually mean a misspelled section or option.
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Newf("unknown configuration keys in %s: %v", configPath, undecoded)
	}

	if err := config.Log.Apply(); err != nil {
		return nil, errors.Wrap(err, "log config")
	}

	if logLevel != "" {
		config.Log.Level = logLevel
		if err := config.Log.Apply(); err != nil {
			return nil, errors.Wrap(err, "command-line log level")
		}
	}

	if err := config.Check(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return config, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, _ []string) error {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config, err := loadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", formatError(err, verboseErrors))
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := mirror.Run(ctx, config); err != nil {
		slog.Error("daemon failed", "error", formatError(err, verboseErrors))
		if !verboseErrors {
			slog.Info("run with --verbose-errors for detailed stack traces")
		}
		return err
	}
	return nil
}

func runSync(cmd *cobra.Command, _ []string) error {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config, err := loadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", formatError(err, verboseErrors))
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	client := git.NewClient(config.Auth.SSHKeyPath)
	m := mirror.New(config, client)

	if err := m.Init(ctx); err != nil {
		slog.Error("acquisition failed", "error", formatError(err, verboseErrors))
		return err
	}
	if err := m.Refresh(ctx); err != nil {
		slog.Error("refresh failed", "error", formatError(err, verboseErrors))
		return err
	}

	state := m.Current()
	slog.Info("mirror synchronized", "revision", state.Revision, "root", state.RootPath)
	return nil
}

func runValidate(cmd *cobra.Command, _ []string) error {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	if _, err := loadConfig(); err != nil {
		slog.Error("the toml configuration file is not valid", "error", formatError(err, verboseErrors))
		return err
	}

	slog.Info("the toml configuration file passes validation checks")
	return nil
}

func main() {
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
