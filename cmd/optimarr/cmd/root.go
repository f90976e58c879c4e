// Package cmd implements the CLI commands for optimarr.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jmylchreest/optimarr/internal/config"
	"github.com/jmylchreest/optimarr/internal/observability"
	"github.com/jmylchreest/optimarr/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// cfgFile holds the config file path from CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "optimarr",
	Short:   "Drop-folder video optimizer",
	Version: version.Short(),
	Long: `optimarr watches a directory tree for video files, re-encodes each one with
ffmpeg and sorts originals and outputs into outcome directories:

  optimized           encodes that came out smaller than their original
  done                originals of those encodes
  optimized-bad       encodes that came out larger
  optimized-original  originals of those encodes
  errored             originals that could not be encoded

Partially written encodes live in in-progress until they are finished.`,
	SilenceUsage: true,
	// PersistentPreRunE is set in init() to avoid initialization cycle
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	// Global flags are not bound to viper; they override config/env only when Changed().
	// This keeps the priority CLI flag > env var > config > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./optimarr.yaml, $HOME/.optimarr/optimarr.yaml or /etc/optimarr/optimarr.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home + "/.optimarr")
		}
		viper.AddConfigPath("/etc/optimarr")
		viper.SetConfigType("yaml")
		viper.SetConfigName("optimarr")
	}

	config.BindEnv(viper.GetViper())

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		fmt.Fprintln(os.Stderr, "Error reading config file:", err)
	}
}

// initLogging installs the default slog logger.
//
// Priority order (highest to lowest):
//  1. CLI flags (--log-level, --log-format) - only if explicitly provided
//  2. Environment variables (OPTIMARR_LOGGING_LEVEL, OPTIMARR_LOGGING_FORMAT)
//  3. Config file values
//  4. Built-in defaults (info, text)
func initLogging() error {
	logCfg := config.LoggingConfig{
		Level:      viper.GetString("logging.level"),
		Format:     viper.GetString("logging.format"),
		AddSource:  viper.GetBool("logging.add_source"),
		TimeFormat: viper.GetString("logging.time_format"),
	}
	applyLoggingFlags(rootCmd.PersistentFlags(), &logCfg)

	slog.SetDefault(observability.NewLoggerWithWriter(logCfg, os.Stderr))
	return nil
}

// applyLoggingFlags overrides level and format with explicitly set flags.
func applyLoggingFlags(flags *pflag.FlagSet, logCfg *config.LoggingConfig) {
	if flags.Changed("log-level") {
		logCfg.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		logCfg.Format, _ = flags.GetString("log-format")
	}

	logCfg.Level = strings.ToLower(logCfg.Level)
	if logCfg.Level == "" {
		logCfg.Level = "info"
	}
	if logCfg.Level == "warning" {
		logCfg.Level = "warn"
	}
	logCfg.Format = strings.ToLower(logCfg.Format)
	if logCfg.Format == "" {
		logCfg.Format = "text"
	}
}

// loadConfig builds the validated configuration with explicitly set flags applied on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return nil, err
	}
	applyLoggingFlags(rootCmd.PersistentFlags(), &cfg.Logging)
	return cfg, cfg.Validate()
}
