// Package config provides configuration management for optimarr using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "OPTIMARR"

// Default configuration values.
const (
	defaultSourceRoot      = "./to-convert"
	defaultPollInterval    = 10 * time.Second
	defaultPreset          = "veryslow"
	defaultCRF             = 26
	defaultAudioBitrate    = "128k"
	defaultVideoCodec      = "libx265"
	defaultAudioCodec      = "aac"
	defaultMovFlags        = "+faststart"
	defaultOutputExtension = ".mp4"
	defaultMaxHeight       = 1080
	defaultMinFreeSpace    = "1GB"
)

// DefaultVideoExtensions is the set of extensions treated as video input.
var DefaultVideoExtensions = []string{".mp4", ".avi", ".mkv", ".mov", ".flv", ".wmv", ".mpeg", ".mpg", ".m4v"}

// Config holds all configuration for the application.
type Config struct {
	Watch    WatchConfig    `mapstructure:"watch"`
	Layout   LayoutConfig   `mapstructure:"layout"`
	FFmpeg   FFmpegConfig   `mapstructure:"ffmpeg"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Progress ProgressConfig `mapstructure:"progress"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Startup  StartupConfig  `mapstructure:"startup"`
}

// WatchConfig controls discovery of input files.
type WatchConfig struct {
	SourceRoot   string        `mapstructure:"source_root"`
	Extensions   []string      `mapstructure:"extensions"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ReverseOrder bool          `mapstructure:"reverse_order"`
	Notify       bool          `mapstructure:"notify"` // wake the idle sleep on filesystem events
}

// LayoutConfig names the outcome trees. Relative roots resolve against the working directory.
type LayoutConfig struct {
	OutputRoot            string `mapstructure:"output_root"`
	ErroredRoot           string `mapstructure:"errored_root"`
	InProgressRoot        string `mapstructure:"in_progress_root"`
	DoneRoot              string `mapstructure:"done_root"`
	OptimizedBadRoot      string `mapstructure:"optimized_bad_root"`
	OptimizedOriginalRoot string `mapstructure:"optimized_original_root"`
}

// FFmpegConfig holds transcoder binaries and encode parameters.
type FFmpegConfig struct {
	BinaryPath      string `mapstructure:"binary_path"` // empty = auto-detect
	ProbePath       string `mapstructure:"probe_path"`  // empty = auto-detect
	Preset          string `mapstructure:"preset"`
	CRF             int    `mapstructure:"crf"`
	AudioBitrate    string `mapstructure:"audio_bitrate"`
	VideoCodec      string `mapstructure:"video_codec"`
	AudioCodec      string `mapstructure:"audio_codec"`
	MovFlags        string `mapstructure:"movflags"`
	OutputExtension string `mapstructure:"output_extension"`
	MaxHeight       int    `mapstructure:"max_height"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level        string `mapstructure:"level"`  // debug, info, warn, error
	Format       string `mapstructure:"format"` // json, text
	AddSource    bool   `mapstructure:"add_source"`
	TimeFormat   string `mapstructure:"time_format"`
	ShortenPaths bool   `mapstructure:"shorten_paths"`
}

// ProgressConfig controls terminal progress bars.
type ProgressConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// JournalConfig holds the optional outcome journal database.
type JournalConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Driver   string `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN      string `mapstructure:"dsn"`
	LogLevel string `mapstructure:"log_level"` // silent, error, warn, info
}

// MetricsConfig holds the prometheus textfile export.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"` // empty = disabled
}

// StartupConfig holds tasks run before the first scan.
type StartupConfig struct {
	CleanStaging bool   `mapstructure:"clean_staging"`
	MinFreeSpace string `mapstructure:"min_free_space"` // e.g. "1GB"; "0" disables the warning
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with OPTIMARR_ and use underscores for nesting.
// Example: OPTIMARR_WATCH_POLL_INTERVAL=30s.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("optimarr")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.optimarr")
		v.AddConfigPath("/etc/optimarr")
	}

	BindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return FromViper(v)
}

// BindEnv configures v to read OPTIMARR_ prefixed environment variables.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// FromViper unmarshals and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("watch.source_root", defaultSourceRoot)
	v.SetDefault("watch.extensions", DefaultVideoExtensions)
	v.SetDefault("watch.poll_interval", defaultPollInterval)
	v.SetDefault("watch.reverse_order", false)
	v.SetDefault("watch.notify", true)

	v.SetDefault("layout.output_root", "optimized")
	v.SetDefault("layout.errored_root", "errored")
	v.SetDefault("layout.in_progress_root", "in-progress")
	v.SetDefault("layout.done_root", "done")
	v.SetDefault("layout.optimized_bad_root", "optimized-bad")
	v.SetDefault("layout.optimized_original_root", "optimized-original")

	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")
	v.SetDefault("ffmpeg.preset", defaultPreset)
	v.SetDefault("ffmpeg.crf", defaultCRF)
	v.SetDefault("ffmpeg.audio_bitrate", defaultAudioBitrate)
	v.SetDefault("ffmpeg.video_codec", defaultVideoCodec)
	v.SetDefault("ffmpeg.audio_codec", defaultAudioCodec)
	v.SetDefault("ffmpeg.movflags", defaultMovFlags)
	v.SetDefault("ffmpeg.output_extension", defaultOutputExtension)
	v.SetDefault("ffmpeg.max_height", defaultMaxHeight)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
	v.SetDefault("logging.shorten_paths", true)

	v.SetDefault("progress.enabled", true)

	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.driver", "sqlite")
	v.SetDefault("journal.dsn", "optimarr.db")
	v.SetDefault("journal.log_level", "warn")

	v.SetDefault("metrics.textfile", "")

	v.SetDefault("startup.clean_staging", true)
	v.SetDefault("startup.min_free_space", defaultMinFreeSpace)
}

// normalize lowercases enumerations and extensions so Validate and the classifier see one spelling.
func (c *Config) normalize() {
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	if c.Logging.Level == "warning" {
		c.Logging.Level = "warn"
	}
	c.Logging.Format = strings.ToLower(c.Logging.Format)
	c.Journal.Driver = strings.ToLower(c.Journal.Driver)

	exts := make([]string, 0, len(c.Watch.Extensions))
	for _, ext := range c.Watch.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" {
			exts = append(exts, ext)
		}
	}
	c.Watch.Extensions = exts

	c.FFmpeg.OutputExtension = strings.ToLower(c.FFmpeg.OutputExtension)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Watch.SourceRoot == "" {
		return fmt.Errorf("watch.source_root is required")
	}
	if c.Watch.PollInterval <= 0 {
		return fmt.Errorf("watch.poll_interval must be positive")
	}
	if len(c.Watch.Extensions) == 0 {
		return fmt.Errorf("watch.extensions must not be empty")
	}
	for _, ext := range c.Watch.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("watch.extensions entry %q must start with '.'", ext)
		}
	}

	seen := make(map[string]string)
	for key, root := range c.Layout.Roots() {
		if root == "" {
			return fmt.Errorf("layout.%s is required", key)
		}
		name := filepath.Base(filepath.Clean(root))
		if other, dup := seen[name]; dup {
			return fmt.Errorf("layout.%s and layout.%s share the directory name %q", key, other, name)
		}
		seen[name] = key
	}

	if !strings.HasPrefix(c.FFmpeg.OutputExtension, ".") {
		return fmt.Errorf("ffmpeg.output_extension must start with '.'")
	}
	if c.FFmpeg.MaxHeight < 0 {
		return fmt.Errorf("ffmpeg.max_height must not be negative")
	}
	if c.FFmpeg.CRF < 0 || c.FFmpeg.CRF > 51 {
		return fmt.Errorf("ffmpeg.crf must be between 0 and 51")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Journal.Enabled {
		validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
		if !validDrivers[c.Journal.Driver] {
			return fmt.Errorf("journal.driver must be one of: sqlite, postgres, mysql")
		}
		if c.Journal.DSN == "" {
			return fmt.Errorf("journal.dsn is required when the journal is enabled")
		}
	}

	if _, err := c.Startup.MinFreeSpaceBytes(); err != nil {
		return fmt.Errorf("startup.min_free_space: %w", err)
	}

	return nil
}

// Roots returns every outcome root keyed by its config key.
func (c *LayoutConfig) Roots() map[string]string {
	return map[string]string{
		"output_root":             c.OutputRoot,
		"errored_root":            c.ErroredRoot,
		"in_progress_root":        c.InProgressRoot,
		"done_root":               c.DoneRoot,
		"optimized_bad_root":      c.OptimizedBadRoot,
		"optimized_original_root": c.OptimizedOriginalRoot,
	}
}

// MinFreeSpaceBytes parses MinFreeSpace. An empty value means no threshold.
func (c *StartupConfig) MinFreeSpaceBytes() (uint64, error) {
	if strings.TrimSpace(c.MinFreeSpace) == "" {
		return 0, nil
	}
	return humanize.ParseBytes(c.MinFreeSpace)
}
