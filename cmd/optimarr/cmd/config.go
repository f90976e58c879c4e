package cmd

import (
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/jmylchreest/optimarr/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing optimarr configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

This shows all available configuration options with their default values.
You can redirect this output to a file to create a configuration template:

  optimarr config dump > optimarr.yaml

With --effective the configuration actually in use is shown instead, after the
config file, environment variables and flags have been applied.

Environment variables use the OPTIMARR_ prefix and underscores for nesting.
Example: watch.poll_interval -> OPTIMARR_WATCH_POLL_INTERVAL`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
	configDumpCmd.Flags().Bool("effective", false, "dump the loaded configuration instead of the defaults")
}

// toMap converts a config struct to a map keyed by mapstructure tags, formatting durations
// for human readability.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Name
		}

		switch v := field.Interface().(type) {
		case time.Duration:
			result[key] = v.String()
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	effective, _ := cmd.Flags().GetBool("effective")

	var (
		cfg *config.Config
		err error
	)
	if effective {
		cfg, err = loadConfig()
	} else {
		cfg, err = config.Load("")
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	return writeConfig(cmd.OutOrStdout(), cfg, effective)
}

func writeConfig(w io.Writer, cfg *config.Config, effective bool) error {
	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Fprintln(w, "# optimarr Configuration File")
	fmt.Fprintln(w, "# ===========================")
	fmt.Fprintln(w, "#")
	if effective {
		fmt.Fprintln(w, "# Values below are the configuration currently in effect.")
	} else {
		fmt.Fprintln(w, "# All values shown below are defaults.")
	}
	fmt.Fprintln(w, "# Duration format: 30s, 5m, 1h")
	fmt.Fprintln(w, "# Size format: 500MB, 1GB")
	fmt.Fprintln(w, "# Relative outcome roots resolve against the working directory.")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# Environment variable overrides:")
	fmt.Fprintln(w, "#   OPTIMARR_WATCH_SOURCE_ROOT, OPTIMARR_WATCH_POLL_INTERVAL")
	fmt.Fprintln(w, "#   OPTIMARR_FFMPEG_BINARY_PATH, OPTIMARR_FFMPEG_CRF")
	fmt.Fprintln(w, "#   OPTIMARR_JOURNAL_ENABLED, OPTIMARR_JOURNAL_DSN")
	fmt.Fprintln(w, "#   OPTIMARR_LOGGING_LEVEL, OPTIMARR_LOGGING_FORMAT")
	fmt.Fprintln(w, "#   etc.")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w)
	_, err = w.Write(yamlData)
	return err
}
