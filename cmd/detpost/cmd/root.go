package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/detpost/internal/config"
	"github.com/MeKo-Tech/detpost/internal/version"
)

// skipConfigAnnotation marks commands that must run without loading the
// configuration, such as writing a fresh one.
const skipConfigAnnotation = "detpost/skip-config"

var (
	// Configuration loader used by the current invocation.
	configLoader *config.Loader
	// Configuration resolved by the current invocation.
	globalConfig *config.Config
	// Configuration file path.
	cfgFile string
	// Log output format: json or text.
	logFormat string
)

// flagBindings maps viper keys to flag names. Flags that a command does not
// carry are skipped.
var flagBindings = map[string]string{
	"verbose":              "verbose",
	"log_level":            "log-level",
	"head":                 "head",
	"parallel.max_workers": "workers",
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "detpost",
	Short: "Detection candidate post-processing for RPN and FCOS heads",
	Long: `detpost turns dense detection-head outputs into per-image detections.

It decodes region proposals from anchors and box deltas (RPN) or boxes from
per-location edge distances (FCOS), then applies score thresholds, top-k cuts,
clipping, minimum-size filtering and non-maximum suppression.

Examples:
  detpost run testdata/fixtures/rpn_top2.yaml
  detpost run --head fcos testdata/fixtures/fcos_classes.yaml
  detpost run --train testdata/fixtures/rpn_per_batch.yaml
  detpost config init`,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.Annotations[skipConfigAnnotation] == "true" {
			setupLogging(cmd.ErrOrStderr(), config.DefaultConfig())
			return nil
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		globalConfig = cfg
		setupLogging(cmd.ErrOrStderr(), *cfg)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// GetRootCommand returns the root command for testing purposes.
// This allows tests to execute commands without calling os.Exit().
func GetRootCommand() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is search in ., $HOME, $HOME/.config/detpost, /etc/detpost)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output (equivalent to --log-level=debug)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (json, text)")
	rootCmd.SetVersionTemplate("detpost {{.Version}}\n")
}

// loadConfig resolves the configuration from file, environment and the flags
// of cmd on a fresh viper instance.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	for key, name := range flagBindings {
		if f := lookupFlag(cmd, name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}
	configLoader = config.NewLoaderWithViper(v)

	cfg, err := configLoader.LoadWithFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("error loading configuration: %w", err)
	}
	return cfg, nil
}

func lookupFlag(cmd *cobra.Command, name string) *pflag.Flag {
	if f := cmd.Flags().Lookup(name); f != nil {
		return f
	}
	return cmd.InheritedFlags().Lookup(name)
}

// setupLogging installs the default slog logger on w.
func setupLogging(w io.Writer, cfg config.Config) {
	level := parseLogLevel(cfg.LogLevel)
	if cfg.Verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	switch logFormat {
	case "text":
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
			NoColor:    w != os.Stderr,
		})
	default:
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GetConfig returns the configuration resolved by the last invocation, or the
// defaults when no command ran yet.
func GetConfig() *config.Config {
	if globalConfig == nil {
		cfg := config.DefaultConfig()
		return &cfg
	}
	return globalConfig
}

// GetConfigLoader returns the loader used by the last invocation.
func GetConfigLoader() *config.Loader {
	if configLoader == nil {
		configLoader = config.NewLoaderWithViper(viper.New())
	}
	return configLoader
}
