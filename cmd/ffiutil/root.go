package main

import (
	"os"

	"github.com/caffeineduck/ffiutil/internal/config"
	"github.com/caffeineduck/ffiutil/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "ffiutil",
	Short: "Inspect and exercise the ffiutil boundary layer",
	Long: `ffiutil - tooling for the foreign-function boundary layer.

List the stable error codes foreign callers see, run a self-check of the
marshaling, fault containment and callback correlation paths, or run a
WebAssembly guest against the ffiutil host module.

Settings are read from FFIUTIL_* environment variables; flags override them.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("log-dev", false, "Human-readable console logs")
	rootCmd.PersistentFlags().String("text-mode", "", "Text layout: nul or counted (default from FFIUTIL_BUFFER_TEXT_MODE)")
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if _, set := os.LookupEnv(config.Prefix + "_LOG_LEVEL"); !set || flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-dev") {
		cfg.Log.Development, _ = flags.GetBool("log-dev")
	}
	if flags.Changed("text-mode") {
		cfg.Buffer.TextMode, _ = flags.GetString("text-mode")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Log)
}
