// Package cmd implements the gofleet command line.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/gofleet/internal/config"
	apperrors "github.com/3leaps/gofleet/internal/errors"
	"github.com/3leaps/gofleet/internal/observability"
	"github.com/3leaps/gofleet/internal/server/handlers"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	cfgFile     string
	appIdentity *config.Identity
)

var rootCmd = &cobra.Command{
	Use:   "gofleet",
	Short: "Deployment director for fleets of VMs",
	Long: `gofleet reconciles deployments of VMs against their manifests.

Work is queued as tasks and executed by workers; the HTTP API and the
task, deploy, errand and cleanup commands all go through the same queue.

Examples:
  gofleet serve                       # API, workers and scheduled cleanup
  gofleet deploy manifest.yml         # queue a deploy
  gofleet tasks --state processing    # list running tasks`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: gofleet.yaml in the project root or user config dir)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug | info | warn | error")
	rootCmd.PersistentFlags().String("log-profile", "", "log profile: structured | console")
	setDefaults()
}

// SetVersionInfo records build metadata for the version command and the
// /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity loaded by the root command, or nil
// before any command ran.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

// setDefaults mirrors the config defaults onto the global viper so flag
// help and doctor output show them.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

func initConfig(cmd *cobra.Command, _ []string) error {
	if cfgFile != "" {
		if err := os.Setenv(config.DefaultIdentity.EnvPrefix+"_CONFIG", cfgFile); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --config value", err)
		}
	}

	overrides := map[string]any{}
	logging := map[string]any{}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		logging["level"] = strings.ToLower(v)
	}
	if v, _ := cmd.Flags().GetString("log-profile"); v != "" {
		logging["profile"] = v
	}
	if len(logging) > 0 {
		overrides["logging"] = logging
	}

	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	appIdentity = config.GetIdentity()

	if err := observability.InitCLILogger(cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	return nil
}

// Execute runs the root command and exits with the code its error maps to.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		observability.Sync()
		return
	}
	observability.CLILogger.Error("command failed", zap.Error(err))
	observability.Sync()
	// The logger is silent until configuration loaded.
	if !observability.CLILogger.Core().Enabled(zap.ErrorLevel) {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(apperrors.ExitCode(err))
}

// exitError wraps err with the exit code the process should end with.
func exitError(code int, msg string, err error) error {
	return &apperrors.ExitError{Code: code, Message: msg, Err: err}
}

// loadedConfig returns the configuration the root command loaded.
func loadedConfig() *config.Config {
	if cfg := config.GetConfig(); cfg != nil {
		return cfg
	}
	cfg, err := config.Load(context.Background())
	if err != nil {
		observability.CLILogger.Fatal("load configuration", zap.Error(err))
	}
	return cfg
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
