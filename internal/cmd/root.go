// Package cmd implements the defcal command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/defcal/internal/config"
	"github.com/3leaps/defcal/internal/observability"
	"github.com/3leaps/defcal/internal/server/handlers"
)

// AppIdentity names the binary and its configuration surface.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

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
	appIdentity *AppIdentity

	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "defcal",
	Short: "Batch driver for defect calculations",
	Long: `defcal extracts quantities from electronic-structure reports, runs
batches of simulation jobs in parallel, and generates convergence sweeps.

Every job directory carries a job.json ledger record, so batches can be
inspected (defcal jobs), resumed (--resume skip-succeeded) and harvested
(defcal harvest) after the fact.

Configuration is read from defcal.yaml (current directory or
$HOME/.config/defcal), DEFCAL_* environment variables and flags.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initApp,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./defcal.yaml or $HOME/.config/defcal/defcal.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// SetVersionInfo records build metadata, typically from ldflags.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity set during startup, or nil before.
func GetAppIdentity() *AppIdentity {
	return appIdentity
}

// setDefaults registers configuration defaults on the global viper
// instance.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

func initApp(cmd *cobra.Command, _ []string) error {
	appIdentity = &AppIdentity{
		BinaryName: "defcal",
		EnvPrefix:  config.EnvPrefix,
		ConfigName: config.ConfigName,
	}
	setDefaults()

	config.SetConfigFile(cfgFile)
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	observability.InitCLILogger(appIdentity.BinaryName, verbose || cfg.Logging.Level == "debug")
	observability.CLILogger.Debug("Configuration loaded",
		zap.String("version", versionInfo.Version),
		zap.Int("parallelism", cfg.Runner.Parallelism),
		zap.String("resume", cfg.Runner.Resume))
	return nil
}

// appConfig returns the loaded configuration. Commands run through
// rootCmd always have one; direct calls in tests fall back to defaults.
func appConfig(ctx context.Context) *config.Config {
	if cfg := config.GetConfig(); cfg != nil {
		return cfg
	}
	cfg, err := config.Load(ctx)
	if err != nil {
		return &config.Config{}
	}
	return cfg
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	return exitCode(err)
}

// cliError carries the exit code a command failed with.
type cliError struct {
	code    int
	message string
	err     error
}

func (e *cliError) Error() string {
	if e.err == nil {
		return e.message
	}
	return fmt.Sprintf("%s: %v", e.message, e.err)
}

func (e *cliError) Unwrap() error {
	return e.err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &cliError{code: code, message: message, err: err}
}

// exitJobsFailed is returned when a batch completed but some jobs failed.
const exitJobsFailed = 1

func exitCode(err error) int {
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return 1
}
