package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/defcal/internal/config"
	"github.com/3leaps/defcal/internal/observability"
	"github.com/3leaps/defcal/pkg/events"
	"github.com/3leaps/defcal/pkg/harvest"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Checks the Go runtime, the config directory, the simulation command from
runner.command, the results database driver and, when output.nats_url is
set, the NATS server.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type doctorCheck struct {
	name string
	run  func(ctx context.Context, cfg *config.Config) (string, error)
}

var doctorChecks = []doctorCheck{
	{name: "Go version", run: checkGoVersion},
	{name: "config directory", run: checkConfigDir},
	{name: "simulation command", run: checkSimulationCommand},
	{name: "results database", run: checkResultsDatabase},
	{name: "NATS", run: checkNATS},
}

// errSkipped marks a check that does not apply to the current config.
var errSkipped = errors.New("skipped")

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := appConfig(ctx)
	log := observability.CLILogger

	bannerName := "doctor"
	if identity := GetAppIdentity(); identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	log.Info("=== " + bannerName + " ===")
	log.Info("Running diagnostic checks...")

	failed := 0
	for i, check := range doctorChecks {
		prefix := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(doctorChecks), check.name)
		detail, err := check.run(ctx, cfg)
		switch {
		case errors.Is(err, errSkipped):
			log.Info(prefix+" skipped", zap.String("reason", detail))
		case err != nil:
			failed++
			log.Error(prefix+" failed", zap.Error(err))
		default:
			log.Info(prefix+" ok", zap.String("detail", detail))
		}
	}

	if failed > 0 {
		log.Warn("Some checks failed. Review the output above for details.")
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed",
			fmt.Errorf("%d of %d checks failed", failed, len(doctorChecks)))
	}
	log.Info(fmt.Sprintf("All checks passed. Your %s installation is healthy.", bannerName))
	return nil
}

func checkGoVersion(context.Context, *config.Config) (string, error) {
	v := runtime.Version()
	return fmt.Sprintf("%s %s/%s", v, runtime.GOOS, runtime.GOARCH), nil
}

func checkConfigDir(context.Context, *config.Config) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot find config directory: %w", err)
	}
	return dir, nil
}

func checkSimulationCommand(_ context.Context, cfg *config.Config) (string, error) {
	if cfg.Runner.Command == "" {
		return "runner.command not set; pass the command to run after --", errSkipped
	}
	path, err := exec.LookPath(cfg.Runner.Command)
	if err != nil {
		return "", fmt.Errorf("%s not found on PATH: %w", cfg.Runner.Command, err)
	}
	return path, nil
}

func checkResultsDatabase(ctx context.Context, _ *config.Config) (string, error) {
	store, err := harvest.Open(ctx, ":memory:")
	if err != nil {
		return "", err
	}
	defer func() { _ = store.Close() }()

	var version string
	if err := store.DB().QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&version); err != nil {
		return "", fmt.Errorf("query sqlite version: %w", err)
	}
	return "sqlite " + version, nil
}

func checkNATS(ctx context.Context, cfg *config.Config) (string, error) {
	if cfg.Output.NATSURL == "" {
		return "output.nats_url not set", errSkipped
	}
	done := make(chan error, 1)
	go func() {
		pub, err := events.Connect(cfg.Output.NATSURL, cfg.Output.NATSPrefix, "doctor")
		if err == nil {
			_ = pub.Close()
		}
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return "", err
		}
		return cfg.Output.NATSURL, nil
	case <-time.After(5 * time.Second):
		return "", fmt.Errorf("timed out connecting to %s", cfg.Output.NATSURL)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
