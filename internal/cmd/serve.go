package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/3leaps/defcal/internal/config"
	"github.com/3leaps/defcal/internal/observability"
	"github.com/3leaps/defcal/internal/server"
	"github.com/3leaps/defcal/internal/server/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the job ledger over HTTP",
	Long: `Start a read-only HTTP API over the job records of a batch.

Endpoints:
  GET /health, /health/live, /health/ready, /health/startup
  GET /version
  GET /jobs[?state=running]
  GET /jobs/{index}`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("root", "", "Batch directory to serve (default: server.ledger_root)")
	serveCmd.Flags().String("host", "", "Listen host (default: server.host)")
	serveCmd.Flags().Int("port", 0, "Listen port (default: server.port)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := appConfig(ctx)

	srvCfg := cfg.Server
	if v, _ := cmd.Flags().GetString("root"); cmd.Flags().Changed("root") {
		srvCfg.LedgerRoot = v
	}
	if v, _ := cmd.Flags().GetString("host"); cmd.Flags().Changed("host") {
		srvCfg.Host = v
	}
	if v, _ := cmd.Flags().GetInt("port"); cmd.Flags().Changed("port") {
		if v < 1 || v > 65535 {
			return exitError(foundry.ExitInvalidArgument, "Invalid --port", fmt.Errorf("port %d out of range", v))
		}
		srvCfg.Port = v
	}

	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	identity := GetAppIdentity()
	if identity == nil {
		identity = &AppIdentity{BinaryName: "defcal", EnvPrefix: config.EnvPrefix, ConfigName: config.ConfigName}
	}
	hm.RegisterChecker("identity", identityHealthChecker{
		binaryName: identity.BinaryName,
		envPrefix:  identity.EnvPrefix,
		configName: identity.ConfigName,
	})
	hm.RegisterChecker("ledger", ledgerHealthChecker{root: srvCfg.LedgerRoot})
	hm.RegisterChecker("signals", signalHealthChecker{})

	log := serverLogger(identity.BinaryName, cfg.Logging)
	defer func() { _ = log.Sync() }()

	srv := server.New(srvCfg.Host, srvCfg.Port,
		server.WithLedgerRoot(srvCfg.LedgerRoot),
		server.WithLogger(log),
		server.WithTimeouts(srvCfg.ReadTimeout, srvCfg.WriteTimeout, srvCfg.IdleTimeout),
	)

	observability.CLILogger.Info("Starting status API",
		zap.String("addr", srv.Addr()),
		zap.String("ledger_root", srvCfg.LedgerRoot))

	if err := srv.Start(ctx, srvCfg.ShutdownTimeout); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	observability.CLILogger.Info("Status API stopped")
	return nil
}

// serverLogger follows logging.format: json gets the production encoder,
// anything else the console one.
func serverLogger(service string, lc config.LoggingConfig) *zap.Logger {
	if lc.Format == "json" {
		return observability.NewServerLogger(service, lc.Level)
	}
	lvl, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	return observability.NewConsoleLogger(service, lvl)
}

// identityHealthChecker fails when the application identity is incomplete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	var missing []string
	if strings.TrimSpace(c.binaryName) == "" {
		missing = append(missing, "missing binary name")
	}
	if strings.TrimSpace(c.envPrefix) == "" {
		missing = append(missing, "missing env prefix")
	}
	if strings.TrimSpace(c.configName) == "" {
		missing = append(missing, "missing config name")
	}
	if len(missing) > 0 {
		return errors.New(strings.Join(missing, "; "))
	}
	return nil
}

// ledgerHealthChecker fails when the served batch directory is gone.
type ledgerHealthChecker struct {
	root string
}

func (c ledgerHealthChecker) CheckHealth(context.Context) error {
	if c.root == "" {
		return errors.New("ledger root not configured")
	}
	info, err := os.Stat(c.root)
	if err != nil {
		return fmt.Errorf("ledger root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("ledger root %s is not a directory", c.root)
	}
	return nil
}

// signalHealthChecker always passes; shutdown is driven by the command
// context.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error {
	return nil
}
