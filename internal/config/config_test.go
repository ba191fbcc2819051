package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/defcal/pkg/runner"
)

// isolate keeps a developer's own defcal.yaml out of the test.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("DEFCAL_CONFIG", "")
	SetConfigFile("")
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolate(t)
		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "console", cfg.Logging.Format)

		assert.Equal(t, 4, cfg.Runner.Parallelism)
		assert.Zero(t, cfg.Runner.JobTimeout)
		assert.Equal(t, 10*time.Second, cfg.Runner.KillGrace)
		assert.Equal(t, "rerun", cfg.Runner.Resume)

		assert.Equal(t, "stdout", cfg.Output.Destination)
		assert.Equal(t, "defcal", cfg.Output.NATSPrefix)
		assert.Empty(t, cfg.Harvest.Database)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolate(t)
		cfg, err := Load(ctx, map[string]any{
			"server":  map[string]any{"port": 9000, "host": "0.0.0.0"},
			"logging": map[string]any{"level": "debug"},
		})
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, 4, cfg.Runner.Parallelism)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("DEFCAL_PORT", "3000")
		t.Setenv("DEFCAL_LOG_LEVEL", "warn")
		t.Setenv("DEFCAL_RUNNER_PARALLELISM", "16")
		t.Setenv("DEFCAL_JOB_TIMEOUT", "6h")
		t.Setenv("DEFCAL_RESUME", "skip-succeeded")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, 16, cfg.Runner.Parallelism)
		assert.Equal(t, 6*time.Hour, cfg.Runner.JobTimeout)
		assert.Equal(t, "skip-succeeded", cfg.Runner.Resume)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		isolate(t)
		t.Setenv("DEFCAL_PORT", "4000")

		cfg, err := Load(ctx, map[string]any{"server": map[string]any{"port": 5000}})
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		isolate(t)
		path := filepath.Join(t.TempDir(), "defcal.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
runner:
  command: vasp_std
  parallelism: 8
  kill_grace: 30s
harvest:
  database: results.db
`), 0644))
		SetConfigFile(path)
		defer SetConfigFile("")
		t.Setenv("DEFCAL_RUNNER_PARALLELISM", "2")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "vasp_std", cfg.Runner.Command)
		assert.Equal(t, 2, cfg.Runner.Parallelism, "env wins over file")
		assert.Equal(t, 30*time.Second, cfg.Runner.KillGrace)
		assert.Equal(t, "results.db", cfg.Harvest.Database)
	})

	t.Run("MissingConfigFile", func(t *testing.T) {
		isolate(t)
		SetConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
		defer SetConfigFile("")

		_, err := Load(ctx)
		assert.Error(t, err)
	})
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  string
		val  string
	}{
		{"resume", "DEFCAL_RESUME", "sometimes"},
		{"parallelism", "DEFCAL_PARALLELISM", "0"},
		{"log level", "DEFCAL_LOG_LEVEL", "chatty"},
		{"port", "DEFCAL_PORT", "70000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			t.Setenv(tt.env, tt.val)
			_, err := Load(context.Background())
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestGetConfig(t *testing.T) {
	isolate(t)
	cfg, err := Load(context.Background())
	require.NoError(t, err)

	got := GetConfig()
	require.NotNil(t, got)
	assert.Equal(t, cfg.Server.Port, got.Server.Port)
	assert.Equal(t, cfg.Logging.Level, got.Logging.Level)
}

func TestEnvSpecs(t *testing.T) {
	names := make(map[string]string)
	for _, spec := range getEnvSpecs() {
		names[spec.Name] = spec.Key
	}

	assert.Equal(t, "logging.level", names["DEFCAL_LOG_LEVEL"])
	assert.Equal(t, "server.port", names["DEFCAL_PORT"])
	assert.Equal(t, "runner.parallelism", names["DEFCAL_PARALLELISM"])
	assert.Equal(t, "output.nats_url", names["DEFCAL_NATS_URL"])

	v := viper.New()
	SetDefaults(v)
	for name, key := range names {
		assert.True(t, v.IsSet(key), "%s maps to unknown key %s", name, key)
	}
}

func TestRunnerConfig(t *testing.T) {
	isolate(t)
	t.Setenv("DEFCAL_RESUME", "skip")
	t.Setenv("DEFCAL_LAUNCH_RATE", "2.5")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	rc := cfg.RunnerConfig()
	assert.Equal(t, runner.ResumeSkipSucceeded, rc.Resume)
	assert.Equal(t, 4, rc.Parallelism)
	assert.Equal(t, 10*time.Second, rc.KillGrace)
	assert.InDelta(t, 2.5, rc.LaunchRate, 1e-9)
}
