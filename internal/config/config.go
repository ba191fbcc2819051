// Package config loads defcal settings from defaults, an optional
// defcal.yaml, DEFCAL_* environment variables and runtime overrides, in
// increasing order of precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/defcal/pkg/events"
	"github.com/3leaps/defcal/pkg/runner"
)

const (
	// EnvPrefix prefixes every environment variable.
	EnvPrefix = "DEFCAL"

	// ConfigName is the config file base name (defcal.yaml).
	ConfigName = "defcal"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the resolved application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Runner  RunnerConfig  `mapstructure:"runner"`
	Output  OutputConfig  `mapstructure:"output"`
	Harvest HarvestConfig `mapstructure:"harvest"`
}

// ServerConfig configures the status API.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// LedgerRoot is the batch directory whose job records are served.
	LedgerRoot string `mapstructure:"ledger_root"`
}

type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level"`

	// Format is console or json.
	Format string `mapstructure:"format"`
}

// RunnerConfig holds defaults for run and sweep.
type RunnerConfig struct {
	Command     string        `mapstructure:"command"`
	Args        []string      `mapstructure:"args"`
	Parallelism int           `mapstructure:"parallelism"`
	JobTimeout  time.Duration `mapstructure:"job_timeout"`
	KillGrace   time.Duration `mapstructure:"kill_grace"`
	LaunchRate  float64       `mapstructure:"launch_rate"`
	Resume      string        `mapstructure:"resume"`
}

type OutputConfig struct {
	// Destination is stdout or file:<path>.
	Destination string `mapstructure:"destination"`
	NATSURL     string `mapstructure:"nats_url"`
	NATSPrefix  string `mapstructure:"nats_prefix"`
}

type HarvestConfig struct {
	// Database is the SQLite file harvests are stored in. Empty disables
	// storage.
	Database string `mapstructure:"database"`
}

// SetDefaults registers every key with its default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.ledger_root", ".")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	def := runner.DefaultConfig()
	v.SetDefault("runner.command", "")
	v.SetDefault("runner.args", []string{})
	v.SetDefault("runner.parallelism", def.Parallelism)
	v.SetDefault("runner.job_timeout", "0s")
	v.SetDefault("runner.kill_grace", def.KillGrace.String())
	v.SetDefault("runner.launch_rate", 0.0)
	v.SetDefault("runner.resume", string(def.Resume))

	v.SetDefault("output.destination", "stdout")
	v.SetDefault("output.nats_url", "")
	v.SetDefault("output.nats_prefix", events.DefaultPrefix)

	v.SetDefault("harvest.database", "")
}

// EnvSpec maps a short environment variable to a config key. Every key
// is also reachable as DEFCAL_<SECTION>_<KEY>.
type EnvSpec struct {
	Name string
	Key  string
}

func getEnvSpecs() []EnvSpec {
	short := []struct{ name, key string }{
		{"HOST", "server.host"},
		{"PORT", "server.port"},
		{"READ_TIMEOUT", "server.read_timeout"},
		{"WRITE_TIMEOUT", "server.write_timeout"},
		{"IDLE_TIMEOUT", "server.idle_timeout"},
		{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{"LEDGER_ROOT", "server.ledger_root"},
		{"LOG_LEVEL", "logging.level"},
		{"LOG_FORMAT", "logging.format"},
		{"COMMAND", "runner.command"},
		{"PARALLELISM", "runner.parallelism"},
		{"JOB_TIMEOUT", "runner.job_timeout"},
		{"KILL_GRACE", "runner.kill_grace"},
		{"LAUNCH_RATE", "runner.launch_rate"},
		{"RESUME", "runner.resume"},
		{"OUTPUT", "output.destination"},
		{"NATS_URL", "output.nats_url"},
		{"NATS_PREFIX", "output.nats_prefix"},
		{"HARVEST_DB", "harvest.database"},
	}
	specs := make([]EnvSpec, len(short))
	for i, s := range short {
		specs[i] = EnvSpec{Name: EnvPrefix + "_" + s.name, Key: s.key}
	}
	return specs
}

var (
	mu         sync.RWMutex
	current    *Config
	configFile string
)

// SetConfigFile pins the config file instead of searching for
// defcal.yaml. An empty path restores the search.
func SetConfigFile(path string) {
	mu.Lock()
	defer mu.Unlock()
	configFile = path
}

// GetConfig returns the configuration from the last successful Load, or
// nil.
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Load resolves the configuration. Each overrides map is nested like the
// config file ({"server": {"port": 9000}}) and wins over every other
// source.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Key, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mu.Lock()
	current = &cfg
	mu.Unlock()
	return &cfg, nil
}

func readConfigFile(v *viper.Viper) error {
	mu.RLock()
	path := configFile
	mu.RUnlock()
	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName(ConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", ConfigName))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

func (c *Config) normalize() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Runner.Resume = strings.ToLower(strings.TrimSpace(c.Runner.Resume))
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: logging.level %q", ErrInvalidConfig, c.Logging.Level)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("%w: logging.format %q", ErrInvalidConfig, c.Logging.Format)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalidConfig, c.Server.Port)
	}
	if c.Runner.Parallelism < 1 {
		return fmt.Errorf("%w: runner.parallelism must be >= 1", ErrInvalidConfig)
	}
	if c.Runner.JobTimeout < 0 {
		return fmt.Errorf("%w: runner.job_timeout must not be negative", ErrInvalidConfig)
	}
	if _, err := runner.ParseResumePolicy(c.Runner.Resume); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// RunnerConfig converts the runner section. Command and Args are left for
// the caller when the config holds none.
func (c *Config) RunnerConfig() runner.Config {
	resume, _ := runner.ParseResumePolicy(c.Runner.Resume)
	return runner.Config{
		Command:     c.Runner.Command,
		Args:        append([]string(nil), c.Runner.Args...),
		Parallelism: c.Runner.Parallelism,
		JobTimeout:  c.Runner.JobTimeout,
		KillGrace:   c.Runner.KillGrace,
		LaunchRate:  c.Runner.LaunchRate,
		Resume:      resume,
	}
}
