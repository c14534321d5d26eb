// Package config loads stepq's TOML configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/stepq/internal/env"
	"github.com/loykin/stepq/internal/logger"
	"github.com/loykin/stepq/internal/plugin"
	"github.com/loykin/stepq/internal/queue"
	"github.com/loykin/stepq/internal/runner"
	itls "github.com/loykin/stepq/internal/tls"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. STEPQ_STORE_DSN.
const EnvPrefix = "STEPQ"

type Config struct {
	Store   StoreConfig     `toml:"store" mapstructure:"store"`
	Queue   QueueConfig     `toml:"queue" mapstructure:"queue"`
	Worker  WorkerConfig    `toml:"worker" mapstructure:"worker"`
	Runner  RunnerConfig    `toml:"runner" mapstructure:"runner"`
	Log     logger.Config   `toml:"log" mapstructure:"log"`
	Metrics MetricsConfig   `toml:"metrics" mapstructure:"metrics"`
	Server  ServerConfig    `toml:"server" mapstructure:"server"`
	History HistoryConfig   `toml:"history" mapstructure:"history"`
	Plugins []plugin.Config `toml:"plugins" mapstructure:"plugins"`
}

type StoreConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type QueueConfig struct {
	Retention time.Duration `toml:"retention" mapstructure:"retention"`
}

// WorkerConfig controls how worker processes are started. An empty
// Executable means the running binary.
type WorkerConfig struct {
	Executable string   `toml:"executable" mapstructure:"executable"`
	Args       []string `toml:"args" mapstructure:"args"`
	Env        []string `toml:"env" mapstructure:"env"`
	EnvFiles   []string `toml:"env_files" mapstructure:"env_files"`
}

type RunnerConfig struct {
	LockDir        string        `toml:"lock_dir" mapstructure:"lock_dir"`
	PluginInterval time.Duration `toml:"plugin_interval" mapstructure:"plugin_interval"`
	PollInterval   time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	PluginClaimTTL time.Duration `toml:"plugin_claim_ttl" mapstructure:"plugin_claim_ttl"`
}

type MetricsConfig struct {
	Listen string `toml:"listen" mapstructure:"listen"`
}

type ServerConfig struct {
	Listen   string      `toml:"listen" mapstructure:"listen"`
	BasePath string      `toml:"base_path" mapstructure:"base_path"`
	TLS      itls.Config `toml:"tls" mapstructure:"tls"`
}

// HistoryConfig lists history sink DSNs (sqlite://, postgres://,
// clickhouse://, opensearch://).
type HistoryConfig struct {
	Sinks []string `toml:"sinks" mapstructure:"sinks"`
}

func Default() Config {
	return Config{
		Store: StoreConfig{DSN: "sqlite://stepq.db"},
		Queue: QueueConfig{Retention: queue.DefaultRetention},
		Runner: RunnerConfig{
			LockDir:        defaultLockDir(),
			PluginInterval: runner.DefaultPluginInterval,
			PollInterval:   runner.DefaultPollInterval,
			PluginClaimTTL: runner.DefaultClaimTTL,
		},
		Log:    logger.Config{Level: "info", Format: "text"},
		Server: ServerConfig{Listen: "127.0.0.1:8080", BasePath: "/api"},
	}
}

func defaultLockDir() string {
	return filepath.Join(os.TempDir(), "stepq")
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("queue.retention", d.Queue.Retention)
	v.SetDefault("worker.executable", d.Worker.Executable)
	v.SetDefault("runner.lock_dir", d.Runner.LockDir)
	v.SetDefault("runner.plugin_interval", d.Runner.PluginInterval)
	v.SetDefault("runner.poll_interval", d.Runner.PollInterval)
	v.SetDefault("runner.plugin_claim_ttl", d.Runner.PluginClaimTTL)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.worker_dir", d.Log.WorkerDir)
	v.SetDefault("metrics.listen", d.Metrics.Listen)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.base_path", d.Server.BasePath)
}

// Load reads path on top of Default(). An empty path yields the defaults
// with environment overrides applied.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Store.DSN) == "" {
		return fmt.Errorf("store.dsn is required")
	}
	if c.Queue.Retention <= 0 {
		return fmt.Errorf("queue.retention must be > 0")
	}
	seen := make(map[string]bool, len(c.Plugins))
	for _, p := range c.Plugins {
		if seen[p.Name] {
			return fmt.Errorf("duplicate plugin %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// QueueOptions returns the queue options derived from the configuration.
func (c Config) QueueOptions() queue.Options {
	return queue.Options{Retention: c.Queue.Retention}
}

// WorkerEnv composes the extra worker environment: env files in order, then
// the inline entries.
func (c Config) WorkerEnv() ([]string, error) {
	e := env.New()
	for _, f := range c.Worker.EnvFiles {
		if err := e.LoadFile(f); err != nil {
			return nil, fmt.Errorf("worker env file %s: %w", f, err)
		}
	}
	e.SetAll(env.Parse(c.Worker.Env))
	out := make([]string, 0, len(e.Var))
	for k, v := range e.Var {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// BuildPlugins constructs the configured plugins.
func (c Config) BuildPlugins(l *slog.Logger) ([]plugin.Plugin, error) {
	out := make([]plugin.Plugin, 0, len(c.Plugins))
	for _, pc := range c.Plugins {
		p, err := plugin.FromConfig(pc, l)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
