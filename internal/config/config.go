package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/procwarden/internal/cleanup"
	"github.com/loykin/procwarden/internal/logger"
	"github.com/loykin/procwarden/internal/manager"
	"github.com/loykin/procwarden/internal/monitor"
	"github.com/loykin/procwarden/internal/process"
	pwtls "github.com/loykin/procwarden/internal/tls"
)

// EnvPrefix prefixes environment overrides, e.g. PROCWARDEN_CLEANUP_SCHEDULE.
const EnvPrefix = "PROCWARDEN"

// Config is the top-level TOML structure.
type Config struct {
	BasePath string   `mapstructure:"base_path"`
	KeepDirs bool     `mapstructure:"keep_dirs"`
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`

	Cleanup CleanupConfig     `mapstructure:"cleanup"`
	Monitor MonitorConfig     `mapstructure:"monitor"`
	Stream  StreamConfig      `mapstructure:"stream"`
	Log     logger.Config     `mapstructure:"log"`
	Output  logger.FileConfig `mapstructure:"output"`
	Server  ServerConfig      `mapstructure:"server"`
	Metrics MetricsConfig     `mapstructure:"metrics"`
	History HistoryConfig     `mapstructure:"history"`
	Tasks   []TaskConfig      `mapstructure:"tasks"`
}

type CleanupConfig struct {
	Schedule            string        `mapstructure:"schedule"`
	NewFolderThreshold  time.Duration `mapstructure:"new_folder_threshold"`
	LockFolderThreshold time.Duration `mapstructure:"lock_folder_threshold"`
	DryRun              bool          `mapstructure:"dry_run"`
}

type MonitorConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type StreamConfig struct {
	DrainInterval time.Duration `mapstructure:"drain_interval"`
	StdoutPrefix  string        `mapstructure:"stdout_prefix"`
	StderrPrefix  string        `mapstructure:"stderr_prefix"`
}

type ServerConfig struct {
	Listen   string       `mapstructure:"listen"`
	BasePath string       `mapstructure:"base_path"` // API route prefix
	TLS      pwtls.Config `mapstructure:"tls"`
}

type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

// HistoryConfig lists sink DSNs, e.g. "sqlite:///var/lib/procwarden/history.db".
type HistoryConfig struct {
	DSNs []string `mapstructure:"dsns"`
}

// TaskConfig is a task launched when the service starts.
type TaskConfig struct {
	ID           string        `mapstructure:"id"`
	Name         string        `mapstructure:"name"`
	Command      string        `mapstructure:"command"`
	Args         []string      `mapstructure:"args"`
	WorkDir      string        `mapstructure:"workdir"`
	Env          []string      `mapstructure:"env"`
	HoldFor      time.Duration `mapstructure:"hold_for"`
	StdoutPrefix string        `mapstructure:"stdout_prefix"`
	StderrPrefix string        `mapstructure:"stderr_prefix"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("base_path", filepath.Join(os.TempDir(), "procwarden"))
	v.SetDefault("keep_dirs", false)
	v.SetDefault("cleanup.schedule", cleanup.DefaultSchedule)
	v.SetDefault("cleanup.new_folder_threshold", "1m")
	v.SetDefault("cleanup.lock_folder_threshold", "10m")
	v.SetDefault("cleanup.dry_run", false)
	v.SetDefault("monitor.poll_interval", monitor.DefaultInterval)
	v.SetDefault("stream.drain_interval", manager.DefaultDrainInterval)
	v.SetDefault("stream.stdout_prefix", "")
	v.SetDefault("stream.stderr_prefix", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file.path", "")
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.sample_interval", "15s")
}

// Load reads the TOML file at path (optional) on top of the defaults and
// applies PROCWARDEN_* environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(cfg.EnvFiles) > 0 {
		var fileEnv []string
		for _, p := range cfg.EnvFiles {
			pairs, err := LoadEnvFile(p)
			if err != nil {
				return nil, fmt.Errorf("env file %s: %w", p, err)
			}
			fileEnv = append(fileEnv, pairs...)
		}
		// the inline env list wins over files
		cfg.Env = append(fileEnv, cfg.Env...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every configuration error at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.BasePath) == "" {
		errs = append(errs, errors.New("base_path is required"))
	}
	if c.Cleanup.NewFolderThreshold < 0 {
		errs = append(errs, errors.New("cleanup.new_folder_threshold must not be negative"))
	}
	if c.Cleanup.LockFolderThreshold < 0 {
		errs = append(errs, errors.New("cleanup.lock_folder_threshold must not be negative"))
	}
	if _, err := cleanup.ParseSchedule(c.Cleanup.Schedule); err != nil {
		errs = append(errs, err)
	}
	if c.Monitor.PollInterval <= 0 {
		errs = append(errs, errors.New("monitor.poll_interval must be positive"))
	}
	if c.Stream.DrainInterval <= 0 {
		errs = append(errs, errors.New("stream.drain_interval must be positive"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json", "color":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if err := c.Server.TLS.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Metrics.Enabled && c.Metrics.SampleInterval <= 0 {
		errs = append(errs, errors.New("metrics.sample_interval must be positive"))
	}
	seen := make(map[string]bool)
	for i, t := range c.Tasks {
		if err := t.processSpec().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tasks[%d]: %w", i, err))
		}
		if t.HoldFor < 0 {
			errs = append(errs, fmt.Errorf("tasks[%d]: hold_for must not be negative", i))
		}
		if t.ID == "" {
			continue
		}
		if seen[t.ID] {
			errs = append(errs, fmt.Errorf("tasks[%d]: duplicate id %q", i, t.ID))
		}
		seen[t.ID] = true
	}
	return errors.Join(errs...)
}

// Thresholds returns the selector thresholds.
func (c *Config) Thresholds() cleanup.Thresholds {
	return cleanup.Thresholds{
		NewFolder:  c.Cleanup.NewFolderThreshold,
		LockFolder: c.Cleanup.LockFolderThreshold,
	}
}

func (c *Config) JanitorConfig() cleanup.JanitorConfig {
	return cleanup.JanitorConfig{
		BasePath:   c.BasePath,
		Thresholds: c.Thresholds(),
		Schedule:   c.Cleanup.Schedule,
		DryRun:     c.Cleanup.DryRun,
	}
}

func (c *Config) ManagerOptions() manager.Options {
	return manager.Options{
		BasePath:      c.BasePath,
		PollInterval:  c.Monitor.PollInterval,
		DrainInterval: c.Stream.DrainInterval,
		Output:        c.Output,
		Env:           c.Env,
		KeepDirs:      c.KeepDirs,
	}
}

// LaunchSpecs converts the configured tasks. Task prefixes fall back to the
// [stream] defaults.
func (c *Config) LaunchSpecs() []manager.LaunchSpec {
	out := make([]manager.LaunchSpec, 0, len(c.Tasks))
	for _, t := range c.Tasks {
		ls := manager.LaunchSpec{
			ID:           t.ID,
			Process:      t.processSpec(),
			StdoutPrefix: t.StdoutPrefix,
			StderrPrefix: t.StderrPrefix,
			HoldFor:      t.HoldFor,
		}
		if ls.StdoutPrefix == "" {
			ls.StdoutPrefix = c.Stream.StdoutPrefix
		}
		if ls.StderrPrefix == "" {
			ls.StderrPrefix = c.Stream.StderrPrefix
		}
		out = append(out, ls)
	}
	return out
}

func (t TaskConfig) processSpec() process.Spec {
	return process.Spec{
		Name:    t.Name,
		Command: t.Command,
		Args:    t.Args,
		WorkDir: t.WorkDir,
		Env:     t.Env,
	}
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries in
// file order. Blank lines and lines starting with # are ignored.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out = append(out, k+"="+strings.TrimSpace(v))
	}
	return out, nil
}
