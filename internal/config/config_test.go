package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procwarden/internal/cleanup"
	"github.com/loykin/procwarden/internal/monitor"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "procwarden.toml")
	require.NoError(t, os.WriteFile(p, []byte(data), 0o600))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(os.TempDir(), "procwarden"), cfg.BasePath)
	assert.Equal(t, cleanup.DefaultSchedule, cfg.Cleanup.Schedule)
	assert.Equal(t, time.Minute, cfg.Cleanup.NewFolderThreshold)
	assert.Equal(t, 10*time.Minute, cfg.Cleanup.LockFolderThreshold)
	assert.Equal(t, monitor.DefaultInterval, cfg.Monitor.PollInterval)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Listen)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Empty(t, cfg.Tasks)
}

func TestLoad_Full(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte("A=from-file\n# comment\nexport B = two\nbroken\n"), 0o600))

	p := writeTOML(t, `
base_path = "`+filepath.ToSlash(filepath.Join(dir, "tasks"))+`"
keep_dirs = true
env = ["A=inline"]
env_files = ["`+filepath.ToSlash(dotenv)+`"]

[cleanup]
schedule = "*/5 * * * * *"
new_folder_threshold = "100ms"
lock_folder_threshold = "500ms"
dry_run = true

[monitor]
poll_interval = "50ms"

[stream]
drain_interval = "20ms"
stdout_prefix = "[out] "

[log]
level = "debug"
format = "json"
  [log.file]
  path = "/var/log/procwarden.log"
  max_size_mb = 5

[output]
max_backups = 9

[server.tls]
enabled = true
dir = "/etc/procwarden/tls"
auto_generate = true
min_version = "1.2"
  [server.tls.auto_gen]
  dns_names = ["warden.local"]

[history]
dsns = ["sqlite://`+filepath.ToSlash(filepath.Join(dir, "h.db"))+`"]

[[tasks]]
id = "nightly"
name = "report"
command = "sh -c 'echo hi'"
hold_for = "1h"
stderr_prefix = "[e] "

[[tasks]]
name = "direct"
command = "echo"
args = ["a", "b"]
`)
	cfg, err := Load(p)
	require.NoError(t, err)

	assert.True(t, cfg.KeepDirs)
	assert.Equal(t, []string{"A=from-file", "B=two", "A=inline"}, cfg.Env)
	assert.Equal(t, cleanup.JanitorConfig{
		BasePath:   filepath.Join(dir, "tasks"),
		Thresholds: cleanup.Thresholds{NewFolder: 100 * time.Millisecond, LockFolder: 500 * time.Millisecond},
		Schedule:   "*/5 * * * * *",
		DryRun:     true,
	}, cfg.JanitorConfig())
	assert.Equal(t, "/var/log/procwarden.log", cfg.Log.File.Path)
	assert.Equal(t, 5, cfg.Log.File.MaxSizeMB)
	assert.Len(t, cfg.History.DSNs, 1)
	assert.True(t, cfg.Server.TLS.AutoGenerate)
	assert.Equal(t, "1.2", cfg.Server.TLS.MinVersion)
	assert.Equal(t, []string{"warden.local"}, cfg.Server.TLS.AutoGen.DNSNames)

	mo := cfg.ManagerOptions()
	assert.Equal(t, 50*time.Millisecond, mo.PollInterval)
	assert.Equal(t, 20*time.Millisecond, mo.DrainInterval)
	assert.Equal(t, 9, mo.Output.MaxBackups)
	assert.True(t, mo.KeepDirs)

	specs := cfg.LaunchSpecs()
	require.Len(t, specs, 2)
	assert.Equal(t, "nightly", specs[0].ID)
	assert.Equal(t, time.Hour, specs[0].HoldFor)
	assert.Equal(t, "[out] ", specs[0].StdoutPrefix, "falls back to [stream]")
	assert.Equal(t, "[e] ", specs[0].StderrPrefix)
	assert.Equal(t, []string{"a", "b"}, specs[1].Process.Args)
	assert.Empty(t, specs[1].ID)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PROCWARDEN_BASE_PATH", "/srv/tasks")
	t.Setenv("PROCWARDEN_CLEANUP_SCHEDULE", "@every 30s")
	t.Setenv("PROCWARDEN_CLEANUP_LOCK_FOLDER_THRESHOLD", "2h")
	p := writeTOML(t, `
base_path = "/from/file"
[cleanup]
schedule = "@every 1h"
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "/srv/tasks", cfg.BasePath)
	assert.Equal(t, "@every 30s", cfg.Cleanup.Schedule)
	assert.Equal(t, 2*time.Hour, cfg.Cleanup.LockFolderThreshold)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = Load(writeTOML(t, "base_path = [unclosed"))
	assert.Error(t, err)

	_, err = Load(writeTOML(t, `env_files = ["/definitely/missing.env"]`))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"empty base path", func(c *Config) { c.BasePath = " " }, "base_path is required"},
		{"negative new threshold", func(c *Config) { c.Cleanup.NewFolderThreshold = -1 }, "new_folder_threshold"},
		{"negative lock threshold", func(c *Config) { c.Cleanup.LockFolderThreshold = -1 }, "lock_folder_threshold"},
		{"bad schedule", func(c *Config) { c.Cleanup.Schedule = "whenever" }, "schedule"},
		{"zero poll", func(c *Config) { c.Monitor.PollInterval = 0 }, "poll_interval"},
		{"zero drain", func(c *Config) { c.Stream.DrainInterval = 0 }, "drain_interval"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "unknown log level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "unknown log format"},
		{"zero sample interval", func(c *Config) { c.Metrics.SampleInterval = 0 }, "sample_interval"},
		{"tls without certificate", func(c *Config) { c.Server.TLS.Enabled = true }, "server.tls"},
		{"task without command", func(c *Config) { c.Tasks = []TaskConfig{{Name: "x"}} }, "requires command"},
		{"negative hold", func(c *Config) { c.Tasks = []TaskConfig{{Name: "x", Command: "true", HoldFor: -time.Second}} }, "hold_for"},
		{"duplicate ids", func(c *Config) {
			c.Tasks = []TaskConfig{{ID: "a", Name: "x", Command: "true"}, {ID: "a", Name: "y", Command: "true"}}
		}, "duplicate id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	c := valid()
	c.Metrics.Enabled = false
	c.Metrics.SampleInterval = 0
	assert.NoError(t, c.Validate(), "sample interval only matters with metrics on")
}

func TestValidate_ReportsAllErrors(t *testing.T) {
	c := &Config{Cleanup: CleanupConfig{Schedule: "@every 1s"}}
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_path")
	assert.Contains(t, err.Error(), "poll_interval")
	assert.Contains(t, err.Error(), "drain_interval")
}

func TestLoadEnvFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(p, []byte("A=1\n\n#c\nB = two=2\n=nokey\n"), 0o600))
	pairs, err := LoadEnvFile(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"A=1", "B=two=2"}, pairs)
}
