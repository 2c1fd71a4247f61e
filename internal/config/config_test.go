package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-relay/internal/confirm"
	"github.com/asheshgoplani/agent-relay/internal/guard"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)

	assert.Equal(t, ModeMultiplexer, cfg.Injection.Mode)
	assert.Equal(t, 60*time.Second, cfg.RateWindow())
	assert.Equal(t, 10, cfg.RateLimit.MaxRequests)
	assert.Equal(t, guard.MaxCommandLength, cfg.Injection.MaxCommandLength)
	assert.Equal(t, confirm.DefaultMaxAttempts, cfg.Confirmation.MaxAttempts)
	assert.True(t, cfg.Confirmation.PreferDontAskAgain)
	assert.Equal(t, "@every 10m", cfg.Fallback.CleanupSchedule)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := writeConfig(t, `
[injection]
mode = "gui"
default_session = "work"
max_command_length = 500

[rate_limit]
window_ms = 30000
max_requests = 3

[confirmation]
prefer_dont_ask_again = false
precedence = ["error", "ready"]

[confirmation.patterns]
error_markers = ["FATAL"]

[confirmation.extra_patterns]
ready_prompt = ["gemini>"]

[store]
kind = "SQLite"
path = "~/relay.db"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ModeGuiAutomation, cfg.Injection.Mode)
	assert.Equal(t, "work", cfg.Injection.DefaultSession)
	assert.Equal(t, 500, cfg.Injection.MaxCommandLength)
	assert.Equal(t, 30*time.Second, cfg.RateWindow())
	assert.Equal(t, 3, cfg.RateLimit.MaxRequests)
	assert.Equal(t, "sqlite", cfg.Store.Kind)
	home, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(home, "relay.db"), cfg.Store.Path)
	// untouched keys keep their defaults
	assert.Equal(t, "claude", cfg.Injection.StartCommand)

	cc := cfg.ConfirmConfig()
	assert.False(t, cc.PreferDontAskAgain)
	assert.Equal(t, []confirm.Kind{confirm.KindError, confirm.KindReady}, cc.Precedence)

	p, err := cfg.ConfirmPatterns()
	require.NoError(t, err)
	assert.True(t, p.Match(confirm.KindError, "FATAL: disk full"))
	assert.False(t, p.Match(confirm.KindError, "Error: nope"), "override replaces the default list")
	assert.True(t, p.Match(confirm.KindReady, "gemini> "))
}

func TestLoad_CommandLengthNeverRaised(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load(writeConfig(t, "[injection]\nmax_command_length = 50000\n"))
	require.NoError(t, err)
	assert.Equal(t, guard.MaxCommandLength, cfg.Injection.MaxCommandLength)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("RELAY_MODE", "tmux")
	t.Setenv("RELAY_SESSION", "from-env")
	t.Setenv("RELAY_RATE_WINDOW_MS", "1000")
	t.Setenv("RELAY_FALLBACK_ENABLED", "false")
	t.Setenv("DEBUG", "true")

	cfg, err := Load(writeConfig(t, "[injection]\nmode = \"gui\"\ndefault_session = \"file\"\n"))
	require.NoError(t, err)

	assert.Equal(t, ModeMultiplexer, cfg.Injection.Mode)
	assert.Equal(t, "from-env", cfg.Injection.DefaultSession)
	assert.Equal(t, time.Second, cfg.RateWindow())
	assert.False(t, cfg.Fallback.Enabled)
	assert.False(t, cfg.Logs.Debug, "unprefixed variables are ignored")
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("RELAY_RATE_MAX", "lots")
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestLoad_ParseError(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	_, err := Load(writeConfig(t, "[injection\nmode="))
	assert.ErrorContains(t, err, "parse error")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"mode", func(c *Config) { c.Injection.Mode = "screen" }, "injection.mode"},
		{"window", func(c *Config) { c.RateLimit.WindowMs = 0 }, "window_ms"},
		{"max", func(c *Config) { c.RateLimit.MaxRequests = -1 }, "max_requests"},
		{"attempts", func(c *Config) { c.Confirmation.MaxAttempts = 0 }, "max_attempts"},
		{"precedence", func(c *Config) { c.Confirmation.Precedence = []string{"maybe"} }, "precedence"},
		{"store", func(c *Config) { c.Store.Kind = "redis" }, "store.kind"},
		{"schedule", func(c *Config) { c.Fallback.CleanupSchedule = "every tuesday" }, "cleanup_schedule"},
		{"no session", func(c *Config) { c.Store.Kind = "none"; c.Injection.DefaultSession = "" }, "default_session"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default(t.TempDir())
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestDurations(t *testing.T) {
	cfg := Default(t.TempDir())
	assert.Equal(t, 3*time.Second, cfg.SettleDelay())
	assert.Equal(t, 100*time.Millisecond, cfg.KeystrokeDelay())
	assert.Equal(t, time.Minute, cfg.LockTimeout())
	assert.Equal(t, 30*time.Second, cfg.ReminderInterval())
	assert.Equal(t, time.Hour, cfg.ArtifactMaxAge())

	cc := cfg.ConfirmConfig()
	assert.Equal(t, confirm.DefaultPollDelay, cc.PollDelay)
	assert.Equal(t, confirm.DefaultAnswerSettle, cc.AnswerSettle)
	assert.Equal(t, confirm.DefaultBackoff, cc.Backoff)

	lc := cfg.LoggingConfig()
	assert.Equal(t, cfg.Logs.Dir, lc.LogDir)
	assert.Equal(t, "info", lc.Level)
}
