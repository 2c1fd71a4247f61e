// Package config loads agent-relay settings from ~/.agent-relay/config.toml
// and RELAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"

	"github.com/asheshgoplani/agent-relay/internal/confirm"
	"github.com/asheshgoplani/agent-relay/internal/guard"
	"github.com/asheshgoplani/agent-relay/internal/logging"
)

const (
	// DirName is the per-user directory under $HOME.
	DirName = ".agent-relay"

	// FileName is the config file inside DirName.
	FileName = "config.toml"
)

// Injection modes.
const (
	ModeMultiplexer   = "multiplexer"
	ModeGuiAutomation = "gui-automation"
)

// Config is the whole relay configuration.
type Config struct {
	Injection    InjectionConfig    `toml:"injection"`
	RateLimit    RateLimitConfig    `toml:"rate_limit"`
	Confirmation ConfirmationConfig `toml:"confirmation"`
	Fallback     FallbackConfig     `toml:"fallback"`
	Store        StoreConfig        `toml:"store"`
	Process      ProcessConfig      `toml:"process"`
	Logs         LogsConfig         `toml:"logs"`
}

// InjectionConfig selects the backend and paces keystrokes.
type InjectionConfig struct {
	// Mode is "multiplexer" (alias "tmux") or "gui-automation" (alias "gui")
	Mode string `toml:"mode"`

	// DefaultSession is used when no session store is configured
	DefaultSession string `toml:"default_session"`

	// WorkDir is where auto-created sessions start (default: $HOME)
	WorkDir string `toml:"work_dir"`

	StartCommand    string `toml:"start_command"`
	FallbackCommand string `toml:"fallback_command"`

	// SettleDelayMs is waited after creating a session (default: 3000)
	SettleDelayMs int `toml:"settle_delay_ms"`

	// KeystrokeDelayMs separates the typed text from the execute key (default: 100)
	KeystrokeDelayMs int `toml:"keystroke_delay_ms"`

	// MaxCommandLength may lower the 10000 rune ceiling, never raise it
	MaxCommandLength int `toml:"max_command_length"`

	// LockTimeoutMs bounds the wait for a busy session (default: 60000)
	LockTimeoutMs int `toml:"lock_timeout_ms"`

	// JournalPath is the append-only injection log
	JournalPath string `toml:"journal_path"`
}

// RateLimitConfig is the per-session sliding window.
type RateLimitConfig struct {
	WindowMs    int `toml:"window_ms"`
	MaxRequests int `toml:"max_requests"`
}

// ConfirmationConfig paces the prompt auto-answer loop.
type ConfirmationConfig struct {
	MaxAttempts    int `toml:"max_attempts"`
	PollDelayMs    int `toml:"poll_delay_ms"`
	AnswerSettleMs int `toml:"answer_settle_ms"`
	BackoffMs      int `toml:"backoff_ms"`

	// PreferDontAskAgain answers "2. Yes, and don't ask again" (default: true)
	PreferDontAskAgain bool `toml:"prefer_dont_ask_again"`

	// Precedence reorders the rules; empty keeps the built-in order
	Precedence []string `toml:"precedence"`

	// Patterns replaces built-in pattern lists field by field
	Patterns *confirm.RawPatterns `toml:"patterns"`

	// ExtraPatterns is appended to the built-in (or replaced) lists
	ExtraPatterns *confirm.RawPatterns `toml:"extra_patterns"`
}

// FallbackConfig drives the strategies used when no backend is reachable.
type FallbackConfig struct {
	Enabled bool `toml:"enabled"`

	// TargetApps are tried in order by the direct automation strategy
	TargetApps []string `toml:"target_apps"`

	TempDir    string `toml:"temp_dir"`
	DesktopDir string `toml:"desktop_dir"`

	ReminderCount     int `toml:"reminder_count"`
	ReminderIntervalS int `toml:"reminder_interval_s"`

	ArtifactMaxAgeMin int `toml:"artifact_max_age_min"`

	// CleanupSchedule is a cron spec for the artifact sweep (default: "@every 10m")
	CleanupSchedule string `toml:"cleanup_schedule"`
}

// StoreConfig locates the token to session registry.
type StoreConfig struct {
	// Kind is "file", "sqlite" or "none"
	Kind  string `toml:"kind"`
	Path  string `toml:"path"`
	Watch bool   `toml:"watch"`
}

// ProcessConfig throttles external process spawns.
type ProcessConfig struct {
	// SpawnRate is processes per second; 0 disables throttling
	SpawnRate  float64 `toml:"spawn_rate"`
	SpawnBurst int     `toml:"spawn_burst"`
}

// LogsConfig mirrors logging.Config.
type LogsConfig struct {
	Dir        string `toml:"dir"`
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
	Debug      bool   `toml:"debug"`
}

// Dir returns ~/.agent-relay.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: home dir: %w", err)
	}
	return filepath.Join(home, DirName), nil
}

// DefaultPath returns ~/.agent-relay/config.toml.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Default returns the built-in configuration rooted at dir.
func Default(dir string) *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Injection: InjectionConfig{
			Mode:             ModeMultiplexer,
			DefaultSession:   "claude",
			WorkDir:          home,
			StartCommand:     "claude",
			FallbackCommand:  "bash",
			SettleDelayMs:    3000,
			KeystrokeDelayMs: 100,
			MaxCommandLength: guard.MaxCommandLength,
			LockTimeoutMs:    60000,
			JournalPath:      filepath.Join(dir, "injections.jsonl"),
		},
		RateLimit: RateLimitConfig{
			WindowMs:    60000,
			MaxRequests: 10,
		},
		Confirmation: ConfirmationConfig{
			MaxAttempts:        confirm.DefaultMaxAttempts,
			PollDelayMs:        int(confirm.DefaultPollDelay / time.Millisecond),
			AnswerSettleMs:     int(confirm.DefaultAnswerSettle / time.Millisecond),
			BackoffMs:          int(confirm.DefaultBackoff / time.Millisecond),
			PreferDontAskAgain: true,
		},
		Fallback: FallbackConfig{
			Enabled:           true,
			TargetApps:        []string{"Terminal", "iTerm"},
			TempDir:           os.TempDir(),
			DesktopDir:        filepath.Join(home, "Desktop"),
			ReminderCount:     3,
			ReminderIntervalS: 30,
			ArtifactMaxAgeMin: 60,
			CleanupSchedule:   "@every 10m",
		},
		Store: StoreConfig{
			Kind: "file",
			Path: filepath.Join(dir, "sessions.json"),
		},
		Process: ProcessConfig{
			SpawnRate:  20,
			SpawnBurst: 10,
		},
		Logs: LogsConfig{
			Dir:        filepath.Join(dir, "logs"),
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 10,
		},
	}
}

// Load reads path (DefaultPath when empty) over the defaults, applies
// RELAY_* environment overrides and validates the result. A missing file is
// not an error.
func Load(path string) (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = filepath.Join(dir, FileName)
	}
	cfg := Default(dir)

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config.toml parse error: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	switch strings.ToLower(strings.TrimSpace(c.Injection.Mode)) {
	case "tmux", ModeMultiplexer:
		c.Injection.Mode = ModeMultiplexer
	case "gui", ModeGuiAutomation:
		c.Injection.Mode = ModeGuiAutomation
	}
	if n := c.Injection.MaxCommandLength; n <= 0 || n > guard.MaxCommandLength {
		c.Injection.MaxCommandLength = guard.MaxCommandLength
	}
	c.Store.Kind = strings.ToLower(strings.TrimSpace(c.Store.Kind))

	c.Injection.WorkDir = expandHome(c.Injection.WorkDir)
	c.Injection.JournalPath = expandHome(c.Injection.JournalPath)
	c.Fallback.TempDir = expandHome(c.Fallback.TempDir)
	c.Fallback.DesktopDir = expandHome(c.Fallback.DesktopDir)
	c.Store.Path = expandHome(c.Store.Path)
	c.Logs.Dir = expandHome(c.Logs.Dir)
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Injection.Mode {
	case ModeMultiplexer, ModeGuiAutomation:
	default:
		errs = append(errs, fmt.Errorf("injection.mode %q: want multiplexer or gui-automation", c.Injection.Mode))
	}
	if c.Store.Kind == "none" && c.Injection.DefaultSession == "" {
		errs = append(errs, errors.New("injection.default_session is required without a session store"))
	}
	if c.RateLimit.WindowMs <= 0 {
		errs = append(errs, errors.New("rate_limit.window_ms must be positive"))
	}
	if c.RateLimit.MaxRequests <= 0 {
		errs = append(errs, errors.New("rate_limit.max_requests must be positive"))
	}
	if c.Confirmation.MaxAttempts <= 0 {
		errs = append(errs, errors.New("confirmation.max_attempts must be positive"))
	}
	for _, k := range c.Confirmation.Precedence {
		if _, err := confirm.ParseKind(k); err != nil {
			errs = append(errs, fmt.Errorf("confirmation.precedence: %w", err))
		}
	}
	switch c.Store.Kind {
	case "file", "json", "sqlite", "sql", "none":
	default:
		errs = append(errs, fmt.Errorf("store.kind %q: want file, sqlite or none", c.Store.Kind))
	}
	if c.Fallback.CleanupSchedule != "" {
		if _, err := cron.ParseStandard(c.Fallback.CleanupSchedule); err != nil {
			errs = append(errs, fmt.Errorf("fallback.cleanup_schedule: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// RateWindow returns the rate limit window.
func (c *Config) RateWindow() time.Duration { return ms(c.RateLimit.WindowMs) }

// SettleDelay returns the post-creation wait.
func (c *Config) SettleDelay() time.Duration { return ms(c.Injection.SettleDelayMs) }

// KeystrokeDelay returns the wait between text and execute key.
func (c *Config) KeystrokeDelay() time.Duration { return ms(c.Injection.KeystrokeDelayMs) }

// LockTimeout returns the per-session lock wait.
func (c *Config) LockTimeout() time.Duration { return ms(c.Injection.LockTimeoutMs) }

// ReminderInterval returns the gap between reminder notifications.
func (c *Config) ReminderInterval() time.Duration {
	return time.Duration(c.Fallback.ReminderIntervalS) * time.Second
}

// ArtifactMaxAge returns the age past which fallback artifacts are swept.
func (c *Config) ArtifactMaxAge() time.Duration {
	return time.Duration(c.Fallback.ArtifactMaxAgeMin) * time.Minute
}

// ConfirmConfig converts the confirmation section for confirm.New.
func (c *Config) ConfirmConfig() confirm.Config {
	cc := confirm.Config{
		MaxAttempts:        c.Confirmation.MaxAttempts,
		PollDelay:          ms(c.Confirmation.PollDelayMs),
		AnswerSettle:       ms(c.Confirmation.AnswerSettleMs),
		Backoff:            ms(c.Confirmation.BackoffMs),
		PreferDontAskAgain: c.Confirmation.PreferDontAskAgain,
	}
	for _, name := range c.Confirmation.Precedence {
		if k, err := confirm.ParseKind(name); err == nil {
			cc.Precedence = append(cc.Precedence, k)
		}
	}
	return cc
}

// ConfirmPatterns merges and compiles the pattern table.
func (c *Config) ConfirmPatterns() (*confirm.Patterns, error) {
	raw := confirm.MergeRawPatterns(confirm.DefaultRawPatterns(), c.Confirmation.Patterns, c.Confirmation.ExtraPatterns)
	return confirm.CompilePatterns(raw)
}

// LoggingConfig converts the logs section for logging.Init.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		LogDir:     c.Logs.Dir,
		Level:      c.Logs.Level,
		Format:     c.Logs.Format,
		MaxSizeMB:  c.Logs.MaxSizeMB,
		MaxBackups: c.Logs.MaxBackups,
		MaxAgeDays: c.Logs.MaxAgeDays,
		Compress:   c.Logs.Compress,
		Debug:      c.Logs.Debug,
	}
}
