package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces every override variable.
const EnvPrefix = "RELAY"

// envOverrides lists the settings that can come from the environment, named
// RELAY_<FIELD_IN_SNAKE_CASE>. Unset variables leave the pointer nil and the
// file value untouched. Fields carry no envconfig tag so unprefixed
// variables like DEBUG are never consulted.
type envOverrides struct {
	Mode             *string  `split_words:"true"`
	Session          *string  `split_words:"true"`
	WorkDir          *string  `split_words:"true"`
	StartCommand     *string  `split_words:"true"`
	JournalPath      *string  `split_words:"true"`
	MaxCommandLength *int     `split_words:"true"`
	RateWindowMs     *int     `split_words:"true"`
	RateMax          *int     `split_words:"true"`
	ConfirmAttempts  *int     `split_words:"true"`
	ConfirmPollMs    *int     `split_words:"true"`
	DontAskAgain     *bool    `split_words:"true"`
	FallbackEnabled  *bool    `split_words:"true"`
	StoreKind        *string  `split_words:"true"`
	StorePath        *string  `split_words:"true"`
	SpawnRate        *float64 `split_words:"true"`
	LogDir           *string  `split_words:"true"`
	LogLevel         *string  `split_words:"true"`
	Debug            *bool    `split_words:"true"`
}

func applyEnv(cfg *Config) error {
	var ov envOverrides
	if err := envconfig.Process(EnvPrefix, &ov); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	set(&cfg.Injection.Mode, ov.Mode)
	set(&cfg.Injection.DefaultSession, ov.Session)
	set(&cfg.Injection.WorkDir, ov.WorkDir)
	set(&cfg.Injection.StartCommand, ov.StartCommand)
	set(&cfg.Injection.JournalPath, ov.JournalPath)
	set(&cfg.Injection.MaxCommandLength, ov.MaxCommandLength)
	set(&cfg.RateLimit.WindowMs, ov.RateWindowMs)
	set(&cfg.RateLimit.MaxRequests, ov.RateMax)
	set(&cfg.Confirmation.MaxAttempts, ov.ConfirmAttempts)
	set(&cfg.Confirmation.PollDelayMs, ov.ConfirmPollMs)
	set(&cfg.Confirmation.PreferDontAskAgain, ov.DontAskAgain)
	set(&cfg.Fallback.Enabled, ov.FallbackEnabled)
	set(&cfg.Store.Kind, ov.StoreKind)
	set(&cfg.Store.Path, ov.StorePath)
	set(&cfg.Process.SpawnRate, ov.SpawnRate)
	set(&cfg.Logs.Dir, ov.LogDir)
	set(&cfg.Logs.Level, ov.LogLevel)
	set(&cfg.Logs.Debug, ov.Debug)
	return nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
