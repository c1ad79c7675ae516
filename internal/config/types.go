package config

import (
	"errors"
	"fmt"
	"time"

	"rotabot/internal/notify"
	"rotabot/internal/rota"
	"rotabot/internal/storage"
)

// Config is the full rotabot configuration. Files may be YAML or JSON;
// both are decoded strictly (unknown keys are rejected).
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Telegram TelegramConfig `json:"telegram"`
	Storage  StorageConfig  `json:"storage"`
	Rotation RotationConfig `json:"rotation"`
	Trigger  TriggerConfig  `json:"trigger"`
	Notifier NotifierConfig `json:"notifier,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type TelegramConfig struct {
	// Token may also come from ROTABOT_TELEGRAM_TOKEN (env wins).
	Token         string `json:"token,omitempty"`
	AdminChatID   int64  `json:"admin_chat_id"`
	AdminThreadID int    `json:"admin_thread_id,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./rotabot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// RotationConfig defines the period calendar and rosters.
//
// Rosters are ordered: position in the list defines the rotation cycle via
// periodIndex mod length.
type RotationConfig struct {
	// Timezone is the single reference timezone for every date decision
	// (period boundaries, weekend deferral, eve-of-transition checks).
	Timezone string `json:"timezone"`
	// Epoch is the first day of period 0, "YYYY-MM-DD".
	Epoch      string `json:"epoch"`
	PeriodDays int    `json:"period_days"`
	// FallbackUserID fills roles with an empty roster. Zero leaves them
	// unfilled (restricted/non-production setups only).
	FallbackUserID int64                   `json:"fallback_user_id,omitempty"`
	Rosters        map[string][]RosterUser `json:"rosters"`
}

type RosterUser struct {
	ID   int64  `json:"id"`
	Name string `json:"name,omitempty"`
}

// TriggerConfig controls the invocation boundary.
type TriggerConfig struct {
	// Secret signs trigger invocations (HMAC-SHA256). Empty disables
	// signature checks. ROTABOT_TRIGGER_SECRET overrides.
	Secret string `json:"secret,omitempty"`
	// Cron fires the delivery trigger (default "0 9 * * 1-5" is NOT
	// assumed: weekends still trigger and defer, so default "0 9 * * *").
	Cron string `json:"cron,omitempty"`
	// EveCron fires the eve-of-transition heads-up check.
	EveCron string `json:"eve_cron,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
// All durations are Go duration strings (e.g. "500ms", "10s").
type NotifierConfig struct {
	Enabled       *bool  `json:"enabled,omitempty"` // omitted means enabled
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// Validate checks the parts the core cannot run without.
func (c *Config) Validate() error {
	if c.Rotation.PeriodDays <= 0 {
		return errors.New("rotation.period_days must be positive")
	}
	if _, err := c.Rotation.Location(); err != nil {
		return err
	}
	if _, err := c.Rotation.EpochDate(); err != nil {
		return err
	}
	for role, members := range c.Rotation.Rosters {
		if role == "" {
			return errors.New("rotation.rosters: empty role name")
		}
		for _, u := range members {
			if u.ID == 0 {
				return fmt.Errorf("rotation.rosters.%s: member with zero id", role)
			}
		}
	}
	return nil
}

func (r RotationConfig) Location() (*time.Location, error) {
	if r.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("rotation.timezone: %w", err)
	}
	return loc, nil
}

func (r RotationConfig) EpochDate() (time.Time, error) {
	if r.Epoch == "" {
		return time.Time{}, errors.New("rotation.epoch is required (YYYY-MM-DD)")
	}
	loc, err := r.Location()
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.ParseInLocation("2006-01-02", r.Epoch, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("rotation.epoch: %w", err)
	}
	return t, nil
}

// RosterMap converts the configured rosters to domain types.
func (r RotationConfig) RosterMap() map[rota.Role][]rota.User {
	out := make(map[rota.Role][]rota.User, len(r.Rosters))
	for role, members := range r.Rosters {
		users := make([]rota.User, len(members))
		for i, m := range members {
			users[i] = rota.User{ID: m.ID, Name: m.Name}
		}
		out[rota.Role(role)] = users
	}
	return out
}

func (s StorageConfig) ToStorage() storage.Config {
	out := storage.Config{Driver: s.Driver, Path: s.Path}
	if d, err := time.ParseDuration(s.BusyTimeout); err == nil {
		out.BusyTimeout = d
	}
	return out
}

func (n NotifierConfig) ToNotify() notify.Config {
	cfg := notify.Config{
		Enabled:    true,
		Workers:    n.Workers,
		QueueSize:  n.QueueSize,
		RatePerSec: n.RatePerSec,
		RetryMax:   n.RetryMax,
	}
	if n.Enabled != nil {
		cfg.Enabled = *n.Enabled
	}
	if d, err := time.ParseDuration(n.RetryBase); err == nil {
		cfg.RetryBase = d
	}
	if d, err := time.ParseDuration(n.RetryMaxDelay); err == nil {
		cfg.RetryMaxDelay = d
	}
	return cfg
}

// TriggerCron returns the delivery trigger schedule.
func (t TriggerConfig) TriggerCron() string {
	if t.Cron != "" {
		return t.Cron
	}
	return "0 9 * * *"
}

// EveCronSpec returns the eve-of-transition check schedule.
func (t TriggerConfig) EveCronSpec() string {
	if t.EveCron != "" {
		return t.EveCron
	}
	return "0 17 * * *"
}
