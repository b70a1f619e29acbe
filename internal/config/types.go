package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Digest    DigestConfig    `json:"digest,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// AdminUserIDs gates the admin command surface (/promotion, /users,
	// /details, /broadcast).
	AdminUserIDs []int64 `json:"admin_user_ids"`

	// DataChannelID is the "database" channel that receives a human-readable
	// log entry for every approval. 0 disables it.
	DataChannelID int64 `json:"data_channel_id,omitempty"`

	// LogChannelID is the optional admin-log channel. 0 disables it.
	LogChannelID int64 `json:"log_channel_id,omitempty"`

	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
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

// StorageConfig controls the membership persistence layer.
//
// Driver values:
//   - "file" (default): single JSON artifact, written via temp+rename
//   - "sqlite": SQLite database file
type StorageConfig struct {
	Driver string `json:"driver,omitempty"`
	Path   string `json:"path,omitempty"`

	// AllowReset makes a corrupt storage artifact non-fatal at startup:
	// the bot proceeds with empty state instead of refusing to start.
	// Default false: corrupt state aborts startup rather than being
	// silently discarded.
	AllowReset bool `json:"allow_reset,omitempty"`
}

type BroadcastConfig struct {
	Workers    int `json:"workers,omitempty"`
	RatePerSec int `json:"rate_per_sec,omitempty"`
	RetryMax   int `json:"retry_max,omitempty"`
}

// DigestConfig controls the optional scheduled stats digest sent to the
// admin-log channel.
type DigestConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron spec, default "0 9 * * *"
}

func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Storage: StorageConfig{Driver: "file", Path: "data.json"},
		Broadcast: BroadcastConfig{
			Workers:    4,
			RatePerSec: 10,
			RetryMax:   2,
		},
		Digest: DigestConfig{Schedule: "0 9 * * *"},
	}
}

// Validate checks invariants that must hold before the config is committed.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required (config file or BOT_TOKEN)")
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("unknown storage.driver: %q", c.Storage.Driver)
	}
	if _, err := c.PollTimeout(); err != nil {
		return err
	}
	return nil
}

// PollTimeout parses telegram.poll_timeout; zero means "use the default".
func (c *Config) PollTimeout() (time.Duration, error) {
	raw := strings.TrimSpace(c.Telegram.PollTimeout)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("telegram.poll_timeout: %w", err)
	}
	if d < 0 {
		return 0, errors.New("telegram.poll_timeout must not be negative")
	}
	return d, nil
}

// IsAdmin reports whether id is on the admin allow-list.
func (c *Config) IsAdmin(id int64) bool {
	for _, a := range c.Telegram.AdminUserIDs {
		if a == id {
			return true
		}
	}
	return false
}
