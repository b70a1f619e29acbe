package config

import (
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
)

// envOverrides is the environment surface for env-driven deployments.
// All fields are strings so a malformed value degrades to "ignored" instead
// of aborting startup.
type envOverrides struct {
	BotToken      string `env:"BOT_TOKEN"`
	AdminIDs      string `env:"ADMIN_IDS"`
	LogChannelID  string `env:"LOG_CHANNEL_ID"`
	DataChannelID string `env:"DATA_CHANNEL_ID"`
	PersistFile   string `env:"PERSIST_FILE"`
}

// ApplyEnv overlays environment variables onto cfg. Environment wins over
// the config file.
func ApplyEnv(cfg *Config) error {
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return err
	}

	if v := strings.TrimSpace(ov.BotToken); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(ov.AdminIDs); v != "" {
		cfg.Telegram.AdminUserIDs = parseAdminIDs(v)
	}
	if id, ok := parseChatID(ov.LogChannelID); ok {
		cfg.Telegram.LogChannelID = id
	}
	if id, ok := parseChatID(ov.DataChannelID); ok {
		cfg.Telegram.DataChannelID = id
	}
	if v := strings.TrimSpace(ov.PersistFile); v != "" {
		cfg.Storage.Path = v
	}
	return nil
}

// parseAdminIDs splits a comma-separated id list, ignoring invalid entries.
func parseAdminIDs(raw string) []int64 {
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func parseChatID(raw string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
