package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// clearEnv blanks the override surface so ambient variables cannot leak into
// file-based tests. t.Setenv also blocks t.Parallel, which these tests need
// anyway.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"BOT_TOKEN", "ADMIN_IDS", "LOG_CHANNEL_ID", "DATA_CHANNEL_ID", "PERSIST_FILE"} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseMissingFileUsesDefaultsAndEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("BOT_TOKEN", "123:abc")
	t.Setenv("ADMIN_IDS", "1, 2,bogus,,3")
	t.Setenv("DATA_CHANNEL_ID", "-100200")
	t.Setenv("PERSIST_FILE", "override.json")

	m := NewManager(filepath.Join(t.TempDir(), "nope.yaml"))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse without file: %v", err)
	}

	if cfg.Telegram.Token != "123:abc" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}
	want := []int64{1, 2, 3}
	if len(cfg.Telegram.AdminUserIDs) != len(want) {
		t.Fatalf("admins = %v, want %v", cfg.Telegram.AdminUserIDs, want)
	}
	for i := range want {
		if cfg.Telegram.AdminUserIDs[i] != want[i] {
			t.Fatalf("admins = %v, want %v", cfg.Telegram.AdminUserIDs, want)
		}
	}
	if cfg.Telegram.DataChannelID != -100200 {
		t.Errorf("data channel = %d", cfg.Telegram.DataChannelID)
	}
	if cfg.Storage.Path != "override.json" {
		t.Errorf("storage path = %q", cfg.Storage.Path)
	}
	// Untouched sections keep their defaults.
	if cfg.Broadcast.Workers != 4 || cfg.Broadcast.RatePerSec != 10 {
		t.Errorf("broadcast defaults lost: %+v", cfg.Broadcast)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestParseYAMLFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "config.yaml", `
telegram:
  token: "456:def"
  admin_user_ids: [7, 8]
  log_channel_id: -100300
  poll_timeout: "15s"
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: bot.db
broadcast:
  workers: 2
  rate_per_sec: 5
`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Telegram.Token != "456:def" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.AdminUserIDs) != 2 || cfg.Telegram.AdminUserIDs[0] != 7 {
		t.Errorf("admins = %v", cfg.Telegram.AdminUserIDs)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != "bot.db" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Broadcast.Workers != 2 || cfg.Broadcast.RatePerSec != 5 {
		t.Errorf("broadcast = %+v", cfg.Broadcast)
	}
	if d, err := cfg.PollTimeout(); err != nil || d.Seconds() != 15 {
		t.Errorf("poll timeout = %v, %v", d, err)
	}
	if m.Get() != cfg {
		t.Error("Load did not commit")
	}
}

func TestEnvWinsOverFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("BOT_TOKEN", "env-token")

	path := writeConfig(t, "config.yaml", `
telegram:
  token: "file-token"
`)
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Fatalf("token = %q, env must win over the file", cfg.Telegram.Token)
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "config.yaml", `
telegram:
  token: "x"
  tokne_typo: "y"
`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("unknown field must be rejected")
	}
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "config.yaml", "telegram: [unclosed")
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("malformed yaml must be rejected")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"missing token", func(c *Config) { c.Telegram.Token = " " }, "telegram.token"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.driver"},
		{"bad poll timeout", func(c *Config) { c.Telegram.PollTimeout = "soon" }, "poll_timeout"},
		{"negative poll timeout", func(c *Config) { c.Telegram.PollTimeout = "-5s" }, "poll_timeout"},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			cfg.Telegram.Token = "123:abc"
			tc.mutate(cfg)

			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate = %v, want error mentioning %q", err, tc.wantErr)
			}
		})
	}
}

func TestIsAdmin(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Telegram.AdminUserIDs = []int64{7}
	if !cfg.IsAdmin(7) || cfg.IsAdmin(8) {
		t.Fatal("IsAdmin misjudged the allow-list")
	}
}

func TestPublishDropsOldestForSlowSubscriber(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	first := Default()
	second := Default()
	second.Logging.Level = "debug"

	m.publish(first)
	m.publish(second)

	got := <-sub
	if got.Logging.Level != "debug" {
		t.Fatalf("subscriber got the stale config (level %q)", got.Logging.Level)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	sub := m.Subscribe(1)
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("channel still open after Unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	m.publish(Default())
}
