package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	_ "time/tzdata"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadJSONAppliesDefaults(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.json", `{"telegram":{"token":"abc","owner_user_ids":[7]}}`)

	cfg, err := NewConfigManager(p).Load()
	require.NoError(t, err)
	require.Equal(t, "abc", cfg.Telegram.Token)
	require.Equal(t, []int64{7}, cfg.Telegram.OwnerUserIDs)
	require.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Equal(t, DefaultStoragePath, cfg.Storage.Path)
	require.Equal(t, "Europe/Berlin", cfg.Contest.Timezone)
	require.Equal(t, "@every 8h", cfg.Dispatch.Schedule)
	require.True(t, BoolOr(cfg.Dispatch.Enabled, false))
	require.True(t, BoolOr(cfg.Dispatch.RunOnStart, false))
	require.True(t, BoolOr(cfg.Broadcast.Enabled, false))
	require.Equal(t, "cf-reminders", cfg.Broadcast.ChannelName)

	d, err := cfg.Durations()
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, d.PollTimeout)
	require.Equal(t, 15*time.Second, d.SendTimeout)
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", `
telegram:
  token: abc
dispatch:
  run_on_start: false
  schedule: "0 */8 * * *"
broadcast:
  channel_name: contests
`)
	cfg, err := NewConfigManager(p).Load()
	require.NoError(t, err)
	require.False(t, BoolOr(cfg.Dispatch.RunOnStart, true))
	require.True(t, BoolOr(cfg.Dispatch.Enabled, false))
	require.Equal(t, "0 */8 * * *", cfg.Dispatch.Schedule)
	require.Equal(t, "contests", cfg.Broadcast.ChannelName)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	_, err := NewConfigManager(writeFile(t, dir, "a.json", `{"telegram":{"token":"x"},"plugins":{}}`)).Load()
	require.Error(t, err)

	_, err = NewConfigManager(writeFile(t, dir, "b.yml", "telegram:\n  token: x\n  group_log: y\n")).Load()
	require.Error(t, err)

	_, err = NewConfigManager(writeFile(t, dir, "c.json", `{"telegram":{"token":"x"}}{}`)).Load()
	require.Error(t, err)
}

func TestEnvironmentOverlay(t *testing.T) {
	t.Setenv("CFBOT_TELEGRAM_TOKEN", "from-env")
	t.Setenv("CFBOT_OWNER_USER_IDS", "1,2")
	t.Setenv("CFBOT_TIMEZONE", "UTC")
	t.Setenv("CFBOT_CHANNEL_NAME", "alerts")
	t.Setenv("CFBOT_STORAGE_PATH", "/tmp/x.db")

	p := writeFile(t, t.TempDir(), "config.json", `{"telegram":{"token":"from-file"},"contest":{"timezone":"Asia/Tokyo"}}`)
	cfg, err := NewConfigManager(p).Load()
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Telegram.Token)
	require.Equal(t, []int64{1, 2}, cfg.Telegram.OwnerUserIDs)
	require.Equal(t, "UTC", cfg.Contest.Timezone)
	require.Equal(t, "alerts", cfg.Broadcast.ChannelName)
	require.Equal(t, "/tmp/x.db", cfg.Storage.Path)

	// No file at all: environment and defaults only.
	cfg, err = NewConfigManager("").Load()
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Telegram.Token)
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	require.ErrorContains(t, cfg.Validate(), "telegram.token")

	cfg.Telegram.Token = "x"
	require.NoError(t, cfg.Validate())

	cfg.Contest.Timezone = "Mars/Olympus"
	cfg.Dispatch.Schedule = "every now and then"
	cfg.Dispatch.SendTimeout = "-5s"
	cfg.Storage.Driver = "redis"
	cfg.Ops = OpsConfig{Enabled: true, Addr: "0.0.0.0:6060"}
	err := cfg.Validate()
	require.ErrorContains(t, err, "contest.timezone")
	require.ErrorContains(t, err, "dispatch.schedule")
	require.ErrorContains(t, err, "dispatch.send_timeout")
	require.ErrorContains(t, err, "storage.driver")
	require.ErrorContains(t, err, "ops.token")
}

func TestSummarizeConfigChange(t *testing.T) {
	a := &Config{Telegram: TelegramConfig{Token: "x"}}
	a.ApplyDefaults()
	b := *a
	b.Logging.Level = "debug"
	b.Broadcast.ChannelName = "other"

	changed, attrs := SummarizeConfigChange(a, &b)
	require.Equal(t, []string{"broadcast", "logging"}, changed)
	require.NotEmpty(t, attrs)
	require.Empty(t, RestartRequired(a, &b))

	b.Telegram.Token = "y"
	require.Equal(t, []string{"telegram.token"}, RestartRequired(a, &b))
}

func TestWatchPublishesValidReloads(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"telegram":{"token":"x"}}`)

	m := NewConfigManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(4)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	// An invalid edit is rejected and the committed config stays.
	writeFile(t, dir, "config.json", `{"telegram":{"token":"x"},"contest":{"timezone":"Nowhere/Land"}}`)
	time.Sleep(3 * reloadDebounce)
	require.Equal(t, "Europe/Berlin", m.Get().Contest.Timezone)

	writeFile(t, dir, "config.json", `{"telegram":{"token":"x"},"broadcast":{"channel_name":"reminders"}}`)
	select {
	case cfg := <-ch:
		require.Equal(t, "reminders", cfg.Broadcast.ChannelName)
	case <-time.After(5 * time.Second):
		t.Fatal("reload not published")
	}
	require.Equal(t, "reminders", m.Get().Broadcast.ChannelName)
}
