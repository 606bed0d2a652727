package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BruceKZ/cfreminder-bot/internal/contest"
	"github.com/BruceKZ/cfreminder-bot/internal/countdown"
	"github.com/BruceKZ/cfreminder-bot/internal/dispatch"
	"github.com/BruceKZ/cfreminder-bot/internal/observability/ops"
)

const (
	DefaultStoragePath = "./data/cfreminder.db"
	DefaultPollTimeout = "30s"
	DefaultLogLevel    = "info"
)

// ApplyDefaults fills omitted fields in place.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Telegram.PollTimeout) == "" {
		c.Telegram.PollTimeout = DefaultPollTimeout
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if strings.TrimSpace(c.Storage.Driver) == "" {
		c.Storage.Driver = "sqlite"
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = DefaultStoragePath
	}
	if strings.TrimSpace(c.Contest.APIURL) == "" {
		c.Contest.APIURL = contest.DefaultAPIURL
	}
	if strings.TrimSpace(c.Contest.LinkBase) == "" {
		c.Contest.LinkBase = contest.DefaultLinkBase
	}
	if strings.TrimSpace(c.Contest.Timeout) == "" {
		c.Contest.Timeout = contest.DefaultTimeout.String()
	}
	if strings.TrimSpace(c.Contest.Timezone) == "" {
		c.Contest.Timezone = countdown.DefaultZone
	}
	if c.Dispatch.Enabled == nil {
		c.Dispatch.Enabled = boolPtr(true)
	}
	if c.Dispatch.RunOnStart == nil {
		c.Dispatch.RunOnStart = boolPtr(true)
	}
	if strings.TrimSpace(c.Dispatch.Schedule) == "" {
		c.Dispatch.Schedule = dispatch.DefaultSchedule
	}
	if c.Dispatch.RatePerSec <= 0 {
		c.Dispatch.RatePerSec = dispatch.DefaultRatePerSec
	}
	if strings.TrimSpace(c.Dispatch.SendTimeout) == "" {
		c.Dispatch.SendTimeout = dispatch.DefaultSendTimeout.String()
	}
	if c.Broadcast.Enabled == nil {
		c.Broadcast.Enabled = boolPtr(true)
	}
	if strings.TrimSpace(c.Broadcast.ChannelName) == "" {
		c.Broadcast.ChannelName = dispatch.DefaultChannelName
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required (or set "+EnvPrefix+"_TELEGRAM_TOKEN)"))
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"contest.timeout", c.Contest.Timeout},
		{"dispatch.send_timeout", c.Dispatch.SendTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "file":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if _, err := countdown.LoadLocation(strings.TrimSpace(c.Contest.Timezone)); err != nil {
		errs = append(errs, fmt.Errorf("contest.timezone: %w", err))
	}
	if _, err := dispatch.ParseSchedule(c.Dispatch.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("dispatch.schedule: %w", err))
	}
	if c.Dispatch.RatePerSec < 0 {
		errs = append(errs, errors.New("dispatch.rate_per_sec must be >= 0"))
	}
	if err := c.OpsSettings().Validate(); err != nil {
		errs = append(errs, err)
	}
	for _, id := range c.Telegram.OwnerUserIDs {
		if id <= 0 {
			errs = append(errs, fmt.Errorf("telegram.owner_user_ids: invalid user id %d", id))
		}
	}
	return errors.Join(errs...)
}

// OpsSettings maps the ops section onto the server config.
func (c *Config) OpsSettings() ops.Config {
	return ops.Config{
		Enabled: c.Ops.Enabled,
		Addr:    strings.TrimSpace(c.Ops.Addr),
		Token:   strings.TrimSpace(c.Ops.Token),
		Pprof:   c.Ops.Pprof,
	}
}
