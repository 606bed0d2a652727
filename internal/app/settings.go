package app

import (
	"strings"
	"time"

	"github.com/BruceKZ/cfreminder-bot/internal/config"
	"github.com/BruceKZ/cfreminder-bot/internal/contest"
	"github.com/BruceKZ/cfreminder-bot/internal/dispatch"
	"github.com/BruceKZ/cfreminder-bot/internal/storage"
	logx "github.com/BruceKZ/cfreminder-bot/pkg/logx"
)

// The mappers below take a validated config; Validate has already rejected
// bad durations, zones and schedules.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config, d config.Durations) storage.Config {
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: d.BusyTimeout,
	}
}

func mapContestConfig(cfg *config.Config, d config.Durations) contest.ClientConfig {
	return contest.ClientConfig{
		APIURL:  strings.TrimSpace(cfg.Contest.APIURL),
		Timeout: d.ContestTimeout,
	}
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	d, err := cfg.Durations()
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Enabled:     config.BoolOr(cfg.Dispatch.Enabled, true),
		Schedule:    strings.TrimSpace(cfg.Dispatch.Schedule),
		RunOnStart:  config.BoolOr(cfg.Dispatch.RunOnStart, true),
		RatePerSec:  cfg.Dispatch.RatePerSec,
		SendTimeout: d.SendTimeout,
		Broadcast:   config.BoolOr(cfg.Broadcast.Enabled, true),
		ChannelName: strings.TrimSpace(cfg.Broadcast.ChannelName),
	}, nil
}

func pollTimeout(d config.Durations) time.Duration {
	if d.PollTimeout <= 0 {
		return 30 * time.Second
	}
	return d.PollTimeout
}
