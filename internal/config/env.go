package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g. CFBOT_TELEGRAM_TOKEN.
const EnvPrefix = "CFBOT"

// envOverlay lists the settings that may come from the environment.
// Unset variables leave the file value untouched.
type envOverlay struct {
	TelegramToken string  `envconfig:"TELEGRAM_TOKEN"`
	OwnerUserIDs  []int64 `envconfig:"OWNER_USER_IDS"`
	StorageDriver string  `envconfig:"STORAGE_DRIVER"`
	StoragePath   string  `envconfig:"STORAGE_PATH"`
	LogLevel      string  `envconfig:"LOG_LEVEL"`
	Timezone      string  `envconfig:"TIMEZONE"`
	Schedule      string  `envconfig:"SCHEDULE"`
	ChannelName   string  `envconfig:"CHANNEL_NAME"`
	OpsToken      string  `envconfig:"OPS_TOKEN"`
}

// applyEnv overlays CFBOT_* variables onto cfg.
func applyEnv(cfg *Config) error {
	var env envOverlay
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("env: %w", err)
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, env.TelegramToken)
	set(&cfg.Storage.Driver, env.StorageDriver)
	set(&cfg.Storage.Path, env.StoragePath)
	set(&cfg.Logging.Level, env.LogLevel)
	set(&cfg.Contest.Timezone, env.Timezone)
	set(&cfg.Dispatch.Schedule, env.Schedule)
	set(&cfg.Broadcast.ChannelName, env.ChannelName)
	set(&cfg.Ops.Token, env.OpsToken)
	if len(env.OwnerUserIDs) > 0 {
		cfg.Telegram.OwnerUserIDs = env.OwnerUserIDs
	}
	return nil
}
