package config

import (
	"slices"
	"sort"
	"strings"

	logx "github.com/BruceKZ/cfreminder-bot/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and log fields
// describing the new values. The bot token is never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)
	same := func(a, b string) bool { return strings.TrimSpace(a) == strings.TrimSpace(b) }

	o, n := oldCfg.Telegram, newCfg.Telegram
	if !same(o.PollTimeout, n.PollTimeout) || !slices.Equal(o.OwnerUserIDs, n.OwnerUserIDs) || o.Token != n.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", n.PollTimeout),
			logx.Int("telegram.owner_count", len(n.OwnerUserIDs)),
			logx.Bool("telegram.token_changed", o.Token != n.Token),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}

	if oldCfg.Contest != newCfg.Contest {
		changed = append(changed, "contest")
		attrs = append(attrs,
			logx.String("contest.timezone", newCfg.Contest.Timezone),
			logx.String("contest.timeout", newCfg.Contest.Timeout),
		)
	}

	od, nd := oldCfg.Dispatch, newCfg.Dispatch
	if BoolOr(od.Enabled, true) != BoolOr(nd.Enabled, true) ||
		BoolOr(od.RunOnStart, true) != BoolOr(nd.RunOnStart, true) ||
		!same(od.Schedule, nd.Schedule) || od.RatePerSec != nd.RatePerSec || !same(od.SendTimeout, nd.SendTimeout) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Bool("dispatch.enabled", BoolOr(nd.Enabled, true)),
			logx.String("dispatch.schedule", nd.Schedule),
			logx.Int("dispatch.rate_per_sec", nd.RatePerSec),
		)
	}

	ob, nb := oldCfg.Broadcast, newCfg.Broadcast
	if BoolOr(ob.Enabled, true) != BoolOr(nb.Enabled, true) || !same(ob.ChannelName, nb.ChannelName) {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Bool("broadcast.enabled", BoolOr(nb.Enabled, true)),
			logx.String("broadcast.channel_name", nb.ChannelName),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
			logx.Bool("ops.token_set", newCfg.Ops.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed settings that only take effect after a
// restart (the live bot connection and the open store).
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Telegram.Token != newCfg.Telegram.Token {
		out = append(out, "telegram.token")
	}
	if oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout {
		out = append(out, "telegram.poll_timeout")
	}
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	if oldCfg.Contest.APIURL != newCfg.Contest.APIURL || oldCfg.Contest.Timeout != newCfg.Contest.Timeout {
		out = append(out, "contest.api_url/timeout")
	}
	return out
}
