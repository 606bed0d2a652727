package config

// Config is the on-disk configuration (JSON or YAML). Environment variables
// with the CFBOT_ prefix override a subset of fields; see env.go.
//
// All durations are Go duration strings (e.g. "500ms", "15s", "8h").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Contest   ContestConfig   `json:"contest"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Ops       OpsConfig       `json:"ops"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level,omitempty"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig selects the recipient and community store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/cfreminder.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // sqlite (default) | file
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type ContestConfig struct {
	APIURL   string `json:"api_url,omitempty"`
	LinkBase string `json:"link_base,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
	// Timezone is an IANA zone name used for displayed start times.
	Timezone string `json:"timezone,omitempty"`
}

// DispatchConfig controls the periodic notification cycle.
//
// Enabled and RunOnStart are pointers so an omitted key can default to true.
type DispatchConfig struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	Schedule    string `json:"schedule,omitempty"`
	RunOnStart  *bool  `json:"run_on_start,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

// BroadcastConfig controls delivery to communities.
type BroadcastConfig struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	ChannelName string `json:"channel_name,omitempty"`
}

// OpsConfig controls the operator HTTP endpoint (/healthz, /status.json,
// optional pprof). Prefer a loopback address; any other needs a token.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default 127.0.0.1:6060
	Token   string `json:"token,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
}

func boolPtr(v bool) *bool { return &v }

// BoolOr dereferences p, falling back to def when p is nil.
func BoolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
