package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Source   SourceConfig   `json:"source"`
	Poller   PollerConfig   `json:"poller"`
	Notifier NotifierConfig `json:"notifier"`
}

type TelegramConfig struct {
	Token string `json:"token"`
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

// StorageConfig selects the keyed store backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./roomwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SourceConfig points at the remote room-status API.
type SourceConfig struct {
	BaseURL string `json:"base_url"`
	Timeout string `json:"timeout,omitempty"` // per-request bound, default "10s"
}

// PollerConfig tunes the poll and sweep jobs.
//
// All durations are Go duration strings. Specs accept cron expressions or
// "@every <duration>"; the defaults poll every minute and sweep every six
// hours. The lease TTL must stay below the poll interval so a crashed
// cycle self-heals before the next tick.
type PollerConfig struct {
	PollSpec  string `json:"poll_spec,omitempty"`  // default "@every 1m"
	SweepSpec string `json:"sweep_spec,omitempty"` // default "@every 6h"

	BatchSize     int    `json:"batch_size,omitempty"`      // default 10
	Stagger       string `json:"stagger,omitempty"`         // default "250ms"
	BatchPause    string `json:"batch_pause,omitempty"`     // default "1s"
	ErrorBudget   int    `json:"error_budget,omitempty"`    // default 5
	FanoutFailCap int    `json:"fanout_fail_cap,omitempty"` // default 10
	GracePeriod   string `json:"grace_period,omitempty"`    // default "2m"
	LeaseTTL      string `json:"lease_ttl,omitempty"`       // default "55s"
}

// NotifierConfig tunes outbound delivery.
type NotifierConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"` // default 20
}
