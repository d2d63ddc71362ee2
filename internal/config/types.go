package config

// Config is the whole on-disk configuration. JSON and YAML are both
// accepted; YAML is coerced to JSON before decoding so one strict decoder
// covers both. All duration fields are Go duration strings (e.g. "500ms",
// "30s", "1h").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Session   SessionConfig   `json:"session"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Oneshot   OneshotConfig   `json:"oneshot"`

	// Storage is the persistence layer for pending one-time jobs.
	// Omitted or driver "none" means jobs live in memory only.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Schedules seeds the recurring schedule table. The whole table is
	// replaced on config reload: entries that vanish are removed.
	Schedules []ScheduleEntry `json:"schedules,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is the getUpdates long-poll timeout.
	PollTimeout string `json:"poll_timeout,omitempty"`
	// RatePerSec caps outbound Bot API calls (Telegram's own flood ceiling,
	// separate from the admission windows under rate_limit).
	RatePerSec int `json:"rate_per_sec,omitempty"`
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

// RateLimitConfig sets the sliding-window admission ceilings.
// A ceiling of 0 keeps the built-in default; denied sends are queued and
// retried by the drain loop, never dropped before max_queue_age.
type RateLimitConfig struct {
	GlobalPerMinute       int    `json:"global_per_minute,omitempty"`
	GlobalPerHour         int    `json:"global_per_hour,omitempty"`
	PerRecipientPerMinute int    `json:"per_recipient_per_minute,omitempty"`
	DrainInterval         string `json:"drain_interval,omitempty"`
	MaxQueueAge           string `json:"max_queue_age,omitempty"`
}

type DeliveryConfig struct {
	// RecipientDelay paces sequential sends inside one batch.
	RecipientDelay string `json:"recipient_delay,omitempty"`
}

// SessionConfig tunes the reconnect backoff:
// delay = min(base_delay * multiplier^(attempt-1), max_delay), giving up
// after max_attempts until the connection recovers.
type SessionConfig struct {
	BaseDelay   string  `json:"base_delay,omitempty"`
	MaxDelay    string  `json:"max_delay,omitempty"`
	Multiplier  float64 `json:"multiplier,omitempty"`
	MaxAttempts int     `json:"max_attempts,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone is the default cron timezone; per-entry timezones win.
	Timezone string `json:"timezone,omitempty"`
}

type OneshotConfig struct {
	PollInterval string `json:"poll_interval,omitempty"`
	SaveInterval string `json:"save_interval,omitempty"`
	// StaleAfter drops jobs whose fire time is older than this at load.
	StaleAfter string `json:"stale_after,omitempty"`
}

// StorageConfig controls one-time job persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./courier.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// ScheduleEntry is one recurring delivery in the schedule table.
type ScheduleEntry struct {
	ID         string   `json:"id"`
	Cron       string   `json:"cron"`
	Timezone   string   `json:"timezone,omitempty"`
	Recipients []string `json:"recipients"`
	Message    string   `json:"message"`
	// Enabled is a pointer so an omitted field means true.
	Enabled *bool `json:"enabled,omitempty"`
}

func (e ScheduleEntry) IsEnabled() bool { return e.Enabled == nil || *e.Enabled }
