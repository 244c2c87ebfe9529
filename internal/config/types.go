package config

// Config is the full startup configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Configs may be written in YAML or JSON; both go through the same strict
// decoder, so unknown keys are rejected in either format.
type Config struct {
	API            APIConfig          `json:"api"`
	CircuitBreaker CircuitConfig      `json:"circuit_breaker"`
	Denylist       []string           `json:"denylist,omitempty"`
	Notification   NotificationConfig `json:"notification"`
	Feeds          []FeedConfig       `json:"feeds,omitempty"`
	Storage        StorageConfig      `json:"storage"`
	Logging        LoggingConfig      `json:"logging"`

	// Scheduler is only used by daemon mode; one-shot runs ignore it.
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
}

// APIConfig configures request/response upstream integrations.
type APIConfig struct {
	AniList AniListConfig `json:"anilist"`
}

// AniListConfig controls the AniList GraphQL client.
//
// Defaults (when fields are omitted/zero):
//   - endpoint: https://graphql.anilist.co
//   - requests_per_minute: 90 (AniList's documented ceiling)
//   - min_requests_per_minute: 10
//   - timeout: "30s"
//   - retry_max: 3
type AniListConfig struct {
	Endpoint             string `json:"endpoint,omitempty"`
	RequestsPerMinute    int    `json:"requests_per_minute,omitempty"`
	MinRequestsPerMinute int    `json:"min_requests_per_minute,omitempty"`
	Timeout              string `json:"timeout,omitempty"`
	RetryMax             int    `json:"retry_max,omitempty"`
}

// CircuitConfig controls per-source failure isolation.
type CircuitConfig struct {
	FailureThreshold int    `json:"failure_threshold,omitempty"` // default 5
	Cooldown         string `json:"cooldown,omitempty"`          // default "60s"
}

// FeedConfig describes one polled feed endpoint.
type FeedConfig struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Kind    string `json:"kind"` // "anime" or "manga"
	Enabled bool   `json:"enabled"`
	Timeout string `json:"timeout,omitempty"` // default "20s"
}

// NotificationConfig controls both downstream channels.
type NotificationConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Calendar CalendarConfig `json:"calendar"`

	// RetryMax bounds delivery retries per channel per release.
	RetryMax      int    `json:"retry_max,omitempty"`       // default 2
	RetryBase     string `json:"retry_base,omitempty"`      // default "500ms"
	RetryMaxDelay string `json:"retry_max_delay,omitempty"` // default "10s"
}

type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

// CalendarConfig points at the calendar events HTTP API.
// If CalendarID is empty the secondary channel is disabled.
type CalendarConfig struct {
	BaseURL    string `json:"base_url,omitempty"`
	CalendarID string `json:"calendar_id,omitempty"`
	Token      string `json:"token,omitempty"`
	Timeout    string `json:"timeout,omitempty"` // default "20s"
}

// StorageConfig controls the SQLite store.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // default "5s"
}

type LoggingConfig struct {
	Level   string      `json:"level,omitempty"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// SchedulerConfig controls daemon-mode triggering.
//
// Schedule is a standard 5-field cron spec. One collection cycle runs per
// trigger; overlapping triggers are skipped while a cycle is in flight.
type SchedulerConfig struct {
	Schedule string `json:"schedule,omitempty"` // default "0 8,20 * * *"
}
