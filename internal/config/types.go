package config

// Config is the full on-disk configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown keys are rejected so typos are caught at load time.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Server    ServerConfig    `json:"server"`
	Store     StoreConfig     `json:"store"`
	Worker    WorkerConfig    `json:"worker"`
	Rhythm    RhythmConfig    `json:"rhythm"`
	Providers ProvidersConfig `json:"providers"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Ticker    *TickerConfig   `json:"ticker,omitempty"`
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

// ServerConfig controls the trigger HTTP server.
//
// Security note:
//   - Prefer binding to localhost behind a reverse proxy.
//   - A non-loopback bind requires trigger_secret (or allow_insecure).
type ServerConfig struct {
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:8344"
	TriggerSecret string `json:"trigger_secret"` // shared-secret bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// TriggerBudget bounds a single trigger invocation's wall clock.
	// The host environment is assumed to kill the process shortly after.
	TriggerBudget string `json:"trigger_budget,omitempty"` // default "55s"

	// BatchSize is the number of jobs claimed per processing pass.
	BatchSize int `json:"batch_size,omitempty"` // default 25

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// StoreConfig controls the sqlite persistence layer.
type StoreConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // default "5s"
}

// WorkerConfig controls job execution and retry policy.
//
// Defaults (when fields are omitted/zero):
//   - max_attempts: 3
//   - retry_base: "30s"
//   - retry_max_delay: "30m"
//   - stale_after: "1h"
//   - max_concurrent: 4
//   - generations_per_minute: 30
type WorkerConfig struct {
	MaxAttempts   int    `json:"max_attempts,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	// StaleAfter is how long a job may sit in running before it is
	// considered abandoned and reclaimed.
	StaleAfter string `json:"stale_after,omitempty"`

	MaxConcurrent        int `json:"max_concurrent,omitempty"`
	GenerationsPerMinute int `json:"generations_per_minute,omitempty"`
}

// RhythmConfig shapes the organic posting cadence.
type RhythmConfig struct {
	// ActiveHours is the span of a bot's posting day.
	ActiveHours int `json:"active_hours,omitempty"` // default 16

	// Jitter is the +/- fraction applied to the base interval (0.3 = 30%).
	Jitter float64 `json:"jitter,omitempty"`

	QuietStartHour   int `json:"quiet_start_hour,omitempty"`   // default 23
	MorningStartHour int `json:"morning_start_hour,omitempty"` // default 8
	MorningEndHour   int `json:"morning_end_hour,omitempty"`   // default 11
}

// ProvidersConfig points at the platform backend hosting content generation,
// publishing, agent cycles, crew interactions, and engagement ranking.
type ProvidersConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token,omitempty"`
	Timeout string `json:"timeout,omitempty"` // per-call, default "60s"
}

// NotifierConfig controls operator failure alerts.
// If the whole section is omitted, alerts are disabled.
type NotifierConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token"`
	ChatID      int64  `json:"chat_id"`
	RatePerMin  int    `json:"rate_per_min,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"`
}

// TickerConfig controls the optional built-in trigger loop.
//
// Production deployments are expected to drive the pipeline with an external
// periodic caller hitting the trigger endpoints; the ticker exists for
// self-hosted and dev setups. Off by default.
type TickerConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron spec, default "*/5 * * * *"
}
