package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks cross-field constraints and duration syntax.
// It is used both at startup and as the Watch() validator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	durations := []struct{ path, raw string }{
		{"server.trigger_budget", cfg.Server.TriggerBudget},
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"store.busy_timeout", cfg.Store.BusyTimeout},
		{"worker.retry_base", cfg.Worker.RetryBase},
		{"worker.retry_max_delay", cfg.Worker.RetryMaxDelay},
		{"worker.stale_after", cfg.Worker.StaleAfter},
		{"providers.timeout", cfg.Providers.Timeout},
	}
	if cfg.Notifier != nil {
		durations = append(durations, struct{ path, raw string }{"notifier.dedup_window", cfg.Notifier.DedupWindow})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if cfg.Server.BatchSize < 0 {
		return fmt.Errorf("server.batch_size must be >= 0")
	}
	if cfg.Worker.MaxAttempts < 0 {
		return fmt.Errorf("worker.max_attempts must be >= 0")
	}
	if cfg.Worker.MaxConcurrent < 0 {
		return fmt.Errorf("worker.max_concurrent must be >= 0")
	}
	if cfg.Worker.GenerationsPerMinute < 0 {
		return fmt.Errorf("worker.generations_per_minute must be >= 0")
	}

	r := cfg.Rhythm
	if r.Jitter < 0 || r.Jitter >= 1 {
		if r.Jitter != 0 {
			return fmt.Errorf("rhythm.jitter must be in [0, 1)")
		}
	}
	for _, h := range []struct {
		path string
		val  int
	}{
		{"rhythm.active_hours", r.ActiveHours},
		{"rhythm.quiet_start_hour", r.QuietStartHour},
		{"rhythm.morning_start_hour", r.MorningStartHour},
		{"rhythm.morning_end_hour", r.MorningEndHour},
	} {
		if h.val < 0 || h.val > 24 {
			return fmt.Errorf("%s must be in [0, 24]", h.path)
		}
	}
	if r.MorningStartHour != 0 && r.MorningEndHour != 0 && r.MorningEndHour <= r.MorningStartHour {
		return fmt.Errorf("rhythm.morning_end_hour must be after rhythm.morning_start_hour")
	}

	if strings.TrimSpace(cfg.Providers.BaseURL) == "" {
		return fmt.Errorf("providers.base_url is required")
	}
	if u, err := url.Parse(cfg.Providers.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("providers.base_url must be an absolute URL")
	}

	if cfg.Notifier != nil && cfg.Notifier.Enabled {
		if cfg.Notifier.Token == "" {
			return fmt.Errorf("notifier.token is required when notifier is enabled")
		}
		if cfg.Notifier.ChatID == 0 {
			return fmt.Errorf("notifier.chat_id is required when notifier is enabled")
		}
	}

	return nil
}
