package app

import (
	"time"

	"botfarm/internal/config"
	"botfarm/internal/jobs"
	"botfarm/internal/notifier"
	"botfarm/internal/providers/httpapi"
	"botfarm/internal/scheduler"
	"botfarm/internal/server"
	"botfarm/internal/store"
	"botfarm/internal/ticker"
	logx "botfarm/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStore(cfg *config.Config) (store.Config, error) {
	busy, err := config.ParseDurationOrDefault("store.busy_timeout", cfg.Store.BusyTimeout, 5*time.Second)
	if err != nil {
		return store.Config{}, err
	}
	retry, err := mapRetry(cfg)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Path:        cfg.Store.Path,
		BusyTimeout: busy,
		Retry:       retry,
	}, nil
}

func mapRetry(cfg *config.Config) (store.RetryPolicy, error) {
	base, err := config.ParseDurationOrDefault("worker.retry_base", cfg.Worker.RetryBase, 30*time.Second)
	if err != nil {
		return store.RetryPolicy{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("worker.retry_max_delay", cfg.Worker.RetryMaxDelay, 30*time.Minute)
	if err != nil {
		return store.RetryPolicy{}, err
	}
	return store.RetryPolicy{
		MaxAttempts: cfg.Worker.MaxAttempts,
		Base:        base,
		MaxDelay:    maxDelay,
	}, nil
}

func mapProcessor(cfg *config.Config) jobs.Config {
	return jobs.Config{
		MaxConcurrent:        cfg.Worker.MaxConcurrent,
		GenerationsPerMinute: cfg.Worker.GenerationsPerMinute,
	}
}

func mapStaleAfter(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("worker.stale_after", cfg.Worker.StaleAfter, time.Hour)
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Rhythm: scheduler.RhythmConfig{
			ActiveHours:      cfg.Rhythm.ActiveHours,
			Jitter:           cfg.Rhythm.Jitter,
			QuietStartHour:   cfg.Rhythm.QuietStartHour,
			MorningStartHour: cfg.Rhythm.MorningStartHour,
			MorningEndHour:   cfg.Rhythm.MorningEndHour,
		},
	}
}

func mapServer(cfg *config.Config) (server.Config, error) {
	budget, err := config.ParseDurationOrDefault("server.trigger_budget", cfg.Server.TriggerBudget, 55*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	rt, err := config.ParseDurationOrDefault("server.read_timeout", cfg.Server.ReadTimeout, 10*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	// The write timeout must cover a whole trigger pass.
	wt, err := config.ParseDurationOrDefault("server.write_timeout", cfg.Server.WriteTimeout, budget+10*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("server.idle_timeout", cfg.Server.IdleTimeout, 60*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		Addr:          cfg.Server.Addr,
		Secret:        cfg.Server.TriggerSecret,
		AllowInsecure: cfg.Server.AllowInsecure,
		TriggerBudget: budget,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}

func mapBatchSize(cfg *config.Config) int {
	if cfg.Server.BatchSize <= 0 {
		return 25
	}
	return cfg.Server.BatchSize
}

func mapProviders(cfg *config.Config) (httpapi.Config, error) {
	timeout, err := config.ParseDurationOrDefault("providers.timeout", cfg.Providers.Timeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		BaseURL: cfg.Providers.BaseURL,
		Token:   cfg.Providers.Token,
		Timeout: timeout,
	}, nil
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	if cfg.Notifier == nil {
		return notifier.Config{}, nil
	}
	window, err := config.ParseDurationOrDefault("notifier.dedup_window", cfg.Notifier.DedupWindow, 10*time.Minute)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:     cfg.Notifier.Enabled,
		RatePerMin:  cfg.Notifier.RatePerMin,
		DedupWindow: window,
	}, nil
}

func mapTicker(cfg *config.Config, budget time.Duration) ticker.Config {
	out := ticker.Config{Budget: budget}
	if cfg.Ticker != nil {
		out.Enabled = cfg.Ticker.Enabled
		out.Schedule = cfg.Ticker.Schedule
	}
	return out
}
