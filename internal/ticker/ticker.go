// Package ticker is the optional built-in trigger loop for deployments
// without an external periodic caller. It drives the same pass the
// /trigger/run endpoint does, on a cron schedule.
package ticker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "botfarm/pkg/logx"
)

const defaultSchedule = "*/5 * * * *"

type Config struct {
	Enabled  bool
	Schedule string // standard 5-field cron spec

	// Budget bounds one pass, same as the trigger budget.
	Budget time.Duration
}

// RunFunc executes one full pipeline pass.
type RunFunc func(ctx context.Context) error

type Ticker struct {
	run RunFunc
	log logx.Logger

	mu   sync.Mutex
	cfg  Config
	cron *cron.Cron
}

func New(cfg Config, run RunFunc, log logx.Logger) *Ticker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ticker{run: run, log: log, cfg: cfg}
}

// Start schedules the loop. Overlapping passes are skipped rather than
// queued; a pass that overruns its slot just loses the next tick.
func (t *Ticker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cron != nil || !t.cfg.Enabled {
		return nil
	}

	spec := t.cfg.Schedule
	if spec == "" {
		spec = defaultSchedule
	}
	budget := t.cfg.Budget
	if budget <= 0 {
		budget = 55 * time.Second
	}

	cl := cronLogger{t.log}
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cl),
		cron.Recover(cl),
	))
	_, err := c.AddFunc(spec, func() {
		passCtx, cancel := context.WithTimeout(ctx, budget)
		defer cancel()
		if err := t.run(passCtx); err != nil {
			t.log.Error("ticker pass failed", logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("cron schedule %q: %w", spec, err)
	}

	c.Start()
	t.cron = c
	t.log.Info("ticker started", logx.String("schedule", spec))
	return nil
}

func (t *Ticker) Stop() {
	t.mu.Lock()
	c := t.cron
	t.cron = nil
	t.mu.Unlock()
	if c == nil {
		return
	}
	// Stop returns a context done when running jobs finish.
	<-c.Stop().Done()
	t.log.Info("ticker stopped")
}

// Apply restarts the loop when the schedule or enablement changed.
func (t *Ticker) Apply(ctx context.Context, cfg Config) error {
	t.mu.Lock()
	prev := t.cfg
	t.cfg = cfg
	running := t.cron != nil
	t.mu.Unlock()

	if running && (prev.Schedule != cfg.Schedule || !cfg.Enabled) {
		t.Stop()
		running = false
	}
	if !running && cfg.Enabled {
		return t.Start(ctx)
	}
	return nil
}

// cronLogger adapts logx to the cron logging interface.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
