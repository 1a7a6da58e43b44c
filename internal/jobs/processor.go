package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"botfarm/internal/eventbus"
	"botfarm/internal/store"
	logx "botfarm/pkg/logx"
)

// Handler executes one claimed job. Returning an error fails the job; wrap
// with NoRetry for conditions a retry cannot fix.
type Handler interface {
	Handle(ctx context.Context, job store.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job store.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job store.Job) error { return f(ctx, job) }

// JobStore is the slice of the store the processor needs. *store.Store
// implements it; tests substitute fakes.
type JobStore interface {
	ClaimJobs(ctx context.Context, limit int) ([]store.Job, error)
	SucceedJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id, errorMessage string, permanent bool) (store.JobStatus, error)
}

// Config controls execution throttles.
//
// Defaults (when fields are omitted/zero):
//   - max_concurrent: 4
//   - generations_per_minute: 30
type Config struct {
	MaxConcurrent        int
	GenerationsPerMinute int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.GenerationsPerMinute <= 0 {
		c.GenerationsPerMinute = 30
	}
	return c
}

// Result aggregates one processing pass.
type Result struct {
	Processed int      `json:"processed"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors"`
}

// Processor claims batches of jobs and routes each to its handler.
//
// Failure isolation: one job's error never aborts the batch. Only a claim
// failure (store unavailable) propagates to the caller, because in that case
// nothing was locked and the whole pass is void.
type Processor struct {
	st  JobStore
	log logx.Logger
	bus eventbus.Bus

	handlers map[Kind]Handler

	mu  sync.Mutex
	cfg Config
	sem *semaphore.Weighted
	gen *rate.Limiter
}

func New(cfg Config, st JobStore, handlers map[Kind]Handler, log logx.Logger, bus eventbus.Bus) *Processor {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Processor{
		st:       st,
		log:      log,
		bus:      bus,
		handlers: handlers,
		cfg:      cfg,
	}
	p.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	p.gen = rate.NewLimiter(rate.Limit(float64(cfg.GenerationsPerMinute)/60.0), 1)
	return p
}

// Apply updates throttles at runtime (config hot reload). In-flight passes
// keep the limiters they started with.
func (p *Processor) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	p.mu.Lock()
	if cfg.MaxConcurrent != p.cfg.MaxConcurrent {
		p.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	if cfg.GenerationsPerMinute != p.cfg.GenerationsPerMinute {
		p.gen = rate.NewLimiter(rate.Limit(float64(cfg.GenerationsPerMinute)/60.0), 1)
	}
	p.cfg = cfg
	p.mu.Unlock()
}

// ProcessJobs claims up to limit runnable jobs and executes them with bounded
// concurrency. Claimed jobs run with no required ordering; the claim itself
// is oldest-due-first.
func (p *Processor) ProcessJobs(ctx context.Context, limit int) (Result, error) {
	var res Result
	res.Errors = []string{}

	claimed, err := p.st.ClaimJobs(ctx, limit)
	if err != nil {
		return res, fmt.Errorf("claim jobs: %w", err)
	}
	if len(claimed) == 0 {
		return res, nil
	}

	p.mu.Lock()
	sem := p.sem
	gen := p.gen
	p.mu.Unlock()

	type outcome struct {
		failed bool
		errMsg string
	}
	outcomes := make([]outcome, len(claimed))

	var wg sync.WaitGroup
	for i, job := range claimed {
		i, job := i, job

		if err := sem.Acquire(ctx, 1); err != nil {
			// Trigger budget exhausted while waiting for a slot. The job is
			// still RUNNING; mark it for retry rather than leaving it for the
			// slower stuck-job reclamation.
			msg := fmt.Sprintf("trigger budget exhausted before start: %v", err)
			p.finishJob(job, false, msg, false)
			outcomes[i] = outcome{failed: true, errMsg: msg}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			ok, msg, permanent := p.execOne(ctx, gen, job)
			if !ok {
				outcomes[i] = outcome{failed: true, errMsg: msg}
				p.finishJob(job, false, msg, permanent)
				return
			}
			p.finishJob(job, true, "", false)
		}()
	}
	wg.Wait()

	for _, o := range outcomes {
		res.Processed++
		if o.failed {
			res.Failed++
			res.Errors = append(res.Errors, o.errMsg)
		} else {
			res.Succeeded++
		}
	}
	// Processed counts only jobs we actually handled; sem.Acquire failures
	// above are already in outcomes, so this equals len(claimed).
	return res, nil
}

// execOne runs a single job and reports (ok, errorMessage, permanent).
// Panics in handlers are converted to errors so one bad job cannot take down
// the pass.
func (p *Processor) execOne(ctx context.Context, gen *rate.Limiter, job store.Job) (ok bool, msg string, permanent bool) {
	kind, known := ParseKind(job.Kind)
	if !known {
		return false, fmt.Sprintf("unknown job kind %q", job.Kind), true
	}
	handler, exists := p.handlers[kind]
	if !exists {
		return false, fmt.Sprintf("no handler registered for %s", kind), true
	}
	if kind.BotScoped() && job.BotID == "" {
		return false, fmt.Sprintf("%s job %s has no bot id", kind, job.ID), true
	}

	if kind.CallsGenerator() && gen != nil {
		if err := gen.Wait(ctx); err != nil {
			return false, fmt.Sprintf("generation throttle wait: %v", err), false
		}
	}

	start := time.Now()
	p.log.Debug("job.started", logx.String("job", job.ID), logx.String("kind", job.Kind), logx.Int("attempt", job.Attempts))

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				p.log.Error("job.panic", logx.String("job", job.ID), logx.String("kind", job.Kind), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		err = handler.Handle(ctx, job)
	}()

	dur := time.Since(start)
	if err != nil {
		p.log.Warn("job.failed", logx.String("job", job.ID), logx.String("kind", job.Kind), logx.Err(err), logx.Duration("dur", dur), logx.Int("attempt", job.Attempts))
		return false, err.Error(), IsNoRetry(err)
	}
	p.log.Info("job.completed", logx.String("job", job.ID), logx.String("kind", job.Kind), logx.Duration("dur", dur), logx.Int("attempt", job.Attempts))
	return true, "", false
}

// finishJob records the terminal transition for this attempt and emits the
// lifecycle event. Store errors here are logged, not propagated: the job
// stays RUNNING and the stuck-job reclamation will return it to the queue.
func (p *Processor) finishJob(job store.Job, succeeded bool, errMsg string, permanent bool) {
	// Use a fresh context: the trigger budget must not prevent us from
	// recording an outcome we already paid for.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if succeeded {
		if err := p.st.SucceedJob(ctx, job.ID); err != nil {
			p.log.Error("job succeed mark failed", logx.String("job", job.ID), logx.Err(err))
			return
		}
		if p.bus != nil {
			p.bus.Publish(eventbus.Event{Type: eventbus.TypeJobSucceeded, Data: JobEvent{ID: job.ID, Kind: job.Kind, BotID: job.BotID, Attempts: job.Attempts}})
		}
		return
	}

	st, err := p.st.FailJob(ctx, job.ID, errMsg, permanent)
	if err != nil {
		p.log.Error("job fail mark failed", logx.String("job", job.ID), logx.Err(err))
		return
	}
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFailed, Data: JobEvent{ID: job.ID, Kind: job.Kind, BotID: job.BotID, Attempts: job.Attempts, Error: errMsg, Terminal: st == store.StatusFailed}})
	}
}

// JobEvent is the bus payload for job lifecycle events.
type JobEvent struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	BotID    string `json:"bot_id,omitempty"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`

	// Terminal is true when the job went to failed (no more retries).
	Terminal bool `json:"terminal,omitempty"`
}
