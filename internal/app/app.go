// Package app wires the pipeline together: config, store, scheduler,
// processor, trigger server, and the optional notifier and ticker.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"botfarm/internal/config"
	"botfarm/internal/eventbus"
	"botfarm/internal/handlers"
	"botfarm/internal/jobs"
	"botfarm/internal/notifier"
	"botfarm/internal/providers/httpapi"
	rtsup "botfarm/internal/runtime/supervisor"
	"botfarm/internal/scheduler"
	"botfarm/internal/server"
	"botfarm/internal/store"
	"botfarm/internal/telemetry"
	"botfarm/internal/ticker"
	logx "botfarm/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	st    *store.Store
	sched *scheduler.Scheduler
	proc  *jobs.Processor
	ring  *telemetry.Ring
	rep   *telemetry.Reporter
	srv   *server.Server
	notif *notifier.Service
	tick  *ticker.Ticker

	mu         sync.Mutex
	staleAfter time.Duration
	batchSize  int
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return config.Validate(c)
	})
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	stCfg, err := mapStore(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(stCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	staleAfter, err := mapStaleAfter(cfg)
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(mapScheduler(cfg), st, log.With(logx.String("comp", "scheduler")), bus)
	ring := telemetry.NewRing(0)
	rep := telemetry.NewReporter(st, ring, staleAfter)

	provCfg, err := mapProviders(cfg)
	if err != nil {
		return nil, err
	}
	backend, err := httpapi.New(provCfg, log.With(logx.String("comp", "providers")))
	if err != nil {
		return nil, err
	}

	hset, err := handlers.New(handlers.Deps{
		Store:      st,
		Scheduler:  sched,
		Ring:       ring,
		Bus:        bus,
		Log:        log.With(logx.String("comp", "handlers")),
		Generator:  backend,
		Publisher:  backend,
		Agent:      backend,
		Interactor: backend,
		Ranker:     backend,
		Profiles:   backend,
	})
	if err != nil {
		return nil, err
	}

	proc := jobs.New(mapProcessor(cfg), st, hset.Routes(), log.With(logx.String("comp", "processor")), bus)

	a := &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		st:         st,
		sched:      sched,
		proc:       proc,
		ring:       ring,
		rep:        rep,
		staleAfter: staleAfter,
		batchSize:  mapBatchSize(cfg),
	}

	srvCfg, err := mapServer(cfg)
	if err != nil {
		return nil, err
	}
	a.srv = server.New(srvCfg, a, rep, log.With(logx.String("comp", "server")))

	if cfg.Notifier != nil && cfg.Notifier.Enabled {
		sender, err := notifier.NewTelegramSender(cfg.Notifier.Token, cfg.Notifier.ChatID)
		if err != nil {
			return nil, err
		}
		ncfg, err := mapNotifier(cfg)
		if err != nil {
			return nil, err
		}
		a.notif = notifier.New(ncfg, sender, log.With(logx.String("comp", "notifier")), bus)
	}

	a.tick = ticker.New(mapTicker(cfg, srvCfg.TriggerBudget), func(ctx context.Context) error {
		sum, err := a.Run(ctx)
		if err != nil {
			return err
		}
		a.log.Info("scheduled pass completed",
			logx.Int("reclaimed", sum.Reclaimed),
			logx.Int("enqueued", sum.Enqueued),
			logx.Int("agent_cycles", sum.AgentCycles),
			logx.Int("processed", sum.Processing.Processed),
			logx.Int("failed", sum.Processing.Failed),
		)
		return nil
	}, log.With(logx.String("comp", "ticker")))

	return a, nil
}

// Run implements server.Pipeline: reclaim stuck jobs, enqueue due work, and
// run one processing pass. Each stage's result feeds the summary even when a
// later stage fails.
func (a *App) Run(ctx context.Context) (server.RunSummary, error) {
	var sum server.RunSummary

	a.mu.Lock()
	stale := a.staleAfter
	batch := a.batchSize
	a.mu.Unlock()

	n, err := a.st.ReclaimStuck(ctx, stale)
	if err != nil {
		return sum, fmt.Errorf("reclaim stuck: %w", err)
	}
	sum.Reclaimed = n
	if n > 0 {
		a.log.Warn("reclaimed stuck jobs", logx.Int("count", n))
	}

	enq, err := a.sched.EnqueueScheduledBots(ctx)
	if err != nil {
		return sum, err
	}
	sum.Enqueued = enq

	cyc, err := a.sched.EnqueueAgentCycles(ctx)
	if err != nil {
		return sum, err
	}
	sum.AgentCycles = cyc

	res, err := a.proc.ProcessJobs(ctx, batch)
	if err != nil {
		return sum, err
	}
	sum.Processing = res
	return sum, nil
}

// Process implements server.Pipeline: one processing pass without the
// scheduling stages.
func (a *App) Process(ctx context.Context) (jobs.Result, error) {
	a.mu.Lock()
	batch := a.batchSize
	a.mu.Unlock()
	return a.proc.ProcessJobs(ctx, batch)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	if err := a.srv.Start(a.sup.Context()); err != nil {
		return err
	}

	if a.notif != nil {
		a.sup.GoRestart("notifier", a.notif.Run)
	}

	if err := a.tick.Start(a.sup.Context()); err != nil {
		return err
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		prev := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(c, prev, newCfg)
				prev = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("started")
	return nil
}

// applyConfig fans a validated reload out to the live components. Store,
// providers, and notifier credentials are fixed at startup; changes there
// only warn.
func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	a.logs.Apply(mapLogging(cfg))

	if prev != nil {
		if prev.Store != cfg.Store {
			a.log.Warn("store config changed; restart required for changes to take effect")
		}
		if prev.Providers != cfg.Providers {
			a.log.Warn("providers config changed; restart required for changes to take effect")
		}
	}

	if retry, err := mapRetry(cfg); err == nil {
		a.st.SetRetryPolicy(retry)
	} else {
		a.log.Warn("invalid worker retry config; keeping previous", logx.Err(err))
	}

	a.proc.Apply(mapProcessor(cfg))
	a.sched.Apply(mapScheduler(cfg))

	if stale, err := mapStaleAfter(cfg); err == nil {
		a.mu.Lock()
		a.staleAfter = stale
		a.batchSize = mapBatchSize(cfg)
		a.mu.Unlock()
	}

	srvCfg, err := mapServer(cfg)
	if err != nil {
		a.log.Warn("invalid server config; keeping previous", logx.Err(err))
	} else if err := a.srv.Apply(ctx, srvCfg); err != nil {
		a.log.Error("server reconfigure failed", logx.Err(err))
	}

	if a.notif != nil {
		if ncfg, err := mapNotifier(cfg); err == nil {
			a.notif.Apply(ncfg)
		} else {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		}
	}

	budget := 55 * time.Second
	if err == nil {
		budget = srvCfg.TriggerBudget
	}
	if terr := a.tick.Apply(ctx, mapTicker(cfg, budget)); terr != nil {
		a.log.Warn("invalid ticker config; keeping previous", logx.Err(terr))
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	a.sup.Cancel()

	// Each step gets an upper bound so one component cannot stall shutdown.
	step := func(name string, max time.Duration, fn func(context.Context)) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan struct{})
		go func() {
			defer close(done)
			fn(stepCtx)
		}()
		select {
		case <-done:
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("ticker", 5*time.Second, func(context.Context) { a.tick.Stop() })
	step("server", 5*time.Second, func(c context.Context) { a.srv.Stop(c) })
	step("supervisor", 5*time.Second, func(c context.Context) { _ = a.sup.Wait(c) })
	step("store", 2*time.Second, func(context.Context) { _ = a.st.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.FirstError()
}
