// Package scheduler decides which bots are due for which kind of work and
// turns that into durable jobs. It never executes generation itself, so a
// scheduling pass stays fast even when generation is slow.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"botfarm/internal/eventbus"
	"botfarm/internal/jobs"
	"botfarm/internal/store"
	logx "botfarm/pkg/logx"
)

// BotStore is the slice of the store the scheduler needs.
type BotStore interface {
	DueScheduledBots(ctx context.Context, now time.Time, tiers []string) ([]store.Bot, error)
	DueAutonomousBots(ctx context.Context, now time.Time) ([]store.Bot, error)
	HasPendingJob(ctx context.Context, botID, kind string) (bool, error)
	EnqueueJob(ctx context.Context, kind, botID string) (store.Job, error)
}

// Config controls bot selection and cadence.
type Config struct {
	Rhythm RhythmConfig

	// Tiers entitled to AI generation. Bots outside these tiers are never
	// auto-scheduled even when due.
	Tiers []string
}

func (c Config) withDefaults() Config {
	if len(c.Tiers) == 0 {
		c.Tiers = []string{"standard", "premium"}
	}
	return c
}

type Scheduler struct {
	st  BotStore
	log logx.Logger
	bus eventbus.Bus

	mu  sync.Mutex
	cfg Config
	rng *rand.Rand

	now func() time.Time
}

func New(cfg Config, st BotStore, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		st:  st,
		log: log,
		bus: bus,
		cfg: cfg.withDefaults(),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		now: time.Now,
	}
}

// Apply updates cadence settings at runtime (config hot reload).
func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Scheduler) snapshot() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// EnqueueScheduledBots creates a GENERATE_POST job for every due
// fixed-schedule bot that doesn't already have one pending.
//
// The pending check is advisory (see store.HasPendingJob); the claim engine
// remains the execution-exclusivity boundary. When at least one post was
// enqueued, a single crew-interaction job is cascaded so other bots can
// react organically.
func (s *Scheduler) EnqueueScheduledBots(ctx context.Context) (int, error) {
	cfg := s.snapshot()
	now := s.now()

	due, err := s.st.DueScheduledBots(ctx, now, cfg.Tiers)
	if err != nil {
		return 0, fmt.Errorf("select due bots: %w", err)
	}

	enqueued := 0
	for _, bot := range due {
		ok, err := s.enqueueOnce(ctx, jobs.KindGeneratePost.String(), bot.ID)
		if err != nil {
			return enqueued, err
		}
		if ok {
			enqueued++
		}
	}

	if enqueued > 0 {
		if _, err := s.enqueueOnce(ctx, jobs.KindCrewComment.String(), ""); err != nil {
			// Cascade is best-effort; the posts themselves are queued.
			s.log.Warn("crew cascade enqueue failed", logx.Err(err))
		}
	}

	if enqueued > 0 {
		s.log.Info("scheduled bots enqueued", logx.Int("count", enqueued), logx.Int("due", len(due)))
	}
	return enqueued, nil
}

// EnqueueAgentCycles creates a BOT_CYCLE job for every autonomous bot whose
// next cycle is unset or due.
func (s *Scheduler) EnqueueAgentCycles(ctx context.Context) (int, error) {
	now := s.now()

	due, err := s.st.DueAutonomousBots(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("select due agents: %w", err)
	}

	enqueued := 0
	for _, bot := range due {
		ok, err := s.enqueueOnce(ctx, jobs.KindBotCycle.String(), bot.ID)
		if err != nil {
			return enqueued, err
		}
		if ok {
			enqueued++
		}
	}
	if enqueued > 0 {
		s.log.Info("agent cycles enqueued", logx.Int("count", enqueued), logx.Int("due", len(due)))
	}
	return enqueued, nil
}

// enqueueOnce applies the duplicate-prevention check before inserting.
func (s *Scheduler) enqueueOnce(ctx context.Context, kind, botID string) (bool, error) {
	pending, err := s.st.HasPendingJob(ctx, botID, kind)
	if err != nil {
		return false, fmt.Errorf("pending check: %w", err)
	}
	if pending {
		s.log.Debug("skip enqueue: job already pending", logx.String("kind", kind), logx.String("bot", botID))
		return false, nil
	}
	j, err := s.st.EnqueueJob(ctx, kind, botID)
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobEnqueued, Data: jobs.JobEvent{ID: j.ID, Kind: j.Kind, BotID: j.BotID}})
	}
	return true, nil
}

// NextPostTime applies the configured rhythm for a bot. It is called by the
// post-generation handler after a successful post.
func (s *Scheduler) NextPostTime(now time.Time, postsPerDay int, profile *RhythmProfile) time.Time {
	cfg := s.snapshot()
	s.mu.Lock()
	defer s.mu.Unlock()
	return NextPostTime(cfg.Rhythm, now, postsPerDay, profile, s.rng)
}

// NextCycleTime applies cycle pacing for an autonomous bot.
func (s *Scheduler) NextCycleTime(now time.Time, suggested time.Duration) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return NextCycleTime(now, suggested, s.rng)
}
