// Package handlers holds the pipeline side of each job type. The actual
// content generation, agent reasoning, and feed ranking are external
// collaborators reached through the narrow interfaces below; handlers own
// only the durable bookkeeping around them (buffering, rhythm updates,
// telemetry).
package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"botfarm/internal/eventbus"
	"botfarm/internal/jobs"
	"botfarm/internal/scheduler"
	"botfarm/internal/store"
	"botfarm/internal/telemetry"
	logx "botfarm/pkg/logx"
)

// Content is one generated item ready for buffering/publishing.
type Content struct {
	Kind     string // "text", "image", "video"
	Body     string
	Provider string
	CostUSD  float64
}

// Generator produces content for a bot (prompt construction, provider calls,
// moderation, all outside this module).
type Generator interface {
	GeneratePost(ctx context.Context, bot store.Bot) (Content, error)
}

// Publisher pushes a buffered item onto the social surface. Its idempotency
// (no double-post on retry after a crash) is the publisher's own contract.
type Publisher interface {
	Publish(ctx context.Context, bot store.Bot, c store.BufferedContent) error
}

// CycleResult reports one autonomous perceive-decide-act cycle.
type CycleResult struct {
	// NextInterval is the agent's own pacing suggestion; 0 means default.
	NextInterval time.Duration
}

// Agent runs one autonomous cycle for a bot.
type Agent interface {
	RunCycle(ctx context.Context, bot store.Bot) (CycleResult, error)
}

// Interactor posts a crew reaction to another bot's recent post.
type Interactor interface {
	Comment(ctx context.Context, targetBotID string) error
}

// Ranker recomputes engagement statistics.
type Ranker interface {
	Recalculate(ctx context.Context) error
}

// ProfileSource resolves a bot's compiled behavioral profile into rhythm
// biases. Optional; nil means the plain configured cadence.
type ProfileSource interface {
	RhythmProfile(ctx context.Context, botID string) (*scheduler.RhythmProfile, error)
}

// HandlerStore is the slice of the store the handlers need.
type HandlerStore interface {
	GetBot(ctx context.Context, id string) (store.Bot, error)
	PutBuffered(ctx context.Context, botID, kind, body string) error
	TakeBuffered(ctx context.Context, botID string) (store.BufferedContent, error)
	SetNextPostAt(ctx context.Context, botID string, at time.Time) error
	SetNextCycleAt(ctx context.Context, botID string, at time.Time) error
	RecentlyPostedBots(ctx context.Context, kind string, window time.Duration, limit int) ([]string, error)
}

// Deps wires the handler set.
type Deps struct {
	Store     HandlerStore
	Scheduler *scheduler.Scheduler
	Ring      *telemetry.Ring
	Bus       eventbus.Bus
	Log       logx.Logger

	Generator  Generator
	Publisher  Publisher
	Agent      Agent
	Interactor Interactor
	Ranker     Ranker

	Profiles ProfileSource // optional
}

type Set struct {
	d Deps
}

func New(d Deps) (*Set, error) {
	if d.Store == nil || d.Scheduler == nil {
		return nil, errors.New("handlers: store and scheduler are required")
	}
	if d.Generator == nil || d.Publisher == nil || d.Agent == nil || d.Interactor == nil || d.Ranker == nil {
		return nil, errors.New("handlers: all collaborator seams are required")
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Set{d: d}, nil
}

// Routes returns the processor's fixed dispatch table. Every jobs.Kind has
// exactly one entry; adding a kind without a route is caught by the
// processor's unknown-handler failure in tests.
func (s *Set) Routes() map[jobs.Kind]jobs.Handler {
	return map[jobs.Kind]jobs.Handler{
		jobs.KindGeneratePost:     jobs.HandlerFunc(s.handleGeneratePost),
		jobs.KindBotCycle:         jobs.HandlerFunc(s.handleBotCycle),
		jobs.KindCrewComment:      jobs.HandlerFunc(s.handleCrewComment),
		jobs.KindRecalcEngagement: jobs.HandlerFunc(s.handleRecalcEngagement),
	}
}

// loadActiveBot resolves the job's bot and converts structural problems into
// permanent failures.
func (s *Set) loadActiveBot(ctx context.Context, botID string) (store.Bot, error) {
	bot, err := s.d.Store.GetBot(ctx, botID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Bot{}, jobs.NoRetry(fmt.Errorf("bot %s not found", botID))
	}
	if err != nil {
		return store.Bot{}, err
	}
	if !bot.DeactivatedAt.IsZero() {
		return store.Bot{}, jobs.NoRetry(fmt.Errorf("bot %s is deactivated", botID))
	}
	return bot, nil
}

func (s *Set) rhythmProfile(ctx context.Context, botID string) *scheduler.RhythmProfile {
	if s.d.Profiles == nil {
		return nil
	}
	p, err := s.d.Profiles.RhythmProfile(ctx, botID)
	if err != nil {
		// Profile lookup is a bias, not a dependency.
		s.d.Log.Debug("rhythm profile unavailable", logx.String("bot", botID), logx.Err(err))
		return nil
	}
	return p
}

// handleGeneratePost generates one item into the bot's content buffer, then
// drains the oldest buffered item to the publisher. Draining oldest-first
// means a pre-generated backlog is published before fresh content, which is
// what keeps buffered generation useful.
func (s *Set) handleGeneratePost(ctx context.Context, job store.Job) error {
	bot, err := s.loadActiveBot(ctx, job.BotID)
	if err != nil {
		return err
	}

	start := time.Now()
	content, err := s.d.Generator.GeneratePost(ctx, bot)
	if s.d.Ring != nil {
		s.d.Ring.Record(telemetry.Call{
			Provider: content.Provider,
			Kind:     content.Kind,
			Duration: time.Since(start),
			OK:       err == nil,
			CostUSD:  content.CostUSD,
		})
	}
	if err != nil {
		return fmt.Errorf("generate post for %s: %w", bot.ID, err)
	}

	if err := s.d.Store.PutBuffered(ctx, bot.ID, content.Kind, content.Body); err != nil {
		return fmt.Errorf("buffer content: %w", err)
	}

	item, err := s.d.Store.TakeBuffered(ctx, bot.ID)
	if err != nil {
		return fmt.Errorf("drain buffer: %w", err)
	}
	if err := s.d.Publisher.Publish(ctx, bot, item); err != nil {
		// Return the item so a retry can publish it instead of regenerating.
		if putErr := s.d.Store.PutBuffered(ctx, item.BotID, item.Kind, item.Body); putErr != nil {
			s.d.Log.Error("rebuffer after publish failure", logx.String("bot", bot.ID), logx.Err(putErr))
		}
		return fmt.Errorf("publish for %s: %w", bot.ID, err)
	}

	next := s.d.Scheduler.NextPostTime(time.Now(), bot.PostsPerDay, s.rhythmProfile(ctx, bot.ID))
	if err := s.d.Store.SetNextPostAt(ctx, bot.ID, next); err != nil {
		return fmt.Errorf("set next post time: %w", err)
	}

	if s.d.Bus != nil {
		s.d.Bus.Publish(eventbus.Event{Type: eventbus.TypeJobPosted, Data: jobs.JobEvent{ID: job.ID, Kind: job.Kind, BotID: bot.ID}})
	}
	s.d.Log.Debug("post published", logx.String("bot", bot.ID), logx.Time("next_post_at", next))
	return nil
}

// handleBotCycle runs one perceive-decide-act cycle and persists the agent's
// pacing for the next one.
func (s *Set) handleBotCycle(ctx context.Context, job store.Job) error {
	bot, err := s.loadActiveBot(ctx, job.BotID)
	if err != nil {
		return err
	}

	res, err := s.d.Agent.RunCycle(ctx, bot)
	if err != nil {
		return fmt.Errorf("agent cycle for %s: %w", bot.ID, err)
	}

	next := s.d.Scheduler.NextCycleTime(time.Now(), res.NextInterval)
	if err := s.d.Store.SetNextCycleAt(ctx, bot.ID, next); err != nil {
		return fmt.Errorf("set next cycle time: %w", err)
	}
	return nil
}

// handleCrewComment lets other bots react to recent posts. Individual
// comment failures are contained; the job fails only when every attempt
// errored.
func (s *Set) handleCrewComment(ctx context.Context, _ store.Job) error {
	targets, err := s.d.Store.RecentlyPostedBots(ctx, jobs.KindGeneratePost.String(), 24*time.Hour, 5)
	if err != nil {
		return fmt.Errorf("select comment targets: %w", err)
	}
	if len(targets) == 0 {
		return nil
	}

	var lastErr error
	succeeded := 0
	for _, target := range targets {
		if err := s.d.Interactor.Comment(ctx, target); err != nil {
			lastErr = err
			s.d.Log.Warn("crew comment failed", logx.String("target", target), logx.Err(err))
			continue
		}
		succeeded++
	}
	if succeeded == 0 && lastErr != nil {
		return fmt.Errorf("all crew comments failed: %w", lastErr)
	}
	return nil
}

func (s *Set) handleRecalcEngagement(ctx context.Context, _ store.Job) error {
	if err := s.d.Ranker.Recalculate(ctx); err != nil {
		return fmt.Errorf("recalculate engagement: %w", err)
	}
	return nil
}
