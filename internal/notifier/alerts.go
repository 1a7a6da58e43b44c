// Package notifier sends operator alerts when a job exhausts its retries.
// Alerts are best-effort: rate limited, deduplicated, and never allowed to
// block or fail the pipeline.
package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"botfarm/internal/eventbus"
	"botfarm/internal/jobs"
	logx "botfarm/pkg/logx"
)

type Config struct {
	Enabled     bool
	RatePerMin  int           // default 20
	DedupWindow time.Duration // default 10m
}

func (c Config) withDefaults() Config {
	if c.RatePerMin <= 0 {
		c.RatePerMin = 20
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 10 * time.Minute
	}
	return c
}

// Sender delivers one alert message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// TelegramSender sends alerts to a fixed operator chat.
type TelegramSender struct {
	bot  *tele.Bot
	chat *tele.Chat
}

func NewTelegramSender(token string, chatID int64) (*TelegramSender, error) {
	b, err := tele.NewBot(tele.Settings{Token: token})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramSender{bot: b, chat: &tele.Chat{ID: chatID}}, nil
}

func (t *TelegramSender) Send(ctx context.Context, text string) error {
	_, err := t.bot.Send(t.chat, text, tele.ModeDefault)
	return err
}

// Service watches the event bus for terminal job failures.
type Service struct {
	send Sender
	log  logx.Logger
	bus  eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	dmu   sync.Mutex
	dedup map[string]time.Time
}

func New(cfg Config, send Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		send:  send,
		log:   log,
		bus:   bus,
		dedup: map[string]time.Time{},
	}
	s.applyLocked(cfg.withDefaults())
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg.withDefaults())
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	s.cfg = cfg
	// Burst of a few so a small cluster of distinct failures all get through.
	s.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMin)/60.0), 3)
}

// Run consumes bus events until ctx is done. It is meant to be run under the
// app supervisor with restart.
func (s *Service) Run(ctx context.Context) error {
	ch, unsubscribe := s.bus.Subscribe(64)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			s.handle(ctx, ev)
		}
	}
}

func (s *Service) handle(ctx context.Context, ev eventbus.Event) {
	if ev.Type != eventbus.TypeJobFailed {
		return
	}
	je, ok := ev.Data.(jobs.JobEvent)
	if !ok || !je.Terminal {
		return
	}

	s.mu.Lock()
	enabled := s.cfg.Enabled
	window := s.cfg.DedupWindow
	limiter := s.limiter
	s.mu.Unlock()
	if !enabled {
		return
	}

	key := dedupKey(je)
	if s.suppressed(key, window) {
		return
	}
	if !limiter.Allow() {
		s.log.Warn("alert dropped by rate limit", logx.String("job", je.ID), logx.String("kind", je.Kind))
		return
	}

	text := formatAlert(je)
	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.send.Send(sendCtx, text); err != nil {
		s.log.Error("alert send failed", logx.String("job", je.ID), logx.Err(err))
		return
	}
	s.log.Debug("alert sent", logx.String("job", je.ID), logx.String("kind", je.Kind))
}

// suppressed reports whether the key fired inside the dedup window, and
// records this firing otherwise. Expired entries are pruned in passing.
func (s *Service) suppressed(key string, window time.Duration) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return true
	}
	for k, until := range s.dedup {
		if now.After(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return false
}

// dedupKey collapses repeats of the same failure shape. The job id is left
// out on purpose: retried clones of one logical failure should alert once.
func dedupKey(je jobs.JobEvent) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(je.Kind))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(je.BotID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(je.Error))
	return fmt.Sprintf("%x", h.Sum64())
}

func formatAlert(je jobs.JobEvent) string {
	if je.BotID != "" {
		return fmt.Sprintf("⚠️ job failed permanently\nkind: %s\nbot: %s\nattempts: %d\nerror: %s", je.Kind, je.BotID, je.Attempts, je.Error)
	}
	return fmt.Sprintf("⚠️ job failed permanently\nkind: %s\nattempts: %d\nerror: %s", je.Kind, je.Attempts, je.Error)
}
