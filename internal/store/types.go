package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("store: not found")
)

// JobStatus is the closed job state set.
//
// Transitions are monotonic except retry -> queued (the claim path treats a
// due retry row as runnable, so there is no separate queued flip).
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusRetry     JobStatus = "retry"
)

// Job is a unit of deferred work.
type Job struct {
	ID       string
	Kind     string // job type name; internal/jobs owns the closed enum
	BotID    string // empty when the job is not bot-scoped
	Status   JobStatus
	Attempts int

	// LockedAt is set when the job is claimed; zero when not running.
	// Used to detect stuck jobs.
	LockedAt  time.Time
	LastError string

	ScheduledAt time.Time
	UpdatedAt   time.Time
}

// Bot is the subset of the bot entity the pipeline schedules against.
type Bot struct {
	ID          string
	Name        string
	Tier        string
	IsScheduled bool

	// AgentMode selects the cadence model: "" or "scheduled" for fixed-schedule
	// posting, "autonomous" for perceive-decide-act cycles.
	AgentMode string

	PostsPerDay int
	NextPostAt  time.Time // zero = never scheduled yet
	NextCycleAt time.Time // zero = due immediately (autonomous mode)

	DeactivatedAt time.Time // non-zero excludes the bot from all scheduling
}

const (
	AgentModeScheduled  = "scheduled"
	AgentModeAutonomous = "autonomous"
)

// BufferedContent is a pre-generated-but-not-yet-published item.
type BufferedContent struct {
	ID        int64
	BotID     string
	Kind      string // "text", "image", "video"
	Body      string
	CreatedAt time.Time
}

// RetryPolicy controls FailJob's backoff behavior.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	MaxDelay    time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Base <= 0 {
		p.Base = 30 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Minute
	}
	return p
}

// Backoff returns the delay before the given attempt is retried.
// attempt is 1-based (the attempt that just failed).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// StatusCounts is the health view over the job table.
type StatusCounts struct {
	Queued           int `json:"queued"`
	Running          int `json:"running"`
	Retry            int `json:"retry"`
	FailedLast24h    int `json:"failed_last_24h"`
	SucceededLast24h int `json:"succeeded_last_24h"`
}

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default (5s)
	Retry       RetryPolicy
}
