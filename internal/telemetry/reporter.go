package telemetry

import (
	"context"
	"time"

	"botfarm/internal/store"
)

// HealthStore is the read-only slice of the store the reporter aggregates.
type HealthStore interface {
	CountByStatus(ctx context.Context) (store.StatusCounts, error)
	RecentFailures(ctx context.Context, limit int) ([]store.Job, error)
	CountStuck(ctx context.Context, staleAfter time.Duration) (int, error)
}

// Failure is an operator-facing view of a terminally-failed job.
type Failure struct {
	JobID    string    `json:"job_id"`
	Kind     string    `json:"kind"`
	BotID    string    `json:"bot_id,omitempty"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}

// CallStats summarizes the provider-call ring.
type CallStats struct {
	Total        int           `json:"total"`
	Failed       int           `json:"failed"`
	TotalCostUSD float64       `json:"total_cost_usd"`
	AvgDuration  time.Duration `json:"avg_duration"`
}

// Report is the full health/telemetry view served by the health endpoint.
type Report struct {
	GeneratedAt    time.Time          `json:"generated_at"`
	Jobs           store.StatusCounts `json:"jobs"`
	StuckRunning   int                `json:"stuck_running"`
	RecentFailures []Failure          `json:"recent_failures"`
	Calls          CallStats          `json:"calls"`
	RecentCalls    []Call             `json:"recent_calls"`
}

// Reporter builds read-only operational reports. It never mutates state.
type Reporter struct {
	st         HealthStore
	ring       *Ring
	staleAfter time.Duration
	maxRecent  int
}

func NewReporter(st HealthStore, ring *Ring, staleAfter time.Duration) *Reporter {
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}
	return &Reporter{st: st, ring: ring, staleAfter: staleAfter, maxRecent: 20}
}

func (r *Reporter) Report(ctx context.Context) (Report, error) {
	rep := Report{GeneratedAt: time.Now()}

	counts, err := r.st.CountByStatus(ctx)
	if err != nil {
		return rep, err
	}
	rep.Jobs = counts

	stuck, err := r.st.CountStuck(ctx, r.staleAfter)
	if err != nil {
		return rep, err
	}
	rep.StuckRunning = stuck

	failed, err := r.st.RecentFailures(ctx, r.maxRecent)
	if err != nil {
		return rep, err
	}
	rep.RecentFailures = make([]Failure, 0, len(failed))
	for _, j := range failed {
		rep.RecentFailures = append(rep.RecentFailures, Failure{
			JobID:    j.ID,
			Kind:     j.Kind,
			BotID:    j.BotID,
			Attempts: j.Attempts,
			Error:    j.LastError,
			At:       j.UpdatedAt,
		})
	}

	if r.ring != nil {
		calls := r.ring.Snapshot()
		var stats CallStats
		var total time.Duration
		for _, c := range calls {
			stats.Total++
			if !c.OK {
				stats.Failed++
			}
			stats.TotalCostUSD += c.CostUSD
			total += c.Duration
		}
		if stats.Total > 0 {
			stats.AvgDuration = total / time.Duration(stats.Total)
		}
		rep.Calls = stats
		if len(calls) > r.maxRecent {
			calls = calls[len(calls)-r.maxRecent:]
		}
		rep.RecentCalls = calls
	} else {
		rep.RecentCalls = []Call{}
	}

	return rep, nil
}
