package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "botfarm/pkg/logx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// setNow pins the store clock to a fixed instant that tests can advance.
func setNow(s *Store, at time.Time) *time.Time {
	cur := at
	s.now = func() time.Time { return cur }
	return &cur
}

func TestEnqueueAndClaim(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	j1, err := s.EnqueueJob(ctx, "generate_post", "bot-a")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.EnqueueJob(ctx, "recalc_engagement", ""); err != nil {
		t.Fatalf("enqueue global: %v", err)
	}

	claimed, err := s.ClaimJobs(ctx, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d jobs, want 2", len(claimed))
	}
	for _, j := range claimed {
		if j.Status != StatusRunning {
			t.Errorf("job %s status = %s, want running", j.ID, j.Status)
		}
		if j.Attempts != 1 {
			t.Errorf("job %s attempts = %d, want 1", j.ID, j.Attempts)
		}
		if j.LockedAt.IsZero() {
			t.Errorf("job %s has no locked_at", j.ID)
		}
	}

	got, err := s.GetJob(ctx, j1.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusRunning || got.BotID != "bot-a" {
		t.Errorf("got status=%s bot=%q, want running/bot-a", got.Status, got.BotID)
	}
}

func TestClaimSetsAreDisjoint(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.EnqueueJob(ctx, "bot_cycle", "bot-x"); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	first, err := s.ClaimJobs(ctx, 3)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	second, err := s.ClaimJobs(ctx, 10)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(first) != 3 || len(second) != 2 {
		t.Fatalf("claims = %d,%d, want 3,2", len(first), len(second))
	}
	seen := map[string]bool{}
	for _, j := range append(first, second...) {
		if seen[j.ID] {
			t.Fatalf("job %s claimed twice", j.ID)
		}
		seen[j.ID] = true
	}

	third, err := s.ClaimJobs(ctx, 10)
	if err != nil {
		t.Fatalf("third claim: %v", err)
	}
	if len(third) != 0 {
		t.Fatalf("third claim returned %d jobs, want 0", len(third))
	}
}

func TestClaimOrderIsOldestFirst(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := setNow(s, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	var ids []string
	for i := 0; i < 3; i++ {
		j, err := s.EnqueueJob(ctx, "generate_post", "bot-a")
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, j.ID)
		*now = now.Add(time.Minute)
	}

	claimed, err := s.ClaimJobs(ctx, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("claimed %d, want 3", len(claimed))
	}
	for i, j := range claimed {
		if j.ID != ids[i] {
			t.Errorf("claim[%d] = %s, want %s", i, j.ID, ids[i])
		}
	}
}

func TestFailJobRetriesWithBackoffThenTerminal(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	s.SetRetryPolicy(RetryPolicy{MaxAttempts: 3, Base: 30 * time.Second, MaxDelay: 30 * time.Minute})
	ctx := context.Background()
	now := setNow(s, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	j, err := s.EnqueueJob(ctx, "generate_post", "bot-a")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	wantDelays := []time.Duration{30 * time.Second, 60 * time.Second}
	for attempt, wantDelay := range wantDelays {
		claimed, err := s.ClaimJobs(ctx, 1)
		if err != nil || len(claimed) != 1 {
			t.Fatalf("claim attempt %d: %v (n=%d)", attempt+1, err, len(claimed))
		}
		st, err := s.FailJob(ctx, j.ID, "provider timeout", false)
		if err != nil {
			t.Fatalf("fail attempt %d: %v", attempt+1, err)
		}
		if st != StatusRetry {
			t.Fatalf("attempt %d status = %s, want retry", attempt+1, st)
		}
		got, err := s.GetJob(ctx, j.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		wantAt := now.Add(wantDelay)
		if !got.ScheduledAt.Equal(wantAt) {
			t.Errorf("attempt %d scheduled_at = %v, want %v", attempt+1, got.ScheduledAt, wantAt)
		}
		if got.LastError != "provider timeout" {
			t.Errorf("last_error = %q", got.LastError)
		}

		// Not claimable until the backoff elapses.
		early, err := s.ClaimJobs(ctx, 1)
		if err != nil {
			t.Fatalf("early claim: %v", err)
		}
		if len(early) != 0 {
			t.Fatalf("attempt %d: claimed before backoff elapsed", attempt+1)
		}
		*now = now.Add(wantDelay)
	}

	// Third failure exhausts the attempt cap.
	claimed, err := s.ClaimJobs(ctx, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("final claim: %v (n=%d)", err, len(claimed))
	}
	st, err := s.FailJob(ctx, j.ID, "provider timeout", false)
	if err != nil {
		t.Fatalf("final fail: %v", err)
	}
	if st != StatusFailed {
		t.Fatalf("final status = %s, want failed", st)
	}
	if more, _ := s.ClaimJobs(ctx, 1); len(more) != 0 {
		t.Fatal("terminally failed job was claimed again")
	}
}

func TestFailJobPermanentSkipsRetries(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	j, err := s.EnqueueJob(ctx, "generate_post", "bot-a")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.ClaimJobs(ctx, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	st, err := s.FailJob(ctx, j.ID, "bot not found", true)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if st != StatusFailed {
		t.Fatalf("status = %s, want failed on first permanent failure", st)
	}
}

func TestTerminalTransitionsAreIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	j, err := s.EnqueueJob(ctx, "bot_cycle", "bot-a")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.ClaimJobs(ctx, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.SucceedJob(ctx, j.ID); err != nil {
		t.Fatalf("succeed: %v", err)
	}
	if err := s.SucceedJob(ctx, j.ID); err != nil {
		t.Fatalf("second succeed: %v", err)
	}
	st, err := s.FailJob(ctx, j.ID, "late failure", false)
	if err != nil {
		t.Fatalf("fail after succeed: %v", err)
	}
	if st != StatusSucceeded {
		t.Fatalf("fail after succeed moved status to %s", st)
	}
	got, _ := s.GetJob(ctx, j.ID)
	if got.Status != StatusSucceeded || got.LastError != "" {
		t.Fatalf("job = %s/%q, want succeeded with no error", got.Status, got.LastError)
	}
}

func TestReclaimStuckPreservesAttempts(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := setNow(s, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	j, err := s.EnqueueJob(ctx, "generate_post", "bot-a")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.ClaimJobs(ctx, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Fresh lock is not reclaimed.
	n, err := s.ReclaimStuck(ctx, time.Hour)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 0 {
		t.Fatalf("reclaimed %d fresh jobs, want 0", n)
	}

	*now = now.Add(2 * time.Hour)
	n, err = s.ReclaimStuck(ctx, time.Hour)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed %d, want 1", n)
	}

	claimed, err := s.ClaimJobs(ctx, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("reclaim claim: %v (n=%d)", err, len(claimed))
	}
	if claimed[0].ID != j.ID || claimed[0].Attempts != 2 {
		t.Fatalf("reclaimed job attempts = %d, want 2", claimed[0].Attempts)
	}
}

func TestHasPendingJob(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if ok, _ := s.HasPendingJob(ctx, "bot-a", "generate_post"); ok {
		t.Fatal("pending reported on empty table")
	}

	j, err := s.EnqueueJob(ctx, "generate_post", "bot-a")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if ok, _ := s.HasPendingJob(ctx, "bot-a", "generate_post"); !ok {
		t.Fatal("queued job not reported pending")
	}
	if ok, _ := s.HasPendingJob(ctx, "bot-b", "generate_post"); ok {
		t.Fatal("pending leaked across bots")
	}
	if ok, _ := s.HasPendingJob(ctx, "bot-a", "bot_cycle"); ok {
		t.Fatal("pending leaked across kinds")
	}

	// Global kinds use a NULL bot_id.
	if _, err := s.EnqueueJob(ctx, "crew_comment", ""); err != nil {
		t.Fatalf("enqueue global: %v", err)
	}
	if ok, _ := s.HasPendingJob(ctx, "", "crew_comment"); !ok {
		t.Fatal("global pending job not reported")
	}

	if _, err := s.ClaimJobs(ctx, 10); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok, _ := s.HasPendingJob(ctx, "bot-a", "generate_post"); !ok {
		t.Fatal("running job should still count as pending")
	}
	if err := s.SucceedJob(ctx, j.ID); err != nil {
		t.Fatalf("succeed: %v", err)
	}
	if ok, _ := s.HasPendingJob(ctx, "bot-a", "generate_post"); ok {
		t.Fatal("succeeded job still reported pending")
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{MaxAttempts: 5, Base: 30 * time.Second, MaxDelay: 2 * time.Minute}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 2 * time.Minute},
		{4, 2 * time.Minute}, // capped
		{10, 2 * time.Minute},
	}
	for _, tc := range tests {
		if got := p.Backoff(tc.attempt); got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}
