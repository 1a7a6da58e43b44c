package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"botfarm/internal/eventbus"
	"botfarm/internal/store"
	logx "botfarm/pkg/logx"
)

type fakeJobStore struct {
	mu        sync.Mutex
	claims    []store.Job
	claimErr  error
	succeeded []string
	failed    map[string]bool // id -> permanent
}

func (f *fakeJobStore) ClaimJobs(_ context.Context, limit int) ([]store.Job, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if limit < len(f.claims) {
		return f.claims[:limit], nil
	}
	out := f.claims
	f.claims = nil
	return out, nil
}

func (f *fakeJobStore) SucceedJob(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.succeeded = append(f.succeeded, id)
	return nil
}

func (f *fakeJobStore) FailJob(_ context.Context, id, _ string, permanent bool) (store.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed == nil {
		f.failed = map[string]bool{}
	}
	f.failed[id] = permanent
	if permanent {
		return store.StatusFailed, nil
	}
	return store.StatusRetry, nil
}

func okHandler() Handler {
	return HandlerFunc(func(context.Context, store.Job) error { return nil })
}

func newTestProcessor(st *fakeJobStore, handlers map[Kind]Handler) *Processor {
	return New(Config{}, st, handlers, logx.Nop(), eventbus.New())
}

func TestProcessJobsEmptyQueue(t *testing.T) {
	t.Parallel()
	p := newTestProcessor(&fakeJobStore{}, map[Kind]Handler{KindGeneratePost: okHandler()})

	res, err := p.ProcessJobs(context.Background(), 10)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Processed != 0 || res.Succeeded != 0 || res.Failed != 0 {
		t.Fatalf("res = %+v, want zero", res)
	}
}

func TestProcessJobsClaimErrorAbortsPass(t *testing.T) {
	t.Parallel()
	p := newTestProcessor(&fakeJobStore{claimErr: errors.New("db locked")}, nil)

	if _, err := p.ProcessJobs(context.Background(), 10); err == nil {
		t.Fatal("expected claim error to propagate")
	}
}

func TestProcessJobsIsolatesFailures(t *testing.T) {
	t.Parallel()
	st := &fakeJobStore{claims: []store.Job{
		{ID: "j1", Kind: "generate_post", BotID: "bot-a", Attempts: 1},
		{ID: "j2", Kind: "generate_post", BotID: "bot-b", Attempts: 1},
		{ID: "j3", Kind: "generate_post", BotID: "bot-bad", Attempts: 1},
	}}
	handlers := map[Kind]Handler{
		KindGeneratePost: HandlerFunc(func(_ context.Context, j store.Job) error {
			if j.BotID == "bot-bad" {
				return errors.New("provider exploded")
			}
			return nil
		}),
	}
	p := newTestProcessor(st, handlers)

	res, err := p.ProcessJobs(context.Background(), 10)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Processed != 3 || res.Succeeded != 2 || res.Failed != 1 {
		t.Fatalf("res = %+v, want 3/2/1", res)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "provider exploded") {
		t.Fatalf("errors = %v", res.Errors)
	}
	if len(st.succeeded) != 2 {
		t.Fatalf("succeeded = %v", st.succeeded)
	}
	if permanent, ok := st.failed["j3"]; !ok || permanent {
		t.Fatalf("j3 failed=%v permanent=%v, want transient failure", ok, permanent)
	}
}

func TestProcessJobsStructuralFailuresArePermanent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		job  store.Job
	}{
		{"unknown kind", store.Job{ID: "j1", Kind: "definitely_not_a_kind"}},
		{"no handler registered", store.Job{ID: "j2", Kind: "recalc_engagement"}},
		{"bot-scoped without bot id", store.Job{ID: "j3", Kind: "generate_post"}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			st := &fakeJobStore{claims: []store.Job{tc.job}}
			// Only generate_post is routed, so recalc_engagement has no handler.
			p := newTestProcessor(st, map[Kind]Handler{KindGeneratePost: okHandler()})

			res, err := p.ProcessJobs(context.Background(), 10)
			if err != nil {
				t.Fatalf("process: %v", err)
			}
			if res.Failed != 1 {
				t.Fatalf("res = %+v, want one failure", res)
			}
			if permanent := st.failed[tc.job.ID]; !permanent {
				t.Fatalf("failure was not permanent")
			}
		})
	}
}

func TestProcessJobsNoRetryIsPermanent(t *testing.T) {
	t.Parallel()
	st := &fakeJobStore{claims: []store.Job{{ID: "j1", Kind: "generate_post", BotID: "gone"}}}
	handlers := map[Kind]Handler{
		KindGeneratePost: HandlerFunc(func(context.Context, store.Job) error {
			return NoRetry(errors.New("bot gone not found"))
		}),
	}
	p := newTestProcessor(st, handlers)

	if _, err := p.ProcessJobs(context.Background(), 10); err != nil {
		t.Fatalf("process: %v", err)
	}
	if permanent := st.failed["j1"]; !permanent {
		t.Fatal("NoRetry failure was retried")
	}
}

func TestProcessJobsContainsPanics(t *testing.T) {
	t.Parallel()
	st := &fakeJobStore{claims: []store.Job{{ID: "j1", Kind: "generate_post", BotID: "bot-a"}}}
	handlers := map[Kind]Handler{
		KindGeneratePost: HandlerFunc(func(context.Context, store.Job) error {
			panic("handler bug")
		}),
	}
	p := newTestProcessor(st, handlers)

	res, err := p.ProcessJobs(context.Background(), 10)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Failed != 1 || !strings.Contains(res.Errors[0], "panic") {
		t.Fatalf("res = %+v", res)
	}
	if permanent := st.failed["j1"]; permanent {
		t.Fatal("panic should fail transiently, not permanently")
	}
}

func TestParseKindRoundTrip(t *testing.T) {
	t.Parallel()
	for _, k := range []Kind{KindGeneratePost, KindBotCycle, KindCrewComment, KindRecalcEngagement} {
		got, ok := ParseKind(k.String())
		if !ok || got != k {
			t.Errorf("ParseKind(%q) = %v,%v", k.String(), got, ok)
		}
	}
	if _, ok := ParseKind("nope"); ok {
		t.Error("ParseKind accepted an unknown name")
	}
	if KindGeneratePost.BotScoped() != true || KindCrewComment.BotScoped() != false {
		t.Error("BotScoped misclassified")
	}
	if !KindGeneratePost.CallsGenerator() || KindRecalcEngagement.CallsGenerator() {
		t.Error("CallsGenerator misclassified")
	}
}
