package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"botfarm/internal/jobs"
	"botfarm/internal/store"
	logx "botfarm/pkg/logx"
)

func newTestClient(t *testing.T, h http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, Token: "backend-token"}, logx.Nop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c, srv
}

func TestNewRejectsRelativeBaseURL(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{BaseURL: "/internal/v1"}, logx.Nop()); err == nil {
		t.Fatal("expected relative base url to be rejected")
	}
}

func TestGeneratePost(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/internal/v1/bots/bot-a/generate" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer backend-token" {
			t.Errorf("auth header = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"kind": "text", "body": "hello", "provider": "openai", "cost_usd": 0.02,
		})
	}))

	got, err := c.GeneratePost(context.Background(), store.Bot{ID: "bot-a"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got.Body != "hello" || got.Provider != "openai" || got.CostUSD != 0.02 {
		t.Fatalf("content = %+v", got)
	}
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		status      int
		wantNoRetry bool
	}{
		{"bad request is permanent", http.StatusBadRequest, true},
		{"not found is permanent", http.StatusNotFound, true},
		{"rate limit is retryable", http.StatusTooManyRequests, false},
		{"server error is retryable", http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			_, err := c.GeneratePost(context.Background(), store.Bot{ID: "bot-a"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := jobs.IsNoRetry(err); got != tt.wantNoRetry {
				t.Fatalf("IsNoRetry = %v, want %v (err: %v)", got, tt.wantNoRetry, err)
			}
		})
	}
}

func TestPublishSendsItem(t *testing.T) {
	t.Parallel()
	var got struct {
		Kind string `json:"kind"`
		Body string `json:"body"`
	}
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/internal/v1/bots/bot-a/publish" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	item := store.BufferedContent{BotID: "bot-a", Kind: "text", Body: "post body"}
	if err := c.Publish(context.Background(), store.Bot{ID: "bot-a"}, item); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got.Kind != "text" || got.Body != "post body" {
		t.Fatalf("request body = %+v", got)
	}
}

func TestRunCycleInterval(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"next_interval_ms": 600000})
	}))

	res, err := c.RunCycle(context.Background(), store.Bot{ID: "agent-1"})
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if res.NextInterval != 10*time.Minute {
		t.Fatalf("next interval = %v, want 10m", res.NextInterval)
	}
}

func TestRhythmProfileNotFoundMeansNoProfile(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no profile", http.StatusNotFound)
	}))

	p, err := c.RhythmProfile(context.Background(), "bot-a")
	if err != nil {
		t.Fatalf("rhythm profile: %v", err)
	}
	if p != nil {
		t.Fatalf("profile = %+v, want nil", p)
	}
}

func TestRhythmProfileRoundTrip(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"interval_scale": 1.5, "quiet_start_hour": 22,
		})
	}))

	p, err := c.RhythmProfile(context.Background(), "bot-a")
	if err != nil {
		t.Fatalf("rhythm profile: %v", err)
	}
	if p == nil || p.IntervalScale != 1.5 || p.QuietStartHour != 22 {
		t.Fatalf("profile = %+v", p)
	}
}
