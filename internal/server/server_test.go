package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"botfarm/internal/jobs"
	"botfarm/internal/telemetry"
	logx "botfarm/pkg/logx"
)

type fakePipeline struct {
	summary RunSummary
	runErr  error

	result     jobs.Result
	processErr error

	lastDeadline time.Time
}

func (f *fakePipeline) Run(ctx context.Context) (RunSummary, error) {
	f.lastDeadline, _ = ctx.Deadline()
	return f.summary, f.runErr
}

func (f *fakePipeline) Process(ctx context.Context) (jobs.Result, error) {
	f.lastDeadline, _ = ctx.Deadline()
	return f.result, f.processErr
}

type fakeHealth struct {
	report telemetry.Report
	err    error
}

func (f *fakeHealth) Report(context.Context) (telemetry.Report, error) {
	return f.report, f.err
}

func startTestServer(t *testing.T, cfg Config, pipe *fakePipeline, health *fakeHealth) *Server {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	if pipe == nil {
		pipe = &fakePipeline{}
	}
	if health == nil {
		health = &fakeHealth{}
	}
	s := New(cfg, pipe, health, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func doRequest(t *testing.T, method, url, bearer string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestTriggerRunReturnsSummary(t *testing.T) {
	t.Parallel()
	pipe := &fakePipeline{summary: RunSummary{
		Reclaimed:   1,
		Enqueued:    3,
		AgentCycles: 2,
		Processing:  jobs.Result{Processed: 5, Succeeded: 4, Failed: 1},
	}}
	s := startTestServer(t, Config{}, pipe, nil)

	resp := doRequest(t, http.MethodPost, "http://"+s.Addr()+"/trigger/run", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got RunSummary
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Enqueued != 3 || got.Processing.Succeeded != 4 {
		t.Fatalf("summary = %+v", got)
	}
}

func TestTriggerRunErrorIs500(t *testing.T) {
	t.Parallel()
	pipe := &fakePipeline{runErr: errors.New("store unavailable")}
	s := startTestServer(t, Config{}, pipe, nil)

	resp := doRequest(t, http.MethodPost, "http://"+s.Addr()+"/trigger/run", "")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "store unavailable" {
		t.Fatalf("body = %v", body)
	}
}

func TestTriggerProcessUsesBudget(t *testing.T) {
	t.Parallel()
	pipe := &fakePipeline{result: jobs.Result{Processed: 2, Succeeded: 2}}
	s := startTestServer(t, Config{TriggerBudget: 10 * time.Second}, pipe, nil)

	before := time.Now()
	resp := doRequest(t, http.MethodPost, "http://"+s.Addr()+"/trigger/process", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if pipe.lastDeadline.IsZero() {
		t.Fatal("handler context had no deadline")
	}
	if d := pipe.lastDeadline.Sub(before); d > 11*time.Second {
		t.Fatalf("deadline %v past the configured budget", d)
	}
}

func TestTriggerAuth(t *testing.T) {
	t.Parallel()
	s := startTestServer(t, Config{Secret: "hunter2"}, nil, nil)
	base := "http://" + s.Addr()

	tests := []struct {
		name   string
		bearer string
		want   int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"wrong token", "hunter3", http.StatusUnauthorized},
		{"correct token", "hunter2", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, http.MethodPost, base+"/trigger/run", tt.bearer)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if tt.want == http.StatusUnauthorized && resp.Header.Get("WWW-Authenticate") == "" {
				t.Fatal("missing WWW-Authenticate header")
			}
		})
	}
}

func TestTriggerHealth(t *testing.T) {
	t.Parallel()
	health := &fakeHealth{report: telemetry.Report{StuckRunning: 2}}
	s := startTestServer(t, Config{}, nil, health)

	resp := doRequest(t, http.MethodGet, "http://"+s.Addr()+"/trigger/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	var got telemetry.Report
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.StuckRunning != 2 {
		t.Fatalf("report = %+v", got)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()
	s := startTestServer(t, Config{}, nil, nil)

	resp := doRequest(t, http.MethodGet, "http://"+s.Addr()+"/trigger/run", "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestStartRefusesPublicBindWithoutSecret(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "0.0.0.0:0"}, &fakePipeline{}, &fakeHealth{}, logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
		t.Fatal("expected refusal on public bind without secret")
	}
}

func TestApplyBudgetChangeKeepsListener(t *testing.T) {
	t.Parallel()
	s := startTestServer(t, Config{TriggerBudget: 30 * time.Second}, nil, nil)
	addr := s.Addr()

	cfg := s.cfg
	cfg.TriggerBudget = 45 * time.Second
	if err := s.Apply(context.Background(), cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := s.Addr(); got != addr {
		t.Fatalf("addr changed %s -> %s on a pure budget change", addr, got)
	}
	if b := s.budget(); b != 45*time.Second {
		t.Fatalf("budget = %v, want 45s", b)
	}
}
