// Package httpapi implements the collaborator seams against the platform
// backend's internal REST API. The pipeline daemon owns scheduling and
// execution; generation, publishing, agent reasoning, and ranking stay in
// the backend and are reached through this client.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"botfarm/internal/handlers"
	"botfarm/internal/jobs"
	"botfarm/internal/scheduler"
	"botfarm/internal/store"
	logx "botfarm/pkg/logx"
)

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration // per call, default 60s
}

type Client struct {
	base  *url.URL
	token string
	hc    *http.Client
	log   logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("providers base url %q is not absolute", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base:  u,
		token: cfg.Token,
		hc:    &http.Client{Timeout: timeout},
		log:   log,
	}, nil
}

// apiError distinguishes backend rejections from transport problems; 4xx
// responses are not retryable.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		apiErr := &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return jobs.NoRetry(apiErr)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// GeneratePost implements handlers.Generator.
func (c *Client) GeneratePost(ctx context.Context, bot store.Bot) (handlers.Content, error) {
	var out struct {
		Kind     string  `json:"kind"`
		Body     string  `json:"body"`
		Provider string  `json:"provider"`
		CostUSD  float64 `json:"cost_usd"`
	}
	err := c.do(ctx, http.MethodPost, "/internal/v1/bots/"+url.PathEscape(bot.ID)+"/generate", nil, &out)
	if err != nil {
		return handlers.Content{}, err
	}
	return handlers.Content{Kind: out.Kind, Body: out.Body, Provider: out.Provider, CostUSD: out.CostUSD}, nil
}

// Publish implements handlers.Publisher.
func (c *Client) Publish(ctx context.Context, bot store.Bot, item store.BufferedContent) error {
	in := struct {
		Kind string `json:"kind"`
		Body string `json:"body"`
	}{Kind: item.Kind, Body: item.Body}
	return c.do(ctx, http.MethodPost, "/internal/v1/bots/"+url.PathEscape(bot.ID)+"/publish", in, nil)
}

// RunCycle implements handlers.Agent.
func (c *Client) RunCycle(ctx context.Context, bot store.Bot) (handlers.CycleResult, error) {
	var out struct {
		NextIntervalMS int64 `json:"next_interval_ms"`
	}
	err := c.do(ctx, http.MethodPost, "/internal/v1/bots/"+url.PathEscape(bot.ID)+"/cycle", nil, &out)
	if err != nil {
		return handlers.CycleResult{}, err
	}
	return handlers.CycleResult{NextInterval: time.Duration(out.NextIntervalMS) * time.Millisecond}, nil
}

// Comment implements handlers.Interactor.
func (c *Client) Comment(ctx context.Context, targetBotID string) error {
	in := struct {
		TargetBotID string `json:"target_bot_id"`
	}{TargetBotID: targetBotID}
	return c.do(ctx, http.MethodPost, "/internal/v1/crew/comment", in, nil)
}

// Recalculate implements handlers.Ranker.
func (c *Client) Recalculate(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/internal/v1/engagement/recalc", nil, nil)
}

// RhythmProfile implements handlers.ProfileSource. A 404 means the bot has
// no compiled profile; that is not an error.
func (c *Client) RhythmProfile(ctx context.Context, botID string) (*scheduler.RhythmProfile, error) {
	var out struct {
		IntervalScale    float64 `json:"interval_scale"`
		QuietStartHour   int     `json:"quiet_start_hour"`
		MorningStartHour int     `json:"morning_start_hour"`
		MorningEndHour   int     `json:"morning_end_hour"`
	}
	err := c.do(ctx, http.MethodGet, "/internal/v1/bots/"+url.PathEscape(botID)+"/rhythm-profile", nil, &out)
	if err != nil {
		var ae *apiError
		if errors.As(err, &ae) && ae.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &scheduler.RhythmProfile{
		IntervalScale:    out.IntervalScale,
		QuietStartHour:   out.QuietStartHour,
		MorningStartHour: out.MorningStartHour,
		MorningEndHour:   out.MorningEndHour,
	}, nil
}
