// Package server exposes the trigger HTTP surface. The pipeline is driven by
// an external periodic caller (cron, a platform scheduler) hitting these
// endpoints; the server itself never initiates work.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"botfarm/internal/jobs"
	"botfarm/internal/telemetry"
	logx "botfarm/pkg/logx"
)

// RunSummary is the response body of a full trigger pass.
type RunSummary struct {
	Reclaimed   int         `json:"reclaimed"`
	Enqueued    int         `json:"enqueued"`
	AgentCycles int         `json:"agent_cycles"`
	Processing  jobs.Result `json:"processing"`
}

// Pipeline is the run surface the endpoints drive. internal/app implements
// it; tests substitute fakes.
type Pipeline interface {
	// Run performs reclamation, scheduling, and one processing pass.
	Run(ctx context.Context) (RunSummary, error)
	// Process performs only the processing pass.
	Process(ctx context.Context) (jobs.Result, error)
}

// HealthSource produces the health report body.
type HealthSource interface {
	Report(ctx context.Context) (telemetry.Report, error)
}

// Config holds the resolved (durations parsed) server settings.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback bind requires Secret or AllowInsecure.
type Config struct {
	Addr          string
	Secret        string
	AllowInsecure bool

	// TriggerBudget bounds one trigger invocation's wall clock.
	TriggerBudget time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Server struct {
	pipe   Pipeline
	health HealthSource
	log    logx.Logger

	mu  sync.Mutex
	cfg Config
	ln  net.Listener
	srv *http.Server
}

func New(cfg Config, pipe Pipeline, health HealthSource, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{pipe: pipe, health: health, log: log, cfg: cfg}
}

// Start listens and serves in a background goroutine. It refuses to start on
// a non-loopback address without a secret unless AllowInsecure is set.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	cur := s.cfg

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = "127.0.0.1:8344"
	}
	if cur.Secret == "" && !isLoopbackAddr(addr) {
		if !cur.AllowInsecure {
			return errors.New("non-loopback addr requires trigger_secret or allow_insecure")
		}
		s.log.Warn("trigger server running without secret on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      s.router(cur),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	s.ln = ln
	s.srv = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("trigger server stopped with error", logx.Err(err))
		}
	}()

	s.log.Info("trigger server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("secret_set", cur.Secret != ""),
	)
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	ln := s.ln
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		// Shutdown deadline passed; close remaining connections hard.
		_ = srv.Close()
	}
	if ln != nil {
		_ = ln.Close()
	}
	s.log.Info("trigger server stopped")
}

// Apply handles config hot-reload. Anything except a pure budget change
// needs a listener restart.
func (s *Server) Apply(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	if !running {
		return nil
	}
	if prev.Addr == cfg.Addr && prev.Secret == cfg.Secret && prev.AllowInsecure == cfg.AllowInsecure &&
		prev.ReadTimeout == cfg.ReadTimeout && prev.WriteTimeout == cfg.WriteTimeout && prev.IdleTimeout == cfg.IdleTimeout {
		s.mu.Lock()
		s.cfg.TriggerBudget = cfg.TriggerBudget
		s.mu.Unlock()
		return nil
	}
	s.Stop(ctx)
	return s.Start(ctx)
}

// Addr reports the bound address, for tests against ":0".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) router(cfg Config) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/trigger/run", s.withAuth(cfg.Secret, s.handleRun)).Methods(http.MethodPost)
	r.HandleFunc("/trigger/process", s.withAuth(cfg.Secret, s.handleProcess)).Methods(http.MethodPost)
	r.HandleFunc("/trigger/health", s.withAuth(cfg.Secret, s.handleHealth)).Methods(http.MethodGet)
	return r
}

func (s *Server) budget() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.TriggerBudget
}

// budgetContext caps the request context with the trigger budget so a pass
// never outlives the host environment's invocation window.
func (s *Server) budgetContext(r *http.Request) (context.Context, context.CancelFunc) {
	b := s.budget()
	if b <= 0 {
		b = 55 * time.Second
	}
	return context.WithTimeout(r.Context(), b)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.budgetContext(r)
	defer cancel()

	sum, err := s.pipe.Run(ctx)
	if err != nil {
		s.log.Error("trigger run failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.budgetContext(r)
	defer cancel()

	res, err := s.pipe.Process(ctx)
	if err != nil {
		s.log.Error("trigger process failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep, err := s.health.Report(r.Context())
	if err != nil {
		s.log.Error("health report failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// withAuth requires "Authorization: Bearer <secret>". The comparison is
// constant time. An empty secret disables auth (loopback-only deployments).
func (s *Server) withAuth(secret string, h http.HandlerFunc) http.HandlerFunc {
	sec := strings.TrimSpace(secret)
	if sec == "" {
		return h
	}
	want := []byte(sec)
	return func(w http.ResponseWriter, r *http.Request) {
		ah := r.Header.Get("Authorization")
		const p = "Bearer "
		if !strings.HasPrefix(ah, p) {
			unauthorized(w)
			return
		}
		got := []byte(strings.TrimSpace(strings.TrimPrefix(ah, p)))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			unauthorized(w)
			return
		}
		h(w, r)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
