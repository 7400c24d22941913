// Package server streams test-run progress over HTTP and websockets.
//
// POST /api/runs starts a run and answers with NDJSON event frames until the
// terminal done or error frame. GET /api/runs/ws does the same over a
// websocket: the first client message is the run request, a later
// {"type":"cancel"} message cancels it. Only one run executes at a time.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/ragbench/internal/observability"
	"github.com/haasonsaas/ragbench/internal/testcase"
	"github.com/haasonsaas/ragbench/internal/testrun"
)

const (
	maxRequestBytes = 1 << 20
	wsWriteWait     = 10 * time.Second
	wsPongWait      = 60 * time.Second
	wsPingInterval  = 25 * time.Second
)

// Runner executes a run and reports progress through emit.
type Runner interface {
	Run(ctx context.Context, cases []testcase.Case, emit func(testrun.Event)) (*testrun.Summary, error)
}

// CaseSource lists the available test cases.
type CaseSource interface {
	List() ([]testcase.Case, error)
}

// RunRequest selects the cases of a run. Empty filters select every case.
type RunRequest struct {
	IDs []int  `json:"ids,omitempty"`
	Tag string `json:"tag,omitempty"`
}

func (r RunRequest) filter(cases []testcase.Case) []testcase.Case {
	out := make([]testcase.Case, 0, len(cases))
	for _, c := range cases {
		if len(r.IDs) > 0 && !slices.Contains(r.IDs, c.ID) {
			continue
		}
		if r.Tag != "" && !strings.EqualFold(r.Tag, c.Tag) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Config configures the server.
type Config struct {
	Addr           string
	AllowedOrigins []string
}

// Server serves the run API.
type Server struct {
	cfg      Config
	runner   Runner
	cases    CaseSource
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	cancel context.CancelFunc

	httpServer *http.Server
}

// New creates a server. metrics may be nil.
func New(cfg Config, runner Runner, cases CaseSource, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		runner:  runner,
		cases:   cases,
		metrics: metrics,
		logger:  logger.With("component", "server"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 8192,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/runs", s.handleRun)
	mux.HandleFunc("POST /api/runs/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/runs/ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

// ListenAndServe serves until ctx is done, then shuts down gracefully and
// cancels any in-flight run.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("starting http server", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.cancelRun()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	return nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(s.cfg.AllowedOrigins, origin) || slices.Contains(s.cfg.AllowedOrigins, "*") {
		return true
	}
	return strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://") == r.Host
}

var errBusy = errors.New("a run is already in progress")

// begin reserves the single run slot. cancel stops the run; release also
// frees the slot and is safe to call more than once.
func (s *Server) begin(parent context.Context) (ctx context.Context, cancel, release func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil, nil, nil, errBusy
	}
	ctx, cancelCtx := context.WithCancel(parent)
	s.cancel = cancelCtx
	var once sync.Once
	release = func() {
		once.Do(func() {
			cancelCtx()
			s.mu.Lock()
			s.cancel = nil
			s.mu.Unlock()
		})
	}
	return ctx, cancelCtx, release, nil
}

func (s *Server) cancelRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

func (s *Server) selectCases(req RunRequest) ([]testcase.Case, error) {
	all, err := s.cases.List()
	if err != nil {
		return nil, fmt.Errorf("load cases: %w", err)
	}
	return req.filter(all), nil
}

// execute runs the request and reports a Go error as a terminal error
// frame when the runner did not already emit one.
func (s *Server) execute(ctx context.Context, req RunRequest, emit func(testrun.Event)) {
	terminal := false
	wrapped := func(ev testrun.Event) {
		if ev.Terminal() {
			terminal = true
		}
		emit(ev)
	}
	cases, err := s.selectCases(req)
	if err == nil {
		_, err = s.runner.Run(ctx, cases, wrapped)
	}
	if err != nil && !errors.Is(err, testrun.ErrCancelled) {
		s.logger.Error("run failed", "error", err)
	}
	if !terminal {
		msg := "run ended"
		if err != nil {
			msg = err.Error()
		}
		emit(testrun.Event{Type: testrun.EventError, Message: msg})
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := decodeRequest(r.Body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ctx, _, release, err := s.begin(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	defer release()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	s.execute(ctx, req, func(ev testrun.Event) {
		if err := enc.Encode(ev); err != nil {
			s.logger.Debug("client gone", "error", err)
			return
		}
		flusher.Flush()
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, _ *http.Request) {
	if !s.cancelRun() {
		http.Error(w, "no run in progress", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"status":"ok"}`)
}

func decodeRequest(body io.Reader, req *RunRequest) error {
	data, err := io.ReadAll(io.LimitReader(body, maxRequestBytes))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, req); err != nil {
		return fmt.Errorf("invalid run request: %w", err)
	}
	return nil
}
