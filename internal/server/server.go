package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"crx-points/internal/ingest"
	"crx-points/internal/season"
	"crx-points/internal/selfheal"
	"crx-points/internal/storage"
)

// PassRunner runs one ingestion pass.
type PassRunner interface {
	RunPass(ctx context.Context, s season.Config, opts ingest.PassOptions) (ingest.PassSummary, error)
}

// PassHook observes finished passes triggered over HTTP.
type PassHook func(ctx context.Context, summary ingest.PassSummary, err error)

// Options configure the internal server.
type Options struct {
	Addr        string
	Secret      string
	PassTimeout time.Duration
	// Locker, when set, must grant LockKey before a triggered pass runs.
	// Scheduled passes hold the same key.
	Locker  storage.AdvisoryLocker
	LockKey int64
}

// Server exposes the internal ingestion trigger, health and metrics.
type Server struct {
	opts   Options
	runner PassRunner
	season season.Config
	hook   PassHook
	logger zerolog.Logger

	running atomic.Bool
	wg      sync.WaitGroup
	baseCtx context.Context
}

type ingestRequest struct {
	SeasonID string `json:"seasonId"`
	Full     bool   `json:"full"`
	Reason   string `json:"reason"`
}

type ingestResponse struct {
	Status   string `json:"status"`
	SeasonID string `json:"seasonId"`
	Full     bool   `json:"full"`
}

// New constructs a server. hook may be nil.
func New(opts Options, runner PassRunner, s season.Config, hook PassHook, logger zerolog.Logger) *Server {
	if opts.PassTimeout <= 0 {
		opts.PassTimeout = 10 * time.Minute
	}
	return &Server{
		opts:    opts,
		runner:  runner,
		season:  s,
		hook:    hook,
		logger:  logger.With().Str("component", "server").Logger(),
		baseCtx: context.Background(),
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/internal/ingest", s.handleIngest)
	return r
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var req ingestRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
			return
		}
	}
	if req.SeasonID != "" && req.SeasonID != s.season.ID {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown season"})
		return
	}

	resp := ingestResponse{SeasonID: s.season.ID, Full: req.Full}
	if !s.running.CompareAndSwap(false, true) {
		resp.Status = "already_running"
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	s.wg.Add(1)
	go s.runPass(req)

	resp.Status = "started"
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) runPass(req ingestRequest) {
	defer s.wg.Done()
	defer s.running.Store(false)

	ctx, cancel := context.WithTimeout(s.baseCtx, s.opts.PassTimeout)
	defer cancel()

	if s.opts.Locker != nil {
		unlock, acquired, err := s.opts.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
		if err != nil {
			s.logger.Error().Err(err).Str("season", s.season.ID).Msg("advisory lock unavailable; triggered pass skipped")
			return
		}
		if !acquired {
			s.logger.Info().Str("season", s.season.ID).Str("reason", req.Reason).Msg("pass already running elsewhere; trigger skipped")
			return
		}
		if unlock != nil {
			defer unlock()
		}
	}

	s.logger.Info().Str("season", s.season.ID).Bool("full", req.Full).Str("reason", req.Reason).Msg("ingestion triggered")
	summary, err := s.runner.RunPass(ctx, s.season, ingest.PassOptions{Full: req.Full})
	if err != nil {
		s.logger.Error().Err(err).Str("season", s.season.ID).Msg("triggered pass failed")
	}
	if s.hook != nil {
		s.hook(ctx, summary, err)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.opts.Secret == "" {
		return false
	}
	got := r.Header.Get(selfheal.SecretHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.Secret)) == 1
}

// Running reports whether a triggered pass is in flight.
func (s *Server) Running() bool {
	return s.running.Load()
}

// Wait blocks until any in-flight pass has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

// ListenAndServe serves until ctx is cancelled, then shuts down and waits
// for an in-flight pass.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.baseCtx = context.WithoutCancel(ctx)
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("internal server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("server shutdown")
	}
	s.Wait()
	s.logger.Info().Msg("internal server stopped")
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
