package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"cloud.google.com/go/civil"

	"poolsync/internal/config"
	appLog "poolsync/internal/log"
	"poolsync/internal/runner"
)

// Syncer is the part of runner.Runner the server drives.
type Syncer interface {
	Run(ctx context.Context) (*runner.Report, error)
	RunDates(ctx context.Context, dates []civil.Date) (*runner.Report, error)
	Last() *runner.Report
}

// Server provides the status and control API of the sync daemon.
type Server struct {
	cfg     *config.Config
	syncer  Syncer
	metrics http.Handler
	started time.Time
	mux     *http.ServeMux
}

// NewServer constructs a new Server. metrics may be nil, in which case
// /metrics is not registered.
func NewServer(cfg *config.Config, syncer Syncer, metrics http.Handler) *Server {
	s := &Server{
		cfg:     cfg,
		syncer:  syncer,
		metrics: metrics,
		started: time.Now(),
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password means disabled.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// /health is always public.
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="poolsync", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// StartServer serves s on cfg.Listen until ctx is canceled, then shuts down
// gracefully.
func StartServer(ctx context.Context, cfg *config.Config, s *Server) error {
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/sync", s.handleSync)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// statusResponse is the JSON response shape for /api/status.
type statusResponse struct {
	Provider   string         `json:"provider"`
	CalendarID string         `json:"calendar_id,omitempty"`
	Timezone   string         `json:"timezone"`
	Refresh    string         `json:"refresh"`
	Source     string         `json:"source"`
	Uptime     string         `json:"uptime"`
	LastRun    *runner.Report `json:"last_run"`
}

// handleStatus reports the effective configuration and the last run.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Provider:   s.cfg.Provider,
		CalendarID: s.cfg.CalendarID,
		Timezone:   s.cfg.Timezone,
		Refresh:    s.cfg.RefreshCron,
		Source:     s.cfg.Source.URL,
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		LastRun:    s.syncer.Last(),
	})
}

// handleSync runs a sync pass and returns its report.
//
// POST /api/sync               full horizon
// POST /api/sync?date=2026-01-14  a single date
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		rep *runner.Report
		err error
	)
	if q := r.URL.Query().Get("date"); q != "" {
		date, perr := civil.ParseDate(q)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		appLog.Info("api sync request", "date", date)
		rep, err = s.syncer.RunDates(ctx, []civil.Date{date})
	} else {
		appLog.Info("api sync request")
		rep, err = s.syncer.Run(ctx)
	}

	switch {
	case errors.Is(err, runner.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil && rep == nil:
		appLog.Error("api sync failed", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	case err != nil:
		writeJSON(w, http.StatusBadGateway, rep)
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
