// Package ops is the operator control surface: execution mode
// transitions, pause/resume, emergency close-all, and status. Every
// mutating endpoint requires a bearer token and an actor identity, and
// every action is audited.
package ops

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sawpanic/tradegate/internal/audit"
	"github.com/sawpanic/tradegate/internal/budget"
	"github.com/sawpanic/tradegate/internal/execmode"
	"github.com/sawpanic/tradegate/internal/position"
	"github.com/sawpanic/tradegate/internal/risk"
)

// Closer executes the emergency flatten. Implemented by the pipeline.
type Closer interface {
	CloseAll(ctx context.Context, reason string) (int, error)
}

// Deps wires the server to the running system.
type Deps struct {
	Modes    *execmode.Controller
	Budget   *budget.Gate
	Breaker  *risk.CircuitBreaker
	Book     *position.Book
	Paper    *position.Book
	Closer   Closer
	Audit    *audit.Recorder
	Registry *prometheus.Registry
}

// Server is the ops HTTP server.
type Server struct {
	deps  Deps
	token string
	log   zerolog.Logger
	http  *http.Server
}

// NewServer creates the ops server. An empty token disables every
// mutating endpoint rather than leaving it open.
func NewServer(addr, token string, deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		deps:  deps,
		token: token,
		log:   log.With().Str("component", "ops").Logger(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/v1/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/mode", s.auth(s.handleSetMode)).Methods(http.MethodPost)
	r.HandleFunc("/v1/mode/confirm", s.auth(s.handleConfirmMode)).Methods(http.MethodPost)
	r.HandleFunc("/v1/pause", s.auth(s.handlePause)).Methods(http.MethodPost)
	r.HandleFunc("/v1/resume", s.auth(s.handleResume)).Methods(http.MethodPost)
	r.HandleFunc("/v1/close-all", s.auth(s.handleCloseAll)).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if deps.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.http.Addr).Msg("ops server listening")
		errCh <- s.http.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// auth enforces the bearer token and extracts the actor identity from
// the X-Actor header. Denials are logged with the source address.
func (s *Server) auth(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			s.log.Warn().Str("path", r.URL.Path).Msg("mutating endpoint called with no auth token configured")
			writeError(w, http.StatusForbidden, "control endpoints disabled: no auth token configured")
			return
		}
		header := r.Header.Get("Authorization")
		got, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			s.log.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("permission denied")
			writeError(w, http.StatusUnauthorized, "permission denied")
			return
		}
		actor := r.Header.Get("X-Actor")
		if actor == "" {
			writeError(w, http.StatusBadRequest, "X-Actor header required")
			return
		}
		next(w, r, actor)
	}
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request, actor string) {
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	prev := s.deps.Modes.Snapshot().Mode
	if err := s.deps.Modes.SetMode(r.Context(), execmode.Mode(req.Mode), actor); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.deps.Audit != nil {
		s.deps.Audit.ModeChange(r.Context(), string(prev), req.Mode, actor)
	}
	writeJSON(w, http.StatusOK, s.deps.Modes.Snapshot())
}

func (s *Server) handleConfirmMode(w http.ResponseWriter, r *http.Request, actor string) {
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.deps.Modes.ConfirmMode(r.Context(), execmode.Mode(req.Mode), actor); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.deps.Audit != nil {
		s.deps.Audit.ModeChange(r.Context(), "unconfirmed", req.Mode, actor)
	}
	writeJSON(w, http.StatusOK, s.deps.Modes.Snapshot())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request, actor string) {
	s.setPaused(w, r, actor, true)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request, actor string) {
	s.setPaused(w, r, actor, false)
}

func (s *Server) setPaused(w http.ResponseWriter, r *http.Request, actor string, paused bool) {
	if err := s.deps.Modes.SetPaused(r.Context(), paused, actor); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Modes.Snapshot())
}

func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request, actor string) {
	if s.deps.Closer == nil {
		writeError(w, http.StatusServiceUnavailable, "close-all unavailable")
		return
	}
	closed, err := s.deps.Closer.CloseAll(r.Context(), "operator close-all by "+actor)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Warn().Str("actor", actor).Int("closed", closed).Msg("operator close-all executed")
	writeJSON(w, http.StatusOK, map[string]interface{}{"closed": closed})
}

type statusResponse struct {
	Mode          execmode.State          `json:"mode"`
	NeedsConfirm  bool                    `json:"needs_mode_confirmation"`
	Breaker       risk.BreakerState       `json:"breaker"`
	Budget        map[string]budget.State `json:"budget"`
	OpenPositions int                     `json:"open_positions"`
	PaperOpen     int                     `json:"paper_open_positions"`
	Time          time.Time               `json:"time"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Mode:         s.deps.Modes.Snapshot(),
		NeedsConfirm: s.deps.Modes.NeedsConfirmation(),
		Time:         time.Now().UTC(),
	}
	if s.deps.Breaker != nil {
		resp.Breaker = s.deps.Breaker.State()
	}
	if s.deps.Budget != nil {
		resp.Budget = s.deps.Budget.Stats()
	}
	if s.deps.Book != nil {
		resp.OpenPositions = s.deps.Book.Len()
	}
	if s.deps.Paper != nil {
		resp.PaperOpen = s.deps.Paper.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
