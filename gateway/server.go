// Package gateway exposes one synchronization engine instance over HTTP:
// snapshot reads, operation triggers and a websocket status stream. The
// presentation layer (or the operator CLI) is its only intended consumer.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TammyLattimore/bloom-focus-chain/auth"
	"github.com/TammyLattimore/bloom-focus-chain/core"
	cerrors "github.com/TammyLattimore/bloom-focus-chain/core/errors"
)

// Server routes gateway requests to the engine.
type Server struct {
	engine  *core.Engine
	logger  *slog.Logger
	authn   *Authenticator
	limiter *RateLimiter
}

// ServerOption mutates the server during construction.
type ServerOption func(*Server)

// WithAuthenticator protects the /v1 surface with bearer auth.
func WithAuthenticator(authn *Authenticator) ServerOption {
	return func(s *Server) { s.authn = authn }
}

// WithRateLimiter throttles the mutation endpoints.
func WithRateLimiter(limiter *RateLimiter) ServerOption {
	return func(s *Server) { s.limiter = limiter }
}

// WithServerLogger attaches a structured logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer wraps engine with the HTTP surface.
func NewServer(engine *core.Engine, opts ...ServerOption) *Server {
	server := &Server{engine: engine, logger: slog.Default()}
	for _, opt := range opts {
		opt(server)
	}
	return server
}

// Router assembles the gateway route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.authn != nil {
			r.Use(s.authn.Middleware)
		}
		r.Get("/status", s.handleStatus)
		r.Get("/stream", s.handleStream)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/decrypt", s.handleDecrypt)

		mutations := r
		if s.limiter != nil {
			mutations = r.With(s.limiter.Middleware)
		}
		mutations.Post("/sessions", s.handleLogSession)
		mutations.Post("/minutes", s.handleAddMinutes)
		mutations.Put("/goal", s.handleSetGoal)
		mutations.Post("/reset", s.handleReset)
	})
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.engine.Refresh(r.Context())
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	err := s.engine.Decrypt(r.Context())
	s.respondOperation(w, err)
}

type minutesRequest struct {
	Minutes uint64 `json:"minutes"`
}

func (s *Server) handleLogSession(w http.ResponseWriter, r *http.Request) {
	s.runMutation(w, r, s.engine.LogSession)
}

func (s *Server) handleAddMinutes(w http.ResponseWriter, r *http.Request) {
	s.runMutation(w, r, s.engine.AddMinutes)
}

func (s *Server) handleSetGoal(w http.ResponseWriter, r *http.Request) {
	s.runMutation(w, r, s.engine.SetWeeklyGoal)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.respondOperation(w, s.engine.Reset(r.Context()))
}

func (s *Server) runMutation(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, minutes uint64) error) {
	var req minutesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "internal", "invalid JSON body")
		return
	}
	if req.Minutes == 0 {
		writeError(w, http.StatusBadRequest, "internal", "minutes must be a positive integer")
		return
	}
	s.respondOperation(w, op(r.Context(), req.Minutes))
}

// respondOperation maps engine errors onto the HTTP surface. A stale-context
// discard is a soft cancellation, reported as success with the current
// snapshot.
func (s *Server) respondOperation(w http.ResponseWriter, err error) {
	switch {
	case err == nil, errors.Is(err, core.ErrStale):
		writeJSON(w, http.StatusOK, s.engine.Snapshot())
	case errors.Is(err, core.ErrBusy):
		writeError(w, http.StatusConflict, "busy", err.Error())
	case errors.Is(err, core.ErrNoContext):
		writeError(w, http.StatusPreconditionFailed, "no-context", err.Error())
	case errors.Is(err, auth.ErrAuthorizationDenied):
		writeError(w, http.StatusForbidden, "rejected", err.Error())
	default:
		kind := cerrors.KindOf(err)
		status := http.StatusBadGateway
		switch kind {
		case cerrors.KindRejected, cerrors.KindPermission:
			status = http.StatusForbidden
		case cerrors.KindInsufficientFunds:
			status = http.StatusPaymentRequired
		case cerrors.KindInternal:
			status = http.StatusInternalServerError
		}
		s.logger.Error("engine operation failed", "kind", kind.String(), "err", err)
		writeError(w, status, kind.String(), err.Error())
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind})
}
