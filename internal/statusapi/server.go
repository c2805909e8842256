package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hostwatch/hostwatch/internal/auth"
	"github.com/hostwatch/hostwatch/internal/config"
	"github.com/hostwatch/hostwatch/internal/metrics"
	"github.com/hostwatch/hostwatch/internal/types"
	"github.com/hostwatch/hostwatch/internal/version"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

// Prober samples the host
type Prober interface {
	Probe(ctx context.Context, key types.MetricKey) (types.Snapshot, error)
	All(ctx context.Context) *types.AllStatus
}

// Authenticator issues and checks credentials
type Authenticator interface {
	Login(ctx context.Context, username, password string) (auth.Token, error)
	VerifyToken(raw string) (string, error)
	VerifyAPIKey(key string) (string, bool)
}

// Server is the monitoring API: login plus authenticated status endpoints
type Server struct {
	prober  Prober
	auth    Authenticator
	metrics *metrics.API
	limiter *rateLimiter
	logger  zerolog.Logger
	listen  string

	metricsHandler http.Handler
}

// NewServer creates the monitoring API server
func NewServer(cfg *config.APIConfig, prober Prober, authn Authenticator, m *metrics.API, logger zerolog.Logger) *Server {
	s := &Server{
		prober:  prober,
		auth:    authn,
		metrics: m,
		logger:  logger.With().Str("component", "statusapi").Logger(),
		listen:  cfg.Listen,
	}
	if cfg.RateLimit.RPS > 0 {
		s.limiter = newRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}
	return s
}

// SetMetricsHandler exposes h on /metrics
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metricsHandler = h
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/auth/token", s.handleLogin)
	mux.Handle("GET /api/status/{key}", s.requireAuth(http.HandlerFunc(s.handleStatus)))
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Handler(h)
	}
	return s.instrument(h)
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().
			Str("address", s.listen).
			Msg("Starting monitoring API")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down monitoring API: %w", err)
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Server Monitoring API is running",
		"version": version.Get().Version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// handleLogin exchanges a form-encoded username and password for a token
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "invalid form body")
		return
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if username == "" || password == "" {
		writeError(w, http.StatusBadRequest, "BadRequest", "username and password are required")
		return
	}

	tok, err := s.auth.Login(r.Context(), username, password)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrUserBlocked):
		s.metrics.LoginFailures.Inc()
		writeError(w, http.StatusForbidden, "UserBlocked", err.Error())
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.metrics.LoginFailures.Inc()
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, "InvalidCredentials", "invalid credentials")
		return
	default:
		s.logger.Error().Err(err).Str("user", username).Msg("Login failed")
		writeError(w, http.StatusInternalServerError, "InternalError", "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: tok.AccessToken,
		TokenType:   "bearer",
		ExpiresIn:   int(tok.ExpiresIn / time.Second),
	})
}

// handleStatus serves one metric, or every metric for "all"
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	raw := strings.ToLower(strings.TrimSpace(r.PathValue("key")))
	logger := s.logger.With().Str("user", userFrom(r.Context())).Str("key", raw).Logger()

	if types.MetricKey(raw) == types.KeyAll {
		all := s.prober.All(r.Context())
		for key, err := range all.Errors {
			s.metrics.ProbeFailures.WithLabelValues(string(key)).Inc()
			logger.Warn().Err(err).Str("probe", string(key)).Msg("Probe failed, section omitted")
		}
		if all.Empty() {
			writeError(w, http.StatusServiceUnavailable, "ProbeFailed", "every probe failed")
			return
		}
		logger.Debug().Int("sections", len(all.Sections)).Msg("Served all status")
		writeJSON(w, http.StatusOK, all)
		return
	}

	key, err := types.ParseKey(raw)
	if err != nil {
		writeError(w, http.StatusNotFound, "UnknownKey", err.Error())
		return
	}
	snap, err := s.prober.Probe(r.Context(), key)
	if err != nil {
		s.metrics.ProbeFailures.WithLabelValues(string(key)).Inc()
		logger.Warn().Err(err).Msg("Probe failed")
		writeError(w, http.StatusServiceUnavailable, "ProbeFailed", err.Error())
		return
	}
	logger.Debug().Msg("Served status")
	writeJSON(w, http.StatusOK, snap)
}
