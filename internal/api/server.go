package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hostwatch/hostwatch/internal/alerter"
	"github.com/hostwatch/hostwatch/internal/config"
	"github.com/hostwatch/hostwatch/internal/types"
	"github.com/hostwatch/hostwatch/internal/version"
	"github.com/hostwatch/hostwatch/internal/webui"
	"github.com/rs/zerolog"
)

const (
	maxMuteHours    = 24 * 365
	defaultLogLimit = 200
	shutdownTimeout = 5 * time.Second
)

// Server is the operator surface of the alert poller: status, mute control,
// logs and the dashboard
type Server struct {
	engine    *alerter.Engine
	mute      config.MuteConfig
	logger    zerolog.Logger
	listen    string
	logBuffer *webui.LogBuffer
	metrics   http.Handler
	startTime time.Time
}

// NewServer creates a new API server
func NewServer(engine *alerter.Engine, cfg *config.BotConfig, logger zerolog.Logger) *Server {
	return &Server{
		engine:    engine,
		mute:      cfg.Mute,
		logger:    logger.With().Str("component", "api").Logger(),
		listen:    cfg.Listen,
		startTime: time.Now(),
	}
}

// SetLogBuffer sets the log buffer for the web UI
func (s *Server) SetLogBuffer(lb *webui.LogBuffer) {
	s.logBuffer = lb
}

// SetMetricsHandler exposes h on /metrics
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /alerts", s.handleAlerts)
	mux.HandleFunc("GET /api/metrics/{key}", s.handleMetricValues)
	mux.HandleFunc("GET /api/mute/options", s.handleMuteOptions)
	mux.HandleFunc("POST /api/mute", s.handleMute)
	mux.HandleFunc("POST /api/unmute", s.handleUnmute)
	mux.HandleFunc("GET /api/logs", s.handleLogsAPI)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	mux.HandleFunc("GET /{$}", s.handleWebUI)

	return mux
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
			Msg("Starting API server with Web UI")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down API server: %w", err)
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

// handleHealth returns service health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus returns engine state, source health and every alert entry
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"engine":  s.engine.Status(),
		"time":    time.Now().UTC().Format(time.RFC3339),
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"version": version.Get(),
	})
}

type metricValues struct {
	Key    string      `json:"key"`
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// handleMetricValues reads current values for one key, or every key for
// "all", straight from the monitoring API. Alert state is not touched.
func (s *Server) handleMetricValues(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("key")
	key, all, err := parseTarget(raw)
	if err != nil {
		writeError(w, http.StatusNotFound, "UnknownKey", err.Error())
		return
	}
	if all {
		key = types.KeyAll
	}

	res := s.engine.Fetch(r.Context(), key)
	out := metricValues{Key: string(key), Status: res.Status.String()}
	if !res.OK() {
		if res.Err != nil {
			out.Error = res.Err.Error()
		}
		s.logger.Warn().Err(res.Err).Str("key", string(key)).Str("status", out.Status).Msg("On-demand fetch failed")
		writeJSON(w, http.StatusBadGateway, out)
		return
	}

	if all {
		out.Data = res.All
	} else {
		out.Data = res.Snapshot
	}
	writeJSON(w, http.StatusOK, out)
}

type mutedEntry struct {
	Key        types.MetricKey `json:"key"`
	MutedUntil time.Time       `json:"muted_until"`
}

// handleAlerts lists active and muted keys
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	reg := s.engine.Registry()
	active := reg.ListActive()
	if active == nil {
		active = []types.MetricKey{}
	}
	muted := make([]mutedEntry, 0)
	for _, key := range reg.ListMuted() {
		until, _ := reg.MutedUntil(key)
		muted = append(muted, mutedEntry{Key: key, MutedUntil: until})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active": active,
		"muted":  muted,
		"count":  len(active),
	})
}

// handleMuteOptions returns the duration menu and the keys that can be muted
// or unmuted right now
func (s *Server) handleMuteOptions(w http.ResponseWriter, r *http.Request) {
	reg := s.engine.Registry()
	mutable := make([]types.MetricKey, 0)
	for _, key := range reg.ListActive() {
		if !reg.IsMuted(key) {
			mutable = append(mutable, key)
		}
	}
	unmutable := reg.ListMuted()
	if unmutable == nil {
		unmutable = []types.MetricKey{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"durations_hours": s.mute.DurationsHours,
		"allow_custom":    s.mute.AllowCustom,
		"keys":            append(append([]types.MetricKey{}, types.MetricKeys...), types.KeyAll),
		"mutable":         mutable,
		"unmutable":       unmutable,
	})
}

type muteRequest struct {
	Key   string  `json:"key"`
	Hours float64 `json:"hours"`
}

// handleMute mutes one key, or every key for "all"
func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	var req muteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "invalid JSON body")
		return
	}

	duration, err := s.muteDuration(req.Hours)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidDuration", err.Error())
		return
	}

	reg := s.engine.Registry()
	key, all, err := parseTarget(req.Key)
	if err != nil {
		writeError(w, http.StatusNotFound, "UnknownKey", err.Error())
		return
	}

	if all {
		reg.MuteAll(duration)
	} else if err := reg.Mute(key, duration); err != nil {
		writeError(w, http.StatusNotFound, "UnknownKey", err.Error())
		return
	}

	s.logger.Info().
		Str("key", req.Key).
		Dur("duration", duration).
		Msg("Muted")

	if all {
		key = types.MetricKeys[0]
	}
	until, _ := reg.MutedUntil(key)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":         req.Key,
		"muted_until": until,
	})
}

type unmuteRequest struct {
	Key string `json:"key"`
}

// handleUnmute clears the mute of one key, or of every key for "all".
// Unmuting a key that is not muted succeeds.
func (s *Server) handleUnmute(w http.ResponseWriter, r *http.Request) {
	var req unmuteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "invalid JSON body")
		return
	}

	key, all, err := parseTarget(req.Key)
	if err != nil {
		writeError(w, http.StatusNotFound, "UnknownKey", err.Error())
		return
	}

	reg := s.engine.Registry()
	keys := []types.MetricKey{key}
	if all {
		keys = types.MetricKeys
	}
	wasMuted := false
	for _, k := range keys {
		wasMuted = wasMuted || reg.IsMuted(k)
		if err := reg.Unmute(k); err != nil {
			writeError(w, http.StatusNotFound, "UnknownKey", err.Error())
			return
		}
	}

	if wasMuted {
		s.logger.Info().Str("key", req.Key).Msg("Unmuted")
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":       req.Key,
		"was_muted": wasMuted,
	})
}

// parseTarget resolves a metric key or "all"
func parseTarget(raw string) (types.MetricKey, bool, error) {
	key, err := types.ParseKey(raw)
	if err == nil {
		return key, false, nil
	}
	if types.MetricKey(strings.ToLower(strings.TrimSpace(raw))) == types.KeyAll {
		return "", true, nil
	}
	return "", false, err
}

// muteDuration validates hours against the configured menu
func (s *Server) muteDuration(hours float64) (time.Duration, error) {
	if math.IsNaN(hours) || hours <= 0 {
		return 0, errors.New("hours must be positive")
	}
	if hours > maxMuteHours {
		return 0, fmt.Errorf("hours must not exceed %d", maxMuteHours)
	}
	if !s.mute.AllowCustom {
		allowed := false
		for _, h := range s.mute.DurationsHours {
			if float64(h) == hours {
				allowed = true
				break
			}
		}
		if !allowed {
			return 0, fmt.Errorf("hours must be one of %v", s.mute.DurationsHours)
		}
	}
	return time.Duration(hours * float64(time.Hour)), nil
}

// handleLogsAPI returns recent log entries as JSON
func (s *Server) handleLogsAPI(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "BadRequest", "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries := []webui.LogEntry{}
	if s.logBuffer != nil {
		entries = s.logBuffer.Recent(limit, r.URL.Query().Get("level"))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleWebUI renders the dashboard
func (s *Server) handleWebUI(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Status()

	d := webui.Dashboard{
		ServerName: st.ServerName,
		Version:    version.Get().String(),
		Uptime:     formatDuration(time.Since(s.startTime)),
		Generated:  time.Now().Format("15:04:05"),
		Interval:   st.Interval,
		FetchMode:  st.FetchMode,
		Outage:     st.Outage,
		LastTick:   "never",
		Source:     "unknown",
		MuteHours:  s.mute.DurationsHours,
	}
	if st.LastTick != nil {
		d.LastTick = fmt.Sprintf("%s (%s)", st.LastTick.Started.Format("15:04:05"), st.LastTick.Outcome)
	}
	if st.Source != nil {
		d.Source = "reachable"
		if !st.Source.Reachable {
			d.Source = fmt.Sprintf("unreachable (%d failures)", st.Source.ConsecutiveFailures)
		}
	}
	for _, a := range st.Alerts {
		row := webui.AlertRow{
			Key:    string(a.Key),
			Name:   a.Key.DisplayName(),
			Active: a.Active,
			Muted:  a.Muted,
		}
		if a.Muted {
			row.MutedUntil = a.MutedUntil.Format("Jan 2 15:04")
		}
		d.Rows = append(d.Rows, row)
	}
	if s.logBuffer != nil {
		d.Logs = s.logBuffer.Recent(100, "info")
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := webui.Render(w, d); err != nil {
		s.logger.Error().Err(err).Msg("Failed to render dashboard")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// formatDuration formats a duration as e.g. "3d 4h" or "12m"
func formatDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}
