package alerter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hostwatch/hostwatch/internal/collector"
	"github.com/hostwatch/hostwatch/internal/config"
	"github.com/hostwatch/hostwatch/internal/evaluator"
	"github.com/hostwatch/hostwatch/internal/metrics"
	"github.com/hostwatch/hostwatch/internal/types"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Tick outcomes
const (
	OutcomeOK        = "ok"
	OutcomeOutage    = "outage"
	OutcomeAbandoned = "abandoned"
)

// Source fetches metric snapshots
type Source interface {
	Fetch(ctx context.Context, key types.MetricKey) collector.Result
}

// Notifier delivers notifications to the operator
type Notifier interface {
	Send(ctx context.Context, n types.Notification) error
}

// healthReporter is implemented by sources that track reachability
type healthReporter interface {
	Health() collector.Health
}

// TickReport summarises one scheduler tick
type TickReport struct {
	Started   time.Time         `json:"started"`
	Duration  time.Duration     `json:"duration"`
	Outcome   string            `json:"outcome"`
	Evaluated []types.MetricKey `json:"evaluated"`
	Muted     []types.MetricKey `json:"muted"`
	Skipped   []types.MetricKey `json:"skipped"`
	Notified  int               `json:"notified"`
	Error     string            `json:"error,omitempty"`
}

// Status is the engine state shown on the operator surface
type Status struct {
	ServerName string             `json:"server_name"`
	Interval   string             `json:"interval"`
	FetchMode  string             `json:"fetch_mode"`
	Outage     bool               `json:"outage"`
	Ticks      int64              `json:"ticks"`
	LastTick   *TickReport        `json:"last_tick,omitempty"`
	Source     *collector.Health  `json:"source,omitempty"`
	Alerts     []types.AlertState `json:"alerts"`
}

// Engine drives the periodic fetch, evaluate, notify cycle. At most one tick
// runs at a time.
type Engine struct {
	cfg      *config.BotConfig
	registry *Registry
	source   Source
	notifier Notifier
	metrics  *metrics.Bot
	logger   zerolog.Logger
	now      func() time.Time

	tickMu sync.Mutex
	outage bool

	statusMu sync.RWMutex
	ticks    int64
	last     *TickReport
}

// NewEngine creates a new alert engine
func NewEngine(cfg *config.BotConfig, registry *Registry, source Source, notifier Notifier, m *metrics.Bot, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		registry: registry,
		source:   source,
		notifier: notifier,
		metrics:  m,
		logger:   logger.With().Str("component", "alerter").Logger(),
		now:      registry.now,
	}
}

// Registry returns the registry the engine mutates
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Interval returns the configured poll interval
func (e *Engine) Interval() time.Duration {
	return time.Duration(e.cfg.PollInterval) * time.Second
}

// Run ticks once immediately and then on every poll interval until ctx is
// done. A tick that overruns the interval delays the next one. Run returns
// after the in-flight tick has finished.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.Interval()
	if interval <= 0 {
		return fmt.Errorf("%w: poll_interval must be positive", config.ErrConfiguration)
	}

	e.logger.Info().
		Dur("interval", interval).
		Str("fetch_mode", e.cfg.FetchMode).
		Msg("Starting alert scheduler")

	e.Tick(ctx)

	l := cronLogger{logger: e.logger}
	c := cron.New(
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.DelayIfStillRunning(l)),
	)
	c.Schedule(cron.Every(interval), cron.FuncJob(func() { e.Tick(ctx) }))
	c.Start()

	<-ctx.Done()
	e.logger.Info().Msg("Stopping alert scheduler")
	<-c.Stop().Done()
	return nil
}

// Tick fetches, evaluates and notifies once. Errors are logged and folded
// into the report; they never escape.
func (e *Engine) Tick(ctx context.Context) (report TickReport) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	report = TickReport{Started: e.now(), Outcome: OutcomeOK}
	start := time.Now()
	defer func() {
		report.Duration = time.Since(start)
		e.metrics.Ticks.WithLabelValues(report.Outcome).Inc()
		e.metrics.TickDuration.Observe(report.Duration.Seconds())
		e.statusMu.Lock()
		e.ticks++
		r := report
		e.last = &r
		e.statusMu.Unlock()
	}()

	all := e.source.Fetch(ctx, types.KeyAll)
	if !all.OK() {
		if ctx.Err() != nil {
			report.Outcome = OutcomeAbandoned
			return report
		}
		e.enterOutage(ctx, all, &report)
		return report
	}
	if e.outage {
		e.outage = false
		e.logger.Info().Msg("Monitoring API reachable again")
	}

	for _, key := range types.MetricKeys {
		if ctx.Err() != nil {
			report.Outcome = OutcomeAbandoned
			return report
		}
		if e.registry.IsMuted(key) {
			report.Muted = append(report.Muted, key)
			continue
		}

		snap, err := e.snapshot(ctx, key, all)
		if err != nil {
			e.metrics.FetchFailures.WithLabelValues(string(key)).Inc()
			e.logger.Warn().Err(err).Str("key", string(key)).Msg("Skipping metric for this tick")
			report.Skipped = append(report.Skipped, key)
			continue
		}

		verdict, err := evaluator.Evaluate(snap, e.cfg.Limits)
		if err != nil {
			e.logger.Warn().Err(err).Str("key", string(key)).Msg("Skipping metric for this tick")
			report.Skipped = append(report.Skipped, key)
			continue
		}

		// muted while fetching: leave the state as the mute found it
		tr, err := e.registry.SetActiveUnlessMuted(key, verdict.Exceeded)
		if err != nil {
			e.logger.Error().Err(err).Str("key", string(key)).Msg("Failed to record alert state")
			continue
		}
		if tr.Muted {
			report.Muted = append(report.Muted, key)
			continue
		}
		report.Evaluated = append(report.Evaluated, key)
		e.metrics.ActiveAlerts.WithLabelValues(string(key)).Set(boolGauge(verdict.Exceeded))

		if !tr.Changed {
			continue
		}
		if verdict.Exceeded {
			e.logger.Info().Str("key", string(key)).Str("detail", verdict.Detail).Msg("Alert fired")
			if e.notify(ctx, e.alertNotification(verdict)) {
				report.Notified++
			}
			continue
		}
		if tr.Latched {
			e.logger.Debug().Str("key", string(key)).Msg("Outage latch cleared")
			continue
		}
		e.logger.Info().Str("key", string(key)).Msg("Alert resolved")
		if e.cfg.NotifyRecovery && e.notify(ctx, e.resolvedNotification(key)) {
			report.Notified++
		}
	}
	return report
}

// snapshot returns the usable snapshot for key, from the aggregate or from a
// per-key fetch depending on the fetch mode
func (e *Engine) snapshot(ctx context.Context, key types.MetricKey, all collector.Result) (types.Snapshot, error) {
	if e.cfg.FetchMode == config.FetchModePerKey {
		res := e.source.Fetch(ctx, key)
		if !res.OK() {
			return nil, fmt.Errorf("fetch %s (%s): %w", key, res.Status, res.Err)
		}
		return res.Snapshot, nil
	}
	return all.All.Section(key)
}

// enterOutage latches every unmuted key active. The operator is notified
// only when the outage starts, and latched keys recover silently.
func (e *Engine) enterOutage(ctx context.Context, all collector.Result, report *TickReport) {
	report.Outcome = OutcomeOutage
	if all.Err != nil {
		report.Error = all.Err.Error()
	}
	e.metrics.FetchFailures.WithLabelValues(string(types.KeyAll)).Inc()

	for _, key := range types.MetricKeys {
		tr, err := e.registry.LatchActive(key)
		if err != nil {
			continue
		}
		if tr.Muted {
			report.Muted = append(report.Muted, key)
			continue
		}
		e.metrics.ActiveAlerts.WithLabelValues(string(key)).Set(1)
	}

	if e.outage {
		e.logger.Warn().Err(all.Err).Str("status", all.Status.String()).Msg("Monitoring API still unreachable")
		return
	}
	e.outage = true
	e.logger.Error().Err(all.Err).Str("status", all.Status.String()).Msg("Monitoring API unreachable")
	if e.notify(ctx, e.outageNotification(all)) {
		report.Notified++
	}
}

func (e *Engine) notify(ctx context.Context, n types.Notification) bool {
	if err := e.notifier.Send(ctx, n); err != nil {
		e.metrics.Notifications.WithLabelValues(string(n.Kind), "failed").Inc()
		e.logger.Error().
			Err(err).
			Str("kind", string(n.Kind)).
			Str("key", string(n.Key)).
			Msg("Failed to send notification")
		return false
	}
	e.metrics.Notifications.WithLabelValues(string(n.Kind), "sent").Inc()
	return true
}

func (e *Engine) alertNotification(v evaluator.Verdict) types.Notification {
	return types.Notification{
		Kind:     types.KindAlert,
		Key:      v.Key,
		Severity: "warning",
		Title:    fmt.Sprintf("⚠️ [%s] %s alert", e.cfg.ServerName, v.Key.DisplayName()),
		Body:     v.Detail,
		At:       e.now(),
	}
}

func (e *Engine) resolvedNotification(key types.MetricKey) types.Notification {
	return types.Notification{
		Kind:     types.KindResolved,
		Key:      key,
		Severity: "info",
		Title:    fmt.Sprintf("✅ [%s] %s recovered", e.cfg.ServerName, key.DisplayName()),
		Body:     fmt.Sprintf("%s is back within thresholds", key.DisplayName()),
		At:       e.now(),
	}
}

func (e *Engine) outageNotification(all collector.Result) types.Notification {
	reason := all.Status.String()
	if all.Err != nil {
		reason = all.Err.Error()
	}
	return types.Notification{
		Kind:     types.KindOutage,
		Severity: "critical",
		Title:    fmt.Sprintf("🔴 [%s] Monitoring API unreachable", e.cfg.ServerName),
		Body:     fmt.Sprintf("Could not fetch metrics: %s\nEvery unmuted check is marked active until the API answers again.", reason),
		At:       e.now(),
	}
}

// Fetch reads key, or the aggregate for "all", from the source on demand.
// It does not touch alert state.
func (e *Engine) Fetch(ctx context.Context, key types.MetricKey) collector.Result {
	return e.source.Fetch(ctx, key)
}

// Status returns a snapshot of engine and registry state
func (e *Engine) Status() Status {
	e.statusMu.RLock()
	st := Status{
		ServerName: e.cfg.ServerName,
		Interval:   e.Interval().String(),
		FetchMode:  e.cfg.FetchMode,
		Ticks:      e.ticks,
	}
	if e.last != nil {
		r := *e.last
		st.LastTick = &r
		st.Outage = r.Outcome == OutcomeOutage
	}
	e.statusMu.RUnlock()

	if hr, ok := e.source.(healthReporter); ok {
		h := hr.Health()
		st.Source = &h
	}
	st.Alerts = e.registry.States()
	return st
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
