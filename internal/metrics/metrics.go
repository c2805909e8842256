package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hostwatch"

// Bot holds the alert poller collectors
type Bot struct {
	Ticks         *prometheus.CounterVec
	TickDuration  prometheus.Histogram
	FetchFailures *prometheus.CounterVec
	ActiveAlerts  *prometheus.GaugeVec
	Notifications *prometheus.CounterVec
}

// NewBot registers the poller collectors on reg
func NewBot(reg prometheus.Registerer) *Bot {
	f := promauto.With(reg)
	return &Bot{
		Ticks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Scheduler ticks by outcome.",
		}, []string{"outcome"}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Time spent fetching, evaluating and notifying per tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		FetchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "fetch_failures_total",
			Help:      "Metric fetches that failed or returned unusable data.",
		}, []string{"key"}),
		ActiveAlerts: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "active",
			Help:      "1 while the alert for a metric key is active.",
		}, []string{"key"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "notifications_total",
			Help:      "Notifications handed to the notifier by kind and result.",
		}, []string{"kind", "result"}),
	}
}

// API holds the monitoring API collectors
type API struct {
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ProbeFailures   *prometheus.CounterVec
	LoginFailures   prometheus.Counter
}

// NewAPI registers the monitoring API collectors on reg
func NewAPI(reg prometheus.Registerer) *API {
	f := promauto.With(reg)
	return &API{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		ProbeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "probe_failures_total",
			Help:      "Host probes that returned an error.",
		}, []string{"key"}),
		LoginFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "login_failures_total",
			Help:      "Rejected login attempts.",
		}),
	}
}

// NewRegistry returns a registry carrying the Go and process collectors
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the collectors of reg
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
