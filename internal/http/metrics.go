package http

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "mixdeck"

// Metrics implements core.MetricsRecorder on its own registry, so several
// instances can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	PlaybackCommandsTotal *prometheus.CounterVec
	UnplayableTotal       prometheus.Counter
	TokenRefreshesTotal   *prometheus.CounterVec
	ResourceBuildsTotal   *prometheus.CounterVec
	RateLimitedTotal      prometheus.Counter
	QueueLength           prometheus.Gauge
	ResourcesReady        prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		PlaybackCommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "playback_commands_total",
				Help:      "Total number of playback device commands",
			},
			[]string{"command", "status"},
		),
		UnplayableTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "unplayable_tracks_total",
				Help:      "Total number of tracks flagged unplayable",
			},
		),
		TokenRefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "token_refreshes_total",
				Help:      "Total number of access token refreshes",
			},
			[]string{"status"},
		),
		ResourceBuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "resource_builds_total",
				Help:      "Total number of playlist and library builds",
			},
			[]string{"resource", "status"},
		),
		RateLimitedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "refresh_rate_limited_total",
				Help:      "Total number of refresh requests rejected by the rate limiter",
			},
		),
		QueueLength: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "queue_length",
				Help:      "Current number of entries in the master playlist",
			},
		),
		ResourcesReady: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "resources_ready",
				Help:      "1 once playlists and library are loaded",
			},
		),
	}

	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(
		m.PlaybackCommandsTotal,
		m.UnplayableTotal,
		m.TokenRefreshesTotal,
		m.ResourceBuildsTotal,
		m.RateLimitedTotal,
		m.QueueLength,
		m.ResourcesReady,
	)
	return m
}

// Registry exposes the registry for the /metrics handler and tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordPlaybackCommand(command, status string) {
	m.PlaybackCommandsTotal.WithLabelValues(command, status).Inc()
}

func (m *Metrics) RecordUnplayable() {
	m.UnplayableTotal.Inc()
}

func (m *Metrics) RecordTokenRefresh(status string) {
	m.TokenRefreshesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordResourceBuild(resource, status string) {
	m.ResourceBuildsTotal.WithLabelValues(resource, status).Inc()
}

func (m *Metrics) SetQueueLength(n int) {
	m.QueueLength.Set(float64(n))
}

func (m *Metrics) SetResourcesReady(ready bool) {
	if ready {
		m.ResourcesReady.Set(1)
		return
	}
	m.ResourcesReady.Set(0)
}

func (m *Metrics) recordRateLimited() {
	m.RateLimitedTotal.Inc()
}
