// Package observability provides logging and metrics for the pipeline.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a zap logger from the configured level and format.
func NewLogger(level, format string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

// Metrics holds the pipeline's Prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry

	EventsNormalized prometheus.Counter
	EventsDropped    prometheus.Counter
	SessionsOpened   prometheus.Counter
	SessionsClosed   prometheus.Counter
	GeoLookups       *prometheus.CounterVec
	ProfileUpdates   prometheus.Counter
	ProfileConflicts prometheus.Counter
}

// NewMetrics creates and registers the pipeline metrics on a fresh
// registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsNormalized: factory.NewCounter(prometheus.CounterOpts{
			Name: "honeynet_events_normalized_total",
			Help: "Inbound records that passed normalization.",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "honeynet_events_dropped_total",
			Help: "Inbound records dropped as malformed.",
		}),
		SessionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "honeynet_sessions_opened_total",
			Help: "Attack sessions opened.",
		}),
		SessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "honeynet_sessions_closed_total",
			Help: "Attack sessions closed by boundary or sweep.",
		}),
		GeoLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "honeynet_geo_lookups_total",
			Help: "Geolocation lookups by outcome.",
		}, []string{"result"}),
		ProfileUpdates: factory.NewCounter(prometheus.CounterOpts{
			Name: "honeynet_profile_updates_total",
			Help: "Attacker profile upserts applied.",
		}),
		ProfileConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "honeynet_profile_conflicts_total",
			Help: "Profile write conflicts that forced a fresh read-modify-write.",
		}),
	}
}

// Handler exposes the metrics registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
