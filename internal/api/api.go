// Package api exposes the dashboard REST API: ingest, aggregation queries
// and per-attacker drill-down.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/honeynet/internal/event"
	"github.com/lvonguyen/honeynet/internal/observability"
	"github.com/lvonguyen/honeynet/internal/query"
	"github.com/lvonguyen/honeynet/internal/session"
)

// Pipeline is the ingest surface the HTTP handlers feed.
type Pipeline interface {
	Correlate(ctx context.Context, ev *event.AttackEvent) (session.UpdateResult, error)
}

// Handlers bundles the API dependencies.
type Handlers struct {
	Query    *query.Engine
	Pipeline Pipeline
	Metrics  *observability.Metrics
	Limiter  *RateLimiter
	Log      *zap.Logger
	Version  string
}

// NewRouter builds the chi router with the standard middleware stack.
func NewRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.handleHealth)
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		if h.Limiter != nil {
			r.Use(h.Limiter.Middleware)
		}

		r.Post("/ingest", h.handleIngest)
		r.Post("/ingest/batch", h.handleIngestBatch)

		r.Route("/dashboard", func(r chi.Router) {
			r.Get("/stats", h.handleStats)
			r.Get("/timeline", h.handleTimeline)
			r.Get("/geographic", h.handleGeographic)
		})

		r.Route("/attacks", func(r chi.Router) {
			r.Get("/recent", h.handleRecentAttacks)
			r.Get("/top", h.handleTopAttackers)
			r.Get("/mitre/techniques", h.handleTechniques)
			r.Get("/{ip}", h.handleAttacker)
		})
	})

	return r
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": h.Version,
	})
}

// handleIngest accepts one event in the normalized wire shape.
func (h *Handlers) handleIngest(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	result, err := h.ingestOne(r.Context(), raw)
	if err != nil {
		var nerr *event.NormalizationError
		if errors.As(err, &nerr) {
			writeError(w, http.StatusBadRequest, nerr.Reason)
			return
		}
		h.Log.Error("ingest failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "correlation failed")
		return
	}

	writeJSON(w, http.StatusAccepted, result)
}

// handleIngestBatch accepts a JSON array of events. Malformed entries are
// dropped and counted, not rejected wholesale.
func (h *Handlers) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	var batch []json.RawMessage
	if err := json.NewDecoder(io.LimitReader(r.Body, 16<<20)).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON array of events")
		return
	}

	accepted, dropped := 0, 0
	for _, raw := range batch {
		if _, err := h.ingestOne(r.Context(), raw); err != nil {
			var nerr *event.NormalizationError
			if errors.As(err, &nerr) {
				dropped++
				continue
			}
			h.Log.Error("batch ingest failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "correlation failed")
			return
		}
		accepted++
	}

	writeJSON(w, http.StatusAccepted, map[string]int{
		"accepted": accepted,
		"dropped":  dropped,
	})
}

func (h *Handlers) ingestOne(ctx context.Context, raw []byte) (session.UpdateResult, error) {
	ev, err := event.Normalize(raw, "")
	if err != nil {
		var nerr *event.NormalizationError
		if errors.As(err, &nerr) && h.Metrics != nil {
			h.Metrics.EventsDropped.Inc()
		}
		return session.UpdateResult{}, err
	}
	if h.Metrics != nil {
		h.Metrics.EventsNormalized.Inc()
	}
	return h.Pipeline.Correlate(ctx, ev)
}

func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Query.DashboardStats(r.Context())
	if err != nil {
		h.Log.Error("stats query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handlers) handleTimeline(w http.ResponseWriter, r *http.Request) {
	hours := intQuery(r, "hours", 24)
	buckets, err := h.Query.Timeline(r.Context(), hours)
	if err != nil {
		h.Log.Error("timeline query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hours":    hours,
		"timeline": buckets,
	})
}

func (h *Handlers) handleGeographic(w http.ResponseWriter, r *http.Request) {
	rollup, err := h.Query.GeographicRollup(r.Context(), intQuery(r, "hours", 24))
	if err != nil {
		h.Log.Error("geographic query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"countries": rollup})
}

func (h *Handlers) handleRecentAttacks(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.Query.RecentAttacks(r.Context(),
		intQuery(r, "limit", 50),
		intQuery(r, "min_threat_score", 0))
	if err != nil {
		h.Log.Error("recent attacks query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"attacks": sessions,
		"count":   len(sessions),
	})
}

func (h *Handlers) handleTopAttackers(w http.ResponseWriter, r *http.Request) {
	attackers, err := h.Query.TopAttackers(r.Context(),
		intQuery(r, "hours", 24),
		intQuery(r, "limit", 10))
	if err != nil {
		h.Log.Error("top attackers query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attackers": attackers})
}

func (h *Handlers) handleTechniques(w http.ResponseWriter, r *http.Request) {
	techniques, err := h.Query.Techniques(r.Context(), intQuery(r, "hours", 24))
	if err != nil {
		h.Log.Error("techniques query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"techniques": techniques})
}

func (h *Handlers) handleAttacker(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if _, err := netip.ParseAddr(ip); err != nil {
		writeError(w, http.StatusBadRequest, "invalid ip address")
		return
	}

	detail, err := h.Query.Attacker(r.Context(), ip)
	if err != nil {
		h.Log.Error("attacker query failed", zap.String("ip", ip), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if detail.Profile == nil && len(detail.Sessions) == 0 {
		writeError(w, http.StatusNotFound, "no activity recorded for this ip")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func intQuery(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
