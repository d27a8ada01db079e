package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"facility_viewer/core-go/internal/db"
	"facility_viewer/core-go/internal/metrics"
	"facility_viewer/core-go/internal/viewer"
)

type Handler struct {
	log     zerolog.Logger
	pool    *db.Pool
	viewer  *viewer.Viewer
	metrics *metrics.Metrics
	hub     *Hub
}

// NewHandler serves viewer over HTTP. pool, m and hub may be nil.
func NewHandler(log zerolog.Logger, pool *db.Pool, v *viewer.Viewer, m *metrics.Metrics, hub *Hub) *Handler {
	return &Handler{log: log, pool: pool, viewer: v, metrics: m, hub: hub}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)

	// Health
	r.Get("/healthz", h.handleHealthz)
	r.Get("/readyz", h.handleReadyZ)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	// API
	r.Route("/api", func(r chi.Router) {
		r.Route("/v1", func(r chi.Router) {
			// The event stream outlives any request timeout.
			r.Get("/events", h.handleEvents)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(15 * time.Second))

				r.Route("/alerts", func(r chi.Router) {
					r.Get("/", h.handleGetAlerts)
					r.Put("/parameter", h.handleSetParameter)
					r.Put("/building", h.handleSetBuilding)
				})

				r.Route("/isolation", func(r chi.Router) {
					r.Get("/", h.handleGetIsolation)
					r.Delete("/", h.handleClearIsolation)
					r.Post("/floor", h.handleIsolateFloor)
					r.Post("/department", h.handleIsolateDepartment)
				})

				r.Route("/selection", func(r chi.Router) {
					r.Get("/", h.handleGetSelection)
					r.Delete("/", h.handleClearSelection)
					r.Post("/click", h.handleClick)
					r.Post("/double-click", h.handleDoubleClick)
					r.Post("/alert/{id}", h.handleSelectAlert)
					r.Put("/panel", h.handleSetPanel)
				})

				r.Route("/markers", func(r chi.Router) {
					r.Get("/", h.handleGetMarkers)
					r.Post("/devices", h.handleLabelDevices)
				})
			})
		})
	})

	return r
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		h.metrics.ObserveHTTPRequest(r.Method, route, ww.Status(), time.Since(start))

		h.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("http_request")
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	resp := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	}
	if details != nil {
		resp["error"].(map[string]any)["details"] = details
	}
	h.writeJSON(w, status, resp)
}

func decodeJSONStrict(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("unexpected extra data after JSON body")
		}
		return err
	}
	return nil
}

func (h *Handler) decodeOrReject(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSONStrict(r, dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return false
	}
	return true
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleReadyZ reports ready once the scene engine answers. A configured database must also answer.
func (h *Handler) handleReadyZ(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.viewer == nil {
		h.writeError(w, http.StatusServiceUnavailable, "viewer_unavailable", "viewer not configured", nil)
		return
	}
	if err := h.viewer.Ready(ctx); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "engine_not_ready", "scene engine not ready", map[string]any{"error": err.Error()})
		return
	}

	if h.pool != nil {
		if err := h.pool.Ping(ctx); err != nil {
			h.writeError(w, http.StatusServiceUnavailable, "db_unavailable", "database not ready", map[string]any{"error": err.Error()})
			return
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"ready": true, "database": h.pool != nil})
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		h.writeError(w, http.StatusServiceUnavailable, "events_unavailable", "event stream not configured", nil)
		return
	}
	h.hub.ServeWS(w, r)
}
