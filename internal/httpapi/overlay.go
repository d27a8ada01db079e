package httpapi

import (
	"bytes"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/vmihailenco/msgpack/v5"

	"facility_viewer/core-go/internal/alerts"
	"facility_viewer/core-go/internal/isolation"
	"facility_viewer/core-go/internal/markers"
	"facility_viewer/core-go/internal/scene"
	"facility_viewer/core-go/internal/viewer"
)

type alertsView struct {
	Building  string           `json:"building"`
	Parameter alerts.Parameter `json:"parameter"`
	Floor     string           `json:"floor,omitempty"`
	Counts    map[string]int   `json:"counts"`
	Alerts    []alerts.Record  `json:"alerts"`
}

type isolationView struct {
	Applied   *bool           `json:"applied,omitempty"`
	Isolation isolation.State `json:"isolation"`
	Floor     string          `json:"floor,omitempty"`
	Markers   int             `json:"markers"`
}

type markersView struct {
	Count   int              `json:"count"`
	Markers []markers.Handle `json:"markers"`
}

type parameterUpdate struct {
	Parameter string `json:"parameter"`
}

type buildingUpdate struct {
	BuildingCode string `json:"building_code"`
}

type floorRequest struct {
	Floor string `json:"floor"`
}

type departmentRequest struct {
	Floor      string `json:"floor"`
	Department string `json:"department"`
}

type pointRequest struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

type panelUpdate struct {
	Open *bool `json:"open"`
}

func (h *Handler) ensureViewer(w http.ResponseWriter) bool {
	if h.viewer == nil {
		h.writeError(w, http.StatusServiceUnavailable, "viewer_unavailable", "viewer not configured", nil)
		return false
	}
	return true
}

func (h *Handler) alertsView() alertsView {
	records := h.viewer.Alerts.Records()
	if records == nil {
		records = []alerts.Record{}
	}
	return alertsView{
		Building:  h.viewer.Alerts.Building(),
		Parameter: h.viewer.Alerts.Parameter(),
		Floor:     h.viewer.Alerts.Floor(),
		Counts:    alerts.Counts(records),
		Alerts:    records,
	}
}

func (h *Handler) isolationView(applied *bool) isolationView {
	return isolationView{
		Applied:   applied,
		Isolation: h.viewer.Isolation.State(),
		Floor:     h.viewer.Alerts.Floor(),
		Markers:   h.viewer.Markers.Count(),
	}
}

func (h *Handler) handleGetAlerts(w http.ResponseWriter, r *http.Request) {
	if !h.ensureViewer(w) {
		return
	}
	view := h.alertsView()

	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format"))) {
	case "", "json":
		h.writeJSON(w, http.StatusOK, view)
	case "msgpack":
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		enc.SetCustomStructTag("json")
		if err := enc.Encode(view); err != nil {
			h.log.Error().Err(err).Msg("encode alerts as msgpack failed")
			h.writeError(w, http.StatusInternalServerError, "encode_failed", "failed to encode alerts", nil)
			return
		}
		w.Header().Set("Content-Type", "application/msgpack")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
	default:
		h.writeError(w, http.StatusBadRequest, "validation_failed", "format must be json or msgpack", map[string]any{"format": r.URL.Query().Get("format")})
	}
}

func (h *Handler) handleSetParameter(w http.ResponseWriter, r *http.Request) {
	var req parameterUpdate
	if !h.decodeOrReject(w, r, &req) {
		return
	}
	if !h.ensureViewer(w) {
		return
	}

	if err := h.viewer.SetParameter(r.Context(), req.Parameter); err != nil {
		if errors.Is(err, alerts.ErrUnknownParameter) {
			h.writeError(w, http.StatusBadRequest, "validation_failed", "unknown parameter", map[string]any{
				"parameter": req.Parameter,
				"allowed":   alerts.AllParameters(),
			})
			return
		}
		h.log.Error().Err(err).Str("parameter", req.Parameter).Msg("set parameter failed")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to set parameter", nil)
		return
	}
	h.writeJSON(w, http.StatusOK, h.alertsView())
}

func (h *Handler) handleSetBuilding(w http.ResponseWriter, r *http.Request) {
	var req buildingUpdate
	if !h.decodeOrReject(w, r, &req) {
		return
	}
	code := strings.TrimSpace(req.BuildingCode)
	if code == "" {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "building_code is required", nil)
		return
	}
	if !h.ensureViewer(w) {
		return
	}

	h.viewer.SetBuilding(r.Context(), code)
	h.writeJSON(w, http.StatusOK, h.alertsView())
}

func (h *Handler) handleGetIsolation(w http.ResponseWriter, r *http.Request) {
	if !h.ensureViewer(w) {
		return
	}
	h.writeJSON(w, http.StatusOK, h.isolationView(nil))
}

func (h *Handler) handleIsolateFloor(w http.ResponseWriter, r *http.Request) {
	var req floorRequest
	if !h.decodeOrReject(w, r, &req) {
		return
	}
	floor := strings.TrimSpace(req.Floor)
	if floor == "" {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "floor is required", nil)
		return
	}
	if !h.ensureViewer(w) {
		return
	}

	applied := h.viewer.SelectFloor(r.Context(), floor)
	h.writeJSON(w, http.StatusOK, h.isolationView(&applied))
}

func (h *Handler) handleIsolateDepartment(w http.ResponseWriter, r *http.Request) {
	var req departmentRequest
	if !h.decodeOrReject(w, r, &req) {
		return
	}
	floor := strings.TrimSpace(req.Floor)
	department := strings.TrimSpace(req.Department)
	if floor == "" || department == "" {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "floor and department are required", nil)
		return
	}
	if !h.ensureViewer(w) {
		return
	}

	applied := h.viewer.SelectDepartment(r.Context(), floor, department)
	h.writeJSON(w, http.StatusOK, h.isolationView(&applied))
}

func (h *Handler) handleClearIsolation(w http.ResponseWriter, r *http.Request) {
	if !h.ensureViewer(w) {
		return
	}
	h.viewer.ClearIsolation(r.Context())
	h.writeJSON(w, http.StatusOK, h.isolationView(nil))
}

func (h *Handler) handleGetSelection(w http.ResponseWriter, r *http.Request) {
	if !h.ensureViewer(w) {
		return
	}
	h.writeJSON(w, http.StatusOK, h.viewer.Selection.Snapshot())
}

func (h *Handler) decodePoint(w http.ResponseWriter, r *http.Request) (scene.ScreenPoint, bool) {
	var req pointRequest
	if !h.decodeOrReject(w, r, &req) {
		return scene.ScreenPoint{}, false
	}
	if req.X == nil || req.Y == nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "x and y are required", nil)
		return scene.ScreenPoint{}, false
	}
	return scene.ScreenPoint{X: *req.X, Y: *req.Y}, true
}

func (h *Handler) handleClick(w http.ResponseWriter, r *http.Request) {
	p, ok := h.decodePoint(w, r)
	if !ok || !h.ensureViewer(w) {
		return
	}
	h.writeJSON(w, http.StatusOK, h.viewer.Selection.OnClick(r.Context(), p))
}

func (h *Handler) handleDoubleClick(w http.ResponseWriter, r *http.Request) {
	p, ok := h.decodePoint(w, r)
	if !ok || !h.ensureViewer(w) {
		return
	}
	h.writeJSON(w, http.StatusOK, h.viewer.Selection.OnDoubleClick(r.Context(), p))
}

func (h *Handler) handleSelectAlert(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if !h.ensureViewer(w) {
		return
	}

	snap, ok := h.viewer.Selection.SelectByAlert(r.Context(), id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "alert space not found in the loaded models", map[string]any{"id": id})
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleClearSelection(w http.ResponseWriter, r *http.Request) {
	if !h.ensureViewer(w) {
		return
	}
	h.writeJSON(w, http.StatusOK, h.viewer.Selection.ClearSelection(r.Context()))
}

func (h *Handler) handleSetPanel(w http.ResponseWriter, r *http.Request) {
	var req panelUpdate
	if !h.decodeOrReject(w, r, &req) {
		return
	}
	if req.Open == nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "open is required", nil)
		return
	}
	if !h.ensureViewer(w) {
		return
	}
	h.writeJSON(w, http.StatusOK, h.viewer.Selection.SetPanelOpen(r.Context(), *req.Open))
}

func (h *Handler) handleGetMarkers(w http.ResponseWriter, r *http.Request) {
	if !h.ensureViewer(w) {
		return
	}
	handles := h.viewer.Markers.Handles()
	h.writeJSON(w, http.StatusOK, markersView{Count: len(handles), Markers: handles})
}

func (h *Handler) handleLabelDevices(w http.ResponseWriter, r *http.Request) {
	var req departmentRequest
	if !h.decodeOrReject(w, r, &req) {
		return
	}
	if !h.ensureViewer(w) {
		return
	}

	created, err := h.viewer.LabelDevices(r.Context(), req.Floor, req.Department)
	if errors.Is(err, viewer.ErrFloorNotSelected) {
		h.writeError(w, http.StatusConflict, "floor_not_selected", "device labels need the selected floor", map[string]any{
			"selected": h.viewer.Alerts.Floor(),
		})
		return
	}
	handles := h.viewer.Markers.Handles()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"created": created,
		"count":   len(handles),
		"markers": handles,
	})
}
