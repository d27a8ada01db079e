package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"facility_viewer/core-go/internal/facility"
	"facility_viewer/core-go/internal/metrics"
	"facility_viewer/core-go/internal/overlay/overlaytest"
	"facility_viewer/core-go/internal/scene/memscene"
	"facility_viewer/core-go/internal/viewer"
)

func telemetry() []facility.TelemetryRow {
	return []facility.TelemetryRow{
		{SpaceGUID: "g-101", BuildingCode: "ALB", Floor: "P01", Department: "Cardiologia", DeviceName: "S101", Temperature: facility.Float(30)},
		{SpaceGUID: "g-102", BuildingCode: "ALB", Floor: "P01", Department: "Cardiologia", DeviceName: "S102", Temperature: facility.Float(25)},
		{SpaceGUID: "g-103", BuildingCode: "ALB", Floor: "P01", Department: "Neurologia", DeviceName: "S103", Temperature: facility.Float(22)},
		{SpaceGUID: "g-201", BuildingCode: "ALB", Floor: "P02", Department: "Cirurgia", DeviceName: "S201", Temperature: facility.Float(21)},
	}
}

func newTestHandler(t *testing.T) (*Handler, *memscene.Engine) {
	t.Helper()
	oc, eng := overlaytest.New(t)
	backend := facility.NewStatic()
	backend.AddDevices("ALB", facility.Device{GUID: "g-101", DeviceName: "Sensor 101", ID: "dev-101"})

	v, err := viewer.New(oc, backend, viewer.Options{Building: "ALB"})
	if err != nil {
		t.Fatalf("new viewer: %v", err)
	}
	t.Cleanup(v.Close)
	v.ApplyTelemetry(context.Background(), telemetry())

	return NewHandler(NewLogger("debug", ""), nil, v, metrics.New(), nil), eng
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var v map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode body as json: %v\nbody=%s", err, rr.Body.String())
	}
	return v
}

func serve(h *Handler, method, path, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	h.Router().ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) any {
	t.Helper()
	body := decodeBody(t, rr)
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error envelope, got %v", body)
	}
	return errObj["code"]
}

func TestHealthz(t *testing.T) {
	h := NewHandler(NewLogger("debug", ""), nil, nil, nil, nil)
	rr := serve(h, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestReadyz_EngineNotReady(t *testing.T) {
	h, eng := newTestHandler(t)
	eng.SetReady(false)

	rr := serve(h, http.MethodGet, "/readyz", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rr.Code, rr.Body.String())
	}
	if code := errorCode(t, rr); code != "engine_not_ready" {
		t.Fatalf("expected engine_not_ready, got %v", code)
	}

	eng.SetReady(true)
	if rr := serve(h, http.MethodGet, "/readyz", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 once ready, got %d", rr.Code)
	}
}

func TestReadyz_NoViewer(t *testing.T) {
	h := NewHandler(NewLogger("debug", ""), nil, nil, nil, nil)
	if rr := serve(h, http.MethodGet, "/readyz", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestMetrics_Exposed(t *testing.T) {
	h, _ := newTestHandler(t)
	_ = serve(h, http.MethodGet, "/api/v1/alerts", "")

	rr := serve(h, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "facility_http_requests_total") {
		t.Fatalf("expected http request counter in metrics output")
	}
}

func TestAlerts_Get_OrderedJSON(t *testing.T) {
	h, _ := newTestHandler(t)

	rr := serve(h, http.MethodGet, "/api/v1/alerts", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	list := body["alerts"].([]any)
	if len(list) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(list))
	}
	first := list[0].(map[string]any)
	if first["id"] != "g-101" || first["severity"] != "high" {
		t.Fatalf("expected g-101 high first, got %v", first)
	}
	counts := body["counts"].(map[string]any)
	if counts["high"] != float64(1) || counts["medium"] != float64(1) {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestAlerts_Get_Msgpack(t *testing.T) {
	h, _ := newTestHandler(t)

	rr := serve(h, http.MethodGet, "/api/v1/alerts?format=msgpack", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/msgpack" {
		t.Fatalf("expected msgpack content type, got %q", ct)
	}

	dec := msgpack.NewDecoder(bytes.NewReader(rr.Body.Bytes()))
	dec.SetCustomStructTag("json")
	var view alertsView
	if err := dec.Decode(&view); err != nil {
		t.Fatalf("decode msgpack: %v", err)
	}
	if view.Building != "ALB" || len(view.Alerts) != 2 || view.Alerts[0].ID != "g-101" {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestAlerts_Get_RejectsUnknownFormat(t *testing.T) {
	h, _ := newTestHandler(t)
	rr := serve(h, http.MethodGet, "/api/v1/alerts?format=xml", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestAlerts_SetParameter(t *testing.T) {
	h, _ := newTestHandler(t)

	rr := serve(h, http.MethodPut, "/api/v1/alerts/parameter", `{"parameter":"humidity"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if p := body["parameter"].(map[string]any); p["name"] != "humitat" {
		t.Fatalf("expected humitat, got %v", p["name"])
	}
	if list := body["alerts"].([]any); len(list) != 0 {
		t.Fatalf("expected no humidity alerts without humidity readings, got %v", list)
	}

	rr = serve(h, http.MethodPut, "/api/v1/alerts/parameter", `{"parameter":"noise"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "validation_failed" {
		t.Fatalf("expected validation_failed, got %v", code)
	}
}

func TestAlerts_SetParameter_RejectsUnknownFields(t *testing.T) {
	h, _ := newTestHandler(t)
	rr := serve(h, http.MethodPut, "/api/v1/alerts/parameter", `{"parameter":"temperatura","nope":true}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestAlerts_SetBuilding(t *testing.T) {
	h, _ := newTestHandler(t)

	if rr := serve(h, http.MethodPut, "/api/v1/alerts/building", `{"building_code":"  "}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank code, got %d", rr.Code)
	}

	rr := serve(h, http.MethodPut, "/api/v1/alerts/building", `{"building_code":"BCN"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["building"] != "BCN" || len(body["alerts"].([]any)) != 0 {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestIsolation_FloorThenClear(t *testing.T) {
	h, eng := newTestHandler(t)

	rr := serve(h, http.MethodPost, "/api/v1/isolation/floor", `{"floor":"P01"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["applied"] != true {
		t.Fatalf("expected applied, got %v", body)
	}
	iso := body["isolation"].(map[string]any)
	if iso["kind"] != "floor" || iso["floor"] != "P01" {
		t.Fatalf("unexpected isolation %v", iso)
	}
	if body["markers"] != float64(2) {
		t.Fatalf("expected 2 markers, got %v", body["markers"])
	}
	if eng.VisibleCount() != 3 {
		t.Fatalf("expected 3 visible elements, got %d", eng.VisibleCount())
	}

	rr = serve(h, http.MethodDelete, "/api/v1/isolation", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body = decodeBody(t, rr)
	if iso := body["isolation"].(map[string]any); iso["kind"] != "none" {
		t.Fatalf("expected none, got %v", iso)
	}
	if body["markers"] != float64(0) {
		t.Fatalf("expected no markers, got %v", body["markers"])
	}
}

func TestIsolation_UnknownFloorNotApplied(t *testing.T) {
	h, _ := newTestHandler(t)

	rr := serve(h, http.MethodPost, "/api/v1/isolation/floor", `{"floor":"P09"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["applied"] != false {
		t.Fatalf("expected applied=false, got %v", body["applied"])
	}
	if iso := body["isolation"].(map[string]any); iso["kind"] != "none" {
		t.Fatalf("expected none, got %v", iso)
	}
}

func TestIsolation_Department(t *testing.T) {
	h, _ := newTestHandler(t)

	if rr := serve(h, http.MethodPost, "/api/v1/isolation/department", `{"floor":"P01"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without department, got %d", rr.Code)
	}

	rr := serve(h, http.MethodPost, "/api/v1/isolation/department", `{"floor":"P01","department":"Cardiologia"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	iso := body["isolation"].(map[string]any)
	if body["applied"] != true || iso["kind"] != "department" || iso["department"] != "Cardiologia" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestSelection_ClickHitAndMiss(t *testing.T) {
	h, eng := newTestHandler(t)

	rr := serve(h, http.MethodPost, "/api/v1/selection/click", `{"x":4,"y":4}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	sel := decodeBody(t, rr)["selected"].(map[string]any)
	if sel["guid"] != "g-101" {
		t.Fatalf("expected g-101 selected, got %v", sel)
	}
	if got := eng.Styled("select"); len(got) != 1 || got[0] != overlaytest.Ref(101) {
		t.Fatalf("expected select style on 101, got %v", got)
	}

	rr = serve(h, http.MethodPost, "/api/v1/selection/click", `{"x":-50,"y":-50}`)
	body := decodeBody(t, rr)
	if body["selected"] != nil {
		t.Fatalf("expected empty selection on miss, got %v", body["selected"])
	}
	if len(eng.Styled("select")) != 0 {
		t.Fatalf("expected select style cleared")
	}
}

func TestSelection_ClickRequiresCoordinates(t *testing.T) {
	h, _ := newTestHandler(t)
	rr := serve(h, http.MethodPost, "/api/v1/selection/click", `{"x":4}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestSelection_DoubleClickOpensPanelWithDevice(t *testing.T) {
	h, eng := newTestHandler(t)

	rr := serve(h, http.MethodPost, "/api/v1/selection/double-click", `{"x":4,"y":4}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["panel_open"] != true {
		t.Fatalf("expected panel open, got %v", body)
	}
	dev := body["selected"].(map[string]any)["device"].(map[string]any)
	if dev["device_name"] != "Sensor 101" {
		t.Fatalf("unexpected device %v", dev)
	}
	if len(eng.Frames()) == 0 {
		t.Fatalf("expected the camera to frame the element")
	}
}

func TestSelection_ByAlert(t *testing.T) {
	h, _ := newTestHandler(t)

	rr := serve(h, http.MethodPost, "/api/v1/selection/alert/g-102", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if sel := decodeBody(t, rr)["selected"].(map[string]any); sel["guid"] != "g-102" {
		t.Fatalf("expected g-102, got %v", sel)
	}

	rr = serve(h, http.MethodPost, "/api/v1/selection/alert/g-unknown", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	rr = serve(h, http.MethodGet, "/api/v1/selection", "")
	if sel := decodeBody(t, rr)["selected"].(map[string]any); sel["guid"] != "g-102" {
		t.Fatalf("expected selection unchanged, got %v", sel)
	}
}

func TestSelection_PanelAndClear(t *testing.T) {
	h, _ := newTestHandler(t)

	if rr := serve(h, http.MethodPut, "/api/v1/selection/panel", `{}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without open, got %d", rr.Code)
	}

	_ = serve(h, http.MethodPost, "/api/v1/selection/click", `{"x":4,"y":4}`)
	rr := serve(h, http.MethodPut, "/api/v1/selection/panel", `{"open":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["panel_open"] != true {
		t.Fatalf("expected panel open, got %v", body)
	}

	rr = serve(h, http.MethodDelete, "/api/v1/selection", "")
	if body := decodeBody(t, rr); body["selected"] != nil {
		t.Fatalf("expected cleared selection, got %v", body)
	}
}

func TestMarkers_List(t *testing.T) {
	h, _ := newTestHandler(t)

	body := decodeBody(t, serve(h, http.MethodGet, "/api/v1/markers", ""))
	if body["count"] != float64(0) {
		t.Fatalf("expected no markers before a floor is selected, got %v", body["count"])
	}

	_ = serve(h, http.MethodPost, "/api/v1/isolation/floor", `{"floor":"P01"}`)
	body = decodeBody(t, serve(h, http.MethodGet, "/api/v1/markers", ""))
	list := body["markers"].([]any)
	if body["count"] != float64(2) || len(list) != 2 {
		t.Fatalf("expected 2 markers, got %v", body)
	}
	first := list[0].(map[string]any)
	if first["kind"] != "alert" || first["guid"] == "" {
		t.Fatalf("unexpected marker %v", first)
	}
}

func TestMarkers_LabelDevices(t *testing.T) {
	h, _ := newTestHandler(t)

	rr := serve(h, http.MethodPost, "/api/v1/markers/devices", `{"floor":"P01","department":"Cardiologia"}`)
	if rr.Code != http.StatusConflict || errorCode(t, rr) != "floor_not_selected" {
		t.Fatalf("expected 409 without a selected floor, got %d: %s", rr.Code, rr.Body.String())
	}
	if body := decodeBody(t, serve(h, http.MethodGet, "/api/v1/markers", "")); body["count"] != float64(0) {
		t.Fatalf("expected no markers, got %v", body["count"])
	}

	_ = serve(h, http.MethodPost, "/api/v1/isolation/floor", `{"floor":"P01"}`)
	if rr := serve(h, http.MethodPost, "/api/v1/markers/devices", `{"floor":"P02"}`); rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for another floor, got %d", rr.Code)
	}

	rr = serve(h, http.MethodPost, "/api/v1/markers/devices", `{"department":"Cardiologia"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["created"] != float64(1) || body["count"] != float64(3) {
		t.Fatalf("expected one device label next to two alert markers, got %v", body)
	}
	list := body["markers"].([]any)
	m := list[len(list)-1].(map[string]any)
	if m["kind"] != "device" || m["text"] != "Sensor 101" {
		t.Fatalf("unexpected marker %v", m)
	}
}

func TestEvents_NotConfigured(t *testing.T) {
	h, _ := newTestHandler(t)
	rr := serve(h, http.MethodGet, "/api/v1/events", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
