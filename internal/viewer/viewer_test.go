package viewer

import (
	"context"
	"errors"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/go-cmp/cmp"

	"facility_viewer/core-go/internal/alerts"
	"facility_viewer/core-go/internal/facility"
	"facility_viewer/core-go/internal/highlight"
	"facility_viewer/core-go/internal/isolation"
	"facility_viewer/core-go/internal/overlay/overlaytest"
	"facility_viewer/core-go/internal/scene"
	"facility_viewer/core-go/internal/scene/memscene"
)

func rows() []facility.TelemetryRow {
	return []facility.TelemetryRow{
		{SpaceGUID: "g-101", BuildingCode: "ALB", Floor: "P01", Department: "Cardiologia", DeviceName: "S101", Temperature: facility.Float(30), Humidity: facility.Float(50)},
		{SpaceGUID: "g-102", BuildingCode: "ALB", Floor: "P01", Department: "Cardiologia", DeviceName: "S102", Temperature: facility.Float(25), Humidity: facility.Float(45)},
		{SpaceGUID: "g-103", BuildingCode: "ALB", Floor: "P01", Department: "Neurologia", DeviceName: "S103", Temperature: facility.Float(22), Humidity: facility.Float(70)},
		{SpaceGUID: "g-201", BuildingCode: "ALB", Floor: "P02", Department: "Cirurgia", DeviceName: "S201", Temperature: facility.Float(12), Humidity: facility.Float(50)},
		{SpaceGUID: "g-mep", BuildingCode: "ALB", Floor: "P02", Department: "Cirurgia", DeviceName: "Plant", Temperature: facility.Float(40)},
		{SpaceGUID: "g-901", BuildingCode: "BCN", Floor: "P01", DeviceName: "Remote", Temperature: facility.Float(35)},
	}
}

func newViewer(t *testing.T) (*Viewer, *memscene.Engine) {
	t.Helper()
	oc, eng := overlaytest.New(t)
	backend := facility.NewStatic()
	v, err := New(oc, backend, Options{Building: "ALB", Ghost: true})
	if err != nil {
		t.Fatalf("new viewer: %v", err)
	}
	t.Cleanup(v.Close)
	v.ApplyTelemetry(context.Background(), rows())
	return v, eng
}

func alertIDs(recs []alerts.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}

func TestViewer_markersOnlyWithSelectedFloor(t *testing.T) {
	v, eng := newViewer(t)
	ctx := context.Background()

	// g-mep has no element in any loaded model, so it raises no alert.
	snap := v.Snapshot()
	if diff := cmp.Diff([]string{"g-201", "g-101", "g-102"}, alertIDs(snap.Alerts)); diff != "" {
		t.Fatalf("unexpected alerts (-want +got):\n%s", diff)
	}
	if snap.Markers != 0 {
		t.Fatalf("expected no markers without a floor, got %d", snap.Markers)
	}

	if !v.SelectFloor(ctx, "P01") {
		t.Fatalf("expected floor selection")
	}
	snap = v.Snapshot()
	if snap.Markers != 2 {
		t.Fatalf("expected one marker per non-ok P01 alert, got %d", snap.Markers)
	}
	if snap.Isolation != isolation.Floor("P01") {
		t.Fatalf("unexpected isolation %s", snap.Isolation)
	}
	if len(eng.Labels()) != 2 {
		t.Fatalf("expected 2 engine labels, got %d", len(eng.Labels()))
	}

	v.SelectFloor(ctx, "P02")
	if n := v.Snapshot().Markers; n != 1 {
		t.Fatalf("expected 1 marker on P02, got %d", n)
	}

	v.ClearIsolation(ctx)
	snap = v.Snapshot()
	if snap.Markers != 0 || len(eng.Labels()) != 0 {
		t.Fatalf("expected markers cleared, got %d (labels %d)", snap.Markers, len(eng.Labels()))
	}
	if snap.Isolation != isolation.None() || snap.Floor != "" {
		t.Fatalf("expected no isolation and no floor, got %+v", snap)
	}
}

func TestViewer_clearIsolationKeepsAlertHighlights(t *testing.T) {
	v, eng := newViewer(t)
	ctx := context.Background()

	v.SelectFloor(ctx, "P01")
	v.ClearIsolation(ctx)

	// Isolation clear drops every non-select style; the follow-up recompute repaints the tiers.
	if diff := cmp.Diff(overlaytest.Refs(101, 201), eng.Styled(highlight.StyleAlertHigh)); diff != "" {
		t.Fatalf("unexpected alert-high (-want +got):\n%s", diff)
	}
}

func TestViewer_parameterSwitch(t *testing.T) {
	v, eng := newViewer(t)

	if err := v.SetParameter(context.Background(), "humitat"); err != nil {
		t.Fatalf("set parameter: %v", err)
	}
	if diff := cmp.Diff([]string{"g-103"}, alertIDs(v.Snapshot().Alerts)); diff != "" {
		t.Fatalf("unexpected alerts (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(overlaytest.Refs(103), eng.Styled(highlight.StyleAlertHigh)); diff != "" {
		t.Fatalf("alert-high must follow the new parameter (-want +got):\n%s", diff)
	}
	if got := eng.Styled(highlight.StyleAlertMedium); len(got) != 0 {
		t.Fatalf("expected alert-medium cleared, got %v", got)
	}
	if err := v.SetParameter(context.Background(), "co2"); err == nil {
		t.Fatalf("expected unknown parameter error")
	}
}

func TestViewer_buildingSwitchResetsSession(t *testing.T) {
	v, eng := newViewer(t)
	ctx := context.Background()

	v.SelectFloor(ctx, "P01")
	v.Selection.OnClick(ctx, scene.ScreenPoint{X: 4, Y: 4})
	eng.LoadModel("BCN", []memscene.Element{
		memscene.Space(901, "g-901", "Remote room", scene.Box{Min: mgl64.Vec3{100, 0, 0}, Max: mgl64.Vec3{104, 3, 4}}),
	})
	v.SetBuilding(ctx, "BCN")

	snap := v.Snapshot()
	if snap.Building != "BCN" {
		t.Fatalf("expected BCN, got %q", snap.Building)
	}
	if diff := cmp.Diff([]string{"g-901"}, alertIDs(snap.Alerts)); diff != "" {
		t.Fatalf("unexpected alerts (-want +got):\n%s", diff)
	}
	if snap.Isolation != isolation.None() || snap.Selection.Selected != nil || snap.Markers != 0 {
		t.Fatalf("expected a clean session, got %+v", snap)
	}
}

func TestViewer_selectDepartmentMovesMarkersToFloor(t *testing.T) {
	v, eng := newViewer(t)
	ctx := context.Background()

	if !v.SelectDepartment(ctx, "P01", "Cardiologia") {
		t.Fatalf("expected department selection")
	}
	snap := v.Snapshot()
	if snap.Isolation != isolation.Department("P01", "Cardiologia") {
		t.Fatalf("unexpected isolation %s", snap.Isolation)
	}
	if snap.Markers != 2 {
		t.Fatalf("expected P01 markers, got %d", snap.Markers)
	}
	if diff := cmp.Diff(overlaytest.Refs(101, 102), eng.Styled(highlight.StyleDepartment)); diff != "" {
		t.Fatalf("unexpected department style (-want +got):\n%s", diff)
	}
}

func TestViewer_labelDevicesAddsToAlertMarkers(t *testing.T) {
	oc, eng := overlaytest.New(t)
	backend := facility.NewStatic()
	backend.AddDevices("ALB",
		facility.Device{GUID: "g-101", DeviceName: "Fancoil 101", ID: "dev-101"},
		facility.Device{GUID: "g-103", DeviceName: "unknown", ID: "dev-103"},
		facility.Device{GUID: "g-201", DeviceName: "Fancoil 201", ID: "dev-201"},
	)
	v, err := New(oc, backend, Options{Building: "ALB"})
	if err != nil {
		t.Fatalf("new viewer: %v", err)
	}
	t.Cleanup(v.Close)
	ctx := context.Background()
	v.ApplyTelemetry(ctx, rows())

	if !v.SelectFloor(ctx, "P01") {
		t.Fatalf("expected P01 to isolate")
	}
	if n, err := v.LabelDevices(ctx, "p01 ", ""); err != nil || n != 2 {
		t.Fatalf("expected two device labels on P01, got %d (%v)", n, err)
	}
	if n := v.Snapshot().Markers; n != 4 {
		t.Fatalf("expected alert and device markers, got %d", n)
	}

	var texts []string
	for _, h := range v.Markers.Handles() {
		if h.Kind == "device" {
			texts = append(texts, h.Text)
		}
	}
	if diff := cmp.Diff([]string{"Fancoil 101", "dev-103"}, texts); diff != "" {
		t.Fatalf("unexpected device labels (-want +got):\n%s", diff)
	}
	if len(eng.Labels()) != 4 {
		t.Fatalf("expected four engine labels, got %d", len(eng.Labels()))
	}
}

func TestViewer_labelDevicesNeedsSelectedFloor(t *testing.T) {
	oc, eng := overlaytest.New(t)
	backend := facility.NewStatic()
	backend.AddDevices("ALB", facility.Device{GUID: "g-101", DeviceName: "Fancoil 101"})
	v, err := New(oc, backend, Options{Building: "ALB"})
	if err != nil {
		t.Fatalf("new viewer: %v", err)
	}
	t.Cleanup(v.Close)
	ctx := context.Background()
	v.ApplyTelemetry(ctx, rows())

	for _, floor := range []string{"", "P01"} {
		n, err := v.LabelDevices(ctx, floor, "")
		if !errors.Is(err, ErrFloorNotSelected) || n != 0 {
			t.Fatalf("floor %q without a selection: expected ErrFloorNotSelected, got %d (%v)", floor, n, err)
		}
	}
	if snap := v.Snapshot(); snap.Floor != "" || snap.Markers != 0 || len(eng.Labels()) != 0 {
		t.Fatalf("expected no markers without a selected floor, got %d (labels %d)", snap.Markers, len(eng.Labels()))
	}

	if !v.SelectFloor(ctx, "P02") {
		t.Fatalf("expected P02 to isolate")
	}
	before := v.Snapshot().Markers
	if _, err := v.LabelDevices(ctx, "P01", ""); !errors.Is(err, ErrFloorNotSelected) {
		t.Fatalf("expected labels on another floor to be refused, got %v", err)
	}
	if n := v.Snapshot().Markers; n != before {
		t.Fatalf("expected markers to stay at %d, got %d", before, n)
	}

	v.ClearIsolation(ctx)
	if n := v.Snapshot().Markers; n != 0 {
		t.Fatalf("expected markers cleared with the floor, got %d", n)
	}
}

func TestViewer_modelLoadRepaintsAlerts(t *testing.T) {
	v, eng := newViewer(t)

	for _, id := range alertIDs(v.Snapshot().Alerts) {
		if id == "g-mep" {
			t.Fatalf("g-mep must not raise an alert before its model loads")
		}
	}

	eng.LoadModel("ALB-MEP", []memscene.Element{
		memscene.Space(7, "g-mep", "Plant room", scene.Box{Min: mgl64.Vec3{40, 3, 20}, Max: mgl64.Vec3{48, 6, 28}}),
	})

	want := []scene.ElementRef{overlaytest.Ref(101), overlaytest.Ref(201), {ModelID: "ALB-MEP", LocalID: 7}}
	if diff := cmp.Diff(want, eng.Styled(highlight.StyleAlertHigh)); diff != "" {
		t.Fatalf("unexpected alert-high after model load (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"g-mep", "g-201", "g-101", "g-102"}, alertIDs(v.Snapshot().Alerts)); diff != "" {
		t.Fatalf("unexpected alerts after model load (-want +got):\n%s", diff)
	}
}
