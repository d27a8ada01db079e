package isolation

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"facility_viewer/core-go/internal/facility"
	"facility_viewer/core-go/internal/highlight"
	"facility_viewer/core-go/internal/overlay/overlaytest"
	"facility_viewer/core-go/internal/scene"
	"facility_viewer/core-go/internal/scene/memscene"
)

type fakeMarkers struct{ cleared int }

func (f *fakeMarkers) Clear(context.Context) { f.cleared++ }

func telemetry() []facility.TelemetryRow {
	return []facility.TelemetryRow{
		{SpaceGUID: "g-101", BuildingCode: "ALB", Floor: "P01", Department: "Cardiologia"},
		{SpaceGUID: "g-102", BuildingCode: "ALB", Floor: "P01", Department: "Neurologia"},
		{SpaceGUID: "g-201", BuildingCode: "ALB", Floor: "P02", Department: "Cirurgia"},
		{SpaceGUID: "g-202", BuildingCode: "ALB", Floor: "P02", Department: "Cirurgia"},
		{SpaceGUID: "g-103", BuildingCode: "BCN", Floor: "P01"},
	}
}

type fixture struct {
	m       *Machine
	eng     *memscene.Engine
	backend *facility.Static
	markers *fakeMarkers
}

func newFixture(t *testing.T, wrap func(*memscene.Engine) scene.Engine) fixture {
	t.Helper()
	oc, eng := overlaytest.NewWrapped(t, wrap)
	backend := facility.NewStatic()
	mk := &fakeMarkers{}
	m := New(oc, backend, telemetry, mk, Options{Ghost: true})
	return fixture{m: m, eng: eng, backend: backend, markers: mk}
}

func visible(eng *memscene.Engine, ids ...scene.LocalID) []scene.ElementRef {
	var out []scene.ElementRef
	for _, ref := range overlaytest.Refs(ids...) {
		if eng.Visible(ref) {
			out = append(out, ref)
		}
	}
	return out
}

func TestIsolateFloor_fallsBackToTelemetryWhenListingEmpty(t *testing.T) {
	f := newFixture(t, nil)

	if !f.m.IsolateFloor(context.Background(), "ALB", "P01") {
		t.Fatalf("expected isolation to succeed via telemetry fallback")
	}
	if got := f.m.State(); got != Floor("P01") {
		t.Fatalf("expected floor(P01), got %s", got)
	}
	if n := f.eng.VisibleCount(); n != 2 {
		t.Fatalf("expected exactly 2 visible elements, got %d", n)
	}
	want := overlaytest.Refs(101, 102)
	if diff := cmp.Diff(want, visible(f.eng, 101, 102, 103, 104, 201)); diff != "" {
		t.Fatalf("unexpected visible set (-want +got):\n%s", diff)
	}
	if !f.eng.Ghost() {
		t.Fatalf("expected ghost context while isolated")
	}
	frames := f.eng.Frames()
	if len(frames) != 1 || frames[0].View != scene.ViewCurrent {
		t.Fatalf("expected one frame at the current view, got %+v", frames)
	}
}

func TestIsolateFloor_prefersDepartmentListing(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.SetDepartments("ALB", "P01", []facility.Department{
		{Name: "Magatzem", GUIDs: []string{"g-103", "g-104"}},
	})

	f.m.IsolateFloor(context.Background(), "ALB", "P01")

	if diff := cmp.Diff(overlaytest.Refs(103, 104), visible(f.eng, 101, 102, 103, 104)); diff != "" {
		t.Fatalf("unexpected visible set (-want +got):\n%s", diff)
	}
}

func TestIsolateFloor_zeroResolvedIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.m.IsolateFloor(ctx, "ALB", "P02")
	if f.m.IsolateFloor(ctx, "ALB", "P09") {
		t.Fatalf("expected no-op for a floor without elements")
	}
	if got := f.m.State(); got != Floor("P02") {
		t.Fatalf("expected state to stay floor(P02), got %s", got)
	}
	if n := f.eng.Calls("Isolate"); n != 1 {
		t.Fatalf("expected a single Isolate call, got %d", n)
	}
}

func TestIsolateFloor_engineNotReady(t *testing.T) {
	f := newFixture(t, nil)
	f.eng.SetReady(false)

	if f.m.IsolateFloor(context.Background(), "ALB", "P01") {
		t.Fatalf("expected isolation to be skipped")
	}
	if got := f.m.State(); got != None() {
		t.Fatalf("expected none, got %s", got)
	}
}

func TestIsolateDepartment_highlightsSubsetWithoutHidingFloor(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.SetDepartments("ALB", "P01", []facility.Department{
		{Name: "Cardiologia", GUIDs: []string{"g-101", "g-102"}},
		{Name: "Neurologia", GUIDs: []string{"g-103"}},
	})

	if !f.m.IsolateDepartment(context.Background(), "ALB", "P01", "neurologia") {
		t.Fatalf("expected department isolation")
	}
	if got := f.m.State(); got != Department("P01", "neurologia") {
		t.Fatalf("unexpected state %s", got)
	}
	if n := f.eng.VisibleCount(); n != 3 {
		t.Fatalf("expected the whole floor listing visible, got %d", n)
	}
	if diff := cmp.Diff(overlaytest.Refs(103), f.eng.Styled(highlight.StyleDepartment)); diff != "" {
		t.Fatalf("unexpected department style (-want +got):\n%s", diff)
	}
}

func TestIsolateDepartment_switchingMovesStyle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.m.IsolateDepartment(ctx, "ALB", "P01", "Cardiologia")
	f.m.IsolateDepartment(ctx, "ALB", "P01", "Neurologia")

	if diff := cmp.Diff(overlaytest.Refs(102), f.eng.Styled(highlight.StyleDepartment)); diff != "" {
		t.Fatalf("department style must move, not layer (-want +got):\n%s", diff)
	}

	f.m.IsolateFloor(ctx, "ALB", "P01")
	if got := f.eng.Styled(highlight.StyleDepartment); len(got) != 0 {
		t.Fatalf("expected floor isolation to drop the department style, got %v", got)
	}
}

func TestIsolateDepartment_unknownDepartmentStaysOnFloor(t *testing.T) {
	f := newFixture(t, nil)

	if f.m.IsolateDepartment(context.Background(), "ALB", "P02", "Pediatria") {
		t.Fatalf("expected department isolation to report no change")
	}
	if got := f.m.State(); got != Floor("P02") {
		t.Fatalf("expected floor(P02), got %s", got)
	}
}

func TestClear_restoresSceneAndIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.m.oc.Styles.Apply(ctx, highlight.StyleSelect, scene.Single(overlaytest.Ref(101)), false); err != nil {
		t.Fatalf("apply select: %v", err)
	}
	_ = f.m.oc.Styles.Apply(ctx, highlight.StyleAlertHigh, scene.Single(overlaytest.Ref(102)), false)
	f.m.IsolateDepartment(ctx, "ALB", "P01", "Cardiologia")

	if !f.m.Clear(ctx) {
		t.Fatalf("expected first clear to act")
	}
	if got := f.m.State(); got != None() {
		t.Fatalf("expected none, got %s", got)
	}
	if n := f.eng.VisibleCount(); n != len(overlaytest.Rooms) {
		t.Fatalf("expected every element visible, got %d", n)
	}
	if f.eng.Ghost() {
		t.Fatalf("expected ghost off")
	}
	if diff := cmp.Diff([]string{highlight.StyleSelect}, f.eng.StyleNames()); diff != "" {
		t.Fatalf("only select should survive (-want +got):\n%s", diff)
	}
	frames := f.eng.Frames()
	if last := frames[len(frames)-1]; last.View != scene.ViewTopDown {
		t.Fatalf("expected top-down framing, got %+v", last)
	}

	showAll, frameCount, cleared := f.eng.Calls("ShowAll"), len(f.eng.Frames()), f.markers.cleared
	if f.m.Clear(ctx) {
		t.Fatalf("expected second clear to be a no-op")
	}
	if got := f.m.State(); got != None() {
		t.Fatalf("expected none, got %s", got)
	}
	if f.eng.Calls("ShowAll") != showAll || len(f.eng.Frames()) != frameCount || f.markers.cleared != cleared {
		t.Fatalf("second clear must not touch the scene")
	}
}

func TestIsolation_staleCompletionNeverOverwritesNewerState(t *testing.T) {
	var gate *overlaytest.Gate
	f := newFixture(t, func(m *memscene.Engine) scene.Engine {
		gate = overlaytest.NewGate(m)
		return gate
	})
	ctx := context.Background()
	gate.Arm(true)

	first := make(chan bool, 1)
	go func() { first <- f.m.IsolateFloor(ctx, "ALB", "P01") }()
	<-gate.Entered

	second := make(chan bool, 1)
	go func() { second <- f.m.IsolateFloor(ctx, "ALB", "P02") }()
	<-gate.Entered

	close(gate.Release)
	// The older call may commit before the newer one claims the scene; it must never win after.
	<-first
	if !<-second {
		t.Fatalf("expected the newer call to commit")
	}
	if got := f.m.State(); got != Floor("P02") {
		t.Fatalf("expected floor(P02), got %s", got)
	}
	if diff := cmp.Diff(overlaytest.Refs(201, 202), visible(f.eng, 101, 102, 201, 202)); diff != "" {
		t.Fatalf("unexpected visible set (-want +got):\n%s", diff)
	}
}

// blockingDepartments parks the n-th listing of floor until release is closed.
type blockingDepartments struct {
	facility.DepartmentLister
	floor   string
	n       int32
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (b *blockingDepartments) ListDepartments(ctx context.Context, building, floor string) ([]facility.Department, error) {
	if floor == b.floor && b.calls.Add(1) == b.n {
		b.entered <- struct{}{}
		<-b.release
	}
	return b.DepartmentLister.ListDepartments(ctx, building, floor)
}

// departmentInFlight starts IsolateDepartment(P01, Cardiologia) and returns once it has isolated the
// floor and is waiting on the department listing.
func departmentInFlight(t *testing.T) (*Machine, *memscene.Engine, *blockingDepartments, chan bool) {
	t.Helper()
	oc, eng := overlaytest.New(t)
	lister := &blockingDepartments{
		DepartmentLister: facility.NewStatic(),
		floor:            "P01",
		n:                2,
		entered:          make(chan struct{}, 1),
		release:          make(chan struct{}),
	}
	m := New(oc, lister, telemetry, &fakeMarkers{}, Options{Ghost: true})

	done := make(chan bool, 1)
	go func() { done <- m.IsolateDepartment(context.Background(), "ALB", "P01", "Cardiologia") }()
	<-lister.entered
	return m, eng, lister, done
}

func TestIsolation_noopDuringDepartmentKeepsSceneConsistent(t *testing.T) {
	m, eng, lister, done := departmentInFlight(t)
	ctx := context.Background()

	if m.IsolateFloor(ctx, "ALB", "P09") {
		t.Fatalf("expected a floor without elements to be a no-op")
	}
	if m.IsolateFloor(ctx, "ALB", "  ") {
		t.Fatalf("expected a blank floor to be a no-op")
	}
	close(lister.release)

	if !<-done {
		t.Fatalf("expected the department isolation to commit")
	}
	if got := m.State(); got != Department("P01", "Cardiologia") {
		t.Fatalf("expected department(P01/Cardiologia), got %s", got)
	}
	if diff := cmp.Diff(overlaytest.Refs(101, 102), visible(eng, 101, 102, 103, 104, 201, 202, 203)); diff != "" {
		t.Fatalf("unexpected visible set (-want +got):\n%s", diff)
	}
	if !eng.Ghost() {
		t.Fatalf("expected ghost context while isolated")
	}
}

func TestIsolation_newerFloorSupersedesDepartmentInFlight(t *testing.T) {
	m, eng, lister, done := departmentInFlight(t)

	if !m.IsolateFloor(context.Background(), "ALB", "P02") {
		t.Fatalf("expected the newer floor isolation to commit")
	}
	close(lister.release)

	if <-done {
		t.Fatalf("expected the older department isolation to be dropped")
	}
	if got := m.State(); got != Floor("P02") {
		t.Fatalf("expected floor(P02), got %s", got)
	}
	if diff := cmp.Diff(overlaytest.Refs(201, 202), visible(eng, 101, 102, 103, 104, 201, 202, 203)); diff != "" {
		t.Fatalf("unexpected visible set (-want +got):\n%s", diff)
	}
	if got := eng.Styled(highlight.StyleDepartment); len(got) != 0 {
		t.Fatalf("expected no department style, got %v", got)
	}
}

func TestIsolation_clearDropsDepartmentInFlight(t *testing.T) {
	m, eng, lister, done := departmentInFlight(t)

	if !m.Clear(context.Background()) {
		t.Fatalf("expected clear to undo the isolated floor")
	}
	close(lister.release)

	if <-done {
		t.Fatalf("expected the department isolation to be dropped")
	}
	if got := m.State(); got != None() {
		t.Fatalf("expected none, got %s", got)
	}
	if n := eng.VisibleCount(); n != len(overlaytest.Rooms) || eng.Ghost() {
		t.Fatalf("expected the full scene without ghosting, got %d visible ghost=%v", n, eng.Ghost())
	}
}

func TestIsolation_publishesTransitions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var got []State
	dispose := f.m.oc.Bus.Subscribe(scene.TopicIsolationChanged, func(ev scene.Event) {
		got = append(got, ev.Payload.(State))
	})
	defer dispose()

	f.m.IsolateFloor(ctx, "ALB", "P01")
	f.m.IsolateFloor(ctx, "ALB", "P01")
	f.m.Clear(ctx)

	want := []State{Floor("P01"), None()}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected transitions (-want +got):\n%s", diff)
	}
}
