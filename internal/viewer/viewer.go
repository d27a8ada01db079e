// Package viewer ties the overlay components into one session: it owns the building code, the
// active parameter and the selected floor, and decides which recompute each input triggers.
package viewer

import (
	"context"
	"errors"
	"strings"
	"sync"

	"facility_viewer/core-go/internal/alerts"
	"facility_viewer/core-go/internal/facility"
	"facility_viewer/core-go/internal/isolation"
	"facility_viewer/core-go/internal/markers"
	"facility_viewer/core-go/internal/overlay"
	"facility_viewer/core-go/internal/scene"
	"facility_viewer/core-go/internal/selection"
)

type Options struct {
	Building  string
	Parameter string
	Taxonomy  *alerts.Taxonomy
	// Ghost renders hidden elements translucently while a floor is isolated.
	Ghost bool
}

type Viewer struct {
	oc        *overlay.Context
	backend   facility.Backend
	Alerts    *alerts.Engine
	Markers   *markers.Manager
	Isolation *isolation.Machine
	Selection *selection.Controller

	// mu serializes session inputs so a building switch cannot interleave with a floor selection.
	mu sync.Mutex

	dispose func()
}

func New(oc *overlay.Context, backend facility.Backend, opts Options) (*Viewer, error) {
	mk := markers.New(oc, backend)
	ae, err := alerts.NewEngine(oc, opts.Taxonomy, mk, alerts.Options{
		Building:  opts.Building,
		Parameter: opts.Parameter,
	})
	if err != nil {
		return nil, err
	}

	v := &Viewer{
		oc:        oc,
		backend:   backend,
		Alerts:    ae,
		Markers:   mk,
		Isolation: isolation.New(oc, backend, ae.Snapshot, mk, isolation.Options{Ghost: opts.Ghost}),
		Selection: selection.New(oc, backend, ae.Building),
	}
	v.dispose = oc.Bus.Subscribe(scene.TopicModelLoaded, func(ev scene.Event) {
		v.Alerts.Recompute(context.Background(), alerts.TriggerModel)
	})
	return v, nil
}

func (v *Viewer) Close() {
	if v.dispose != nil {
		v.dispose()
	}
}

// Ready reports whether the engine answers catalog queries.
func (v *Viewer) Ready(ctx context.Context) error {
	_, err := v.oc.Engine.Models(ctx)
	return err
}

// ApplyTelemetry replaces the snapshot and recomputes alerts.
func (v *Viewer) ApplyTelemetry(ctx context.Context, rows []facility.TelemetryRow) {
	v.Alerts.SetSnapshot(rows)
	v.Alerts.Recompute(ctx, alerts.TriggerTelemetry)
}

func (v *Viewer) SetParameter(ctx context.Context, name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.Alerts.SetParameter(name); err != nil {
		return err
	}
	v.Alerts.Recompute(ctx, alerts.TriggerParameter)
	return nil
}

// SetBuilding switches building. Floor codes do not carry over, so any isolation is cleared first.
func (v *Viewer) SetBuilding(ctx context.Context, code string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	code = strings.TrimSpace(code)
	if facility.SameCode(code, v.Alerts.Building()) {
		return
	}
	v.Isolation.Clear(ctx)
	v.Selection.ClearSelection(ctx)
	v.Alerts.SetBuilding(code)
	v.Alerts.SetFloor("")
	v.Alerts.Recompute(ctx, alerts.TriggerBuilding)
}

// SelectFloor isolates floor and restricts markers to it. When nothing on the floor resolves the
// session stays as it was.
func (v *Viewer) SelectFloor(ctx context.Context, floor string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.Isolation.IsolateFloor(ctx, v.Alerts.Building(), floor) {
		return false
	}
	v.Alerts.SetFloor(floor)
	v.Alerts.Recompute(ctx, alerts.TriggerFloor)
	return true
}

// SelectDepartment isolates floor and highlights department. Markers follow the floor even when the
// department itself had nothing to highlight.
func (v *Viewer) SelectDepartment(ctx context.Context, floor, department string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	ok := v.Isolation.IsolateDepartment(ctx, v.Alerts.Building(), floor, department)
	if st := v.Isolation.State(); st.Kind != isolation.KindNone && facility.SameCode(st.Floor, floor) &&
		!facility.SameCode(v.Alerts.Floor(), st.Floor) {
		v.Alerts.SetFloor(st.Floor)
		v.Alerts.Recompute(ctx, alerts.TriggerFloor)
	}
	return ok
}

// ClearIsolation returns to the full model. Markers drop to zero because no floor is selected.
func (v *Viewer) ClearIsolation(ctx context.Context) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.Isolation.Clear(ctx)
	if v.Alerts.Floor() == "" {
		return
	}
	v.Alerts.SetFloor("")
	v.Alerts.Recompute(ctx, alerts.TriggerFloor)
}

// ErrFloorNotSelected is returned for floor-scoped work on a floor other than the selected one.
var ErrFloorNotSelected = errors.New("viewer: floor is not selected")

// LabelDevices adds device name labels over the spaces of department on the selected floor, or of
// the whole floor when department is empty. An empty floor means the selected one. Spaces come from
// the department listing, else from telemetry. The labels last until the next marker rebuild.
func (v *Viewer) LabelDevices(ctx context.Context, floor, department string) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	building := v.Alerts.Building()
	selected := v.Alerts.Floor()
	floor = strings.TrimSpace(floor)
	department = strings.TrimSpace(department)
	if floor == "" {
		floor = selected
	}
	if selected == "" || !facility.SameCode(floor, selected) {
		return 0, ErrFloorNotSelected
	}
	floor = selected

	var guids []string
	deps, err := v.backend.ListDepartments(ctx, building, floor)
	if err != nil {
		v.oc.Metrics.IncBackendFallback("departments")
		v.oc.Log.Warn().Err(err).Str("floor", floor).Msg("department listing failed; using telemetry spaces")
	} else {
		guids = facility.DepartmentGUIDs(deps, department)
	}
	if len(guids) == 0 {
		guids = facility.FloorGUIDs(v.Alerts.Snapshot(), building, floor, department)
	}
	if len(guids) == 0 {
		return 0, nil
	}

	devices, err := v.backend.ListDevices(ctx, guids, building)
	if err != nil {
		v.oc.Metrics.IncBackendFallback("devices")
		v.oc.Log.Warn().Err(err).Str("floor", floor).Msg("device listing failed; no device labels")
		return 0, nil
	}
	return v.Markers.CreateForDevices(ctx, devices), nil
}

// Snapshot is everything the surrounding UI renders from the core.
type Snapshot struct {
	Building  string             `json:"building"`
	Parameter alerts.Parameter   `json:"parameter"`
	Floor     string             `json:"floor,omitempty"`
	Alerts    []alerts.Record    `json:"alerts"`
	Isolation isolation.State    `json:"isolation"`
	Selection selection.Snapshot `json:"selection"`
	Markers   int                `json:"markers"`
}

func (v *Viewer) Snapshot() Snapshot {
	return Snapshot{
		Building:  v.Alerts.Building(),
		Parameter: v.Alerts.Parameter(),
		Floor:     v.Alerts.Floor(),
		Alerts:    v.Alerts.Records(),
		Isolation: v.Isolation.State(),
		Selection: v.Selection.Snapshot(),
		Markers:   v.Markers.Count(),
	}
}
