// Package isolation filters the visible scene down to a floor or a department of a floor.
//
// Each validated operation takes a token from a monotonically increasing counter. Backend and
// resolver work runs without locks; scene mutation and state commits run under one mutex. A token
// claims the scene when its effects are applied, and any older operation that has not committed by
// then is dropped. Operations that end up changing nothing never claim, so they cannot strand the
// effects of an older call.
package isolation

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"facility_viewer/core-go/internal/facility"
	"facility_viewer/core-go/internal/highlight"
	"facility_viewer/core-go/internal/overlay"
	"facility_viewer/core-go/internal/scene"
)

type Kind string

const (
	KindNone       Kind = "none"
	KindFloor      Kind = "floor"
	KindDepartment Kind = "department"
)

// State is exactly one of None, Floor(code) or Department(floor, name).
type State struct {
	Kind       Kind   `json:"kind"`
	Floor      string `json:"floor,omitempty"`
	Department string `json:"department,omitempty"`
}

func None() State { return State{Kind: KindNone} }

func Floor(code string) State { return State{Kind: KindFloor, Floor: code} }

func Department(floor, name string) State {
	return State{Kind: KindDepartment, Floor: floor, Department: name}
}

func (s State) String() string {
	switch s.Kind {
	case KindFloor:
		return "floor(" + s.Floor + ")"
	case KindDepartment:
		return "department(" + s.Floor + "/" + s.Department + ")"
	default:
		return "none"
	}
}

// MarkerClearer drops every marker.
type MarkerClearer interface {
	Clear(ctx context.Context)
}

// SnapshotFunc returns the latest telemetry rows, used when the department listing has nothing.
type SnapshotFunc func() []facility.TelemetryRow

type Options struct {
	// Ghost renders hidden elements as translucent context while a floor is isolated.
	Ghost bool
}

type Machine struct {
	oc          *overlay.Context
	departments facility.DepartmentLister
	snapshot    SnapshotFunc
	markers     MarkerClearer
	ghost       bool

	seq     atomic.Uint64
	applyMu sync.Mutex
	claimed uint64 // newest token that changed the scene; guarded by applyMu

	mu      sync.RWMutex
	state   State
	applied bool // scene effects exist that Clear must undo
}

func New(oc *overlay.Context, departments facility.DepartmentLister, snapshot SnapshotFunc, markers MarkerClearer, opts Options) *Machine {
	return &Machine{
		oc:          oc,
		departments: departments,
		snapshot:    snapshot,
		markers:     markers,
		ghost:       opts.Ghost,
		state:       None(),
	}
}

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsolateFloor shows only the spaces of floor. It reports whether the state changed; zero resolvable
// elements and superseded calls leave the state as it was.
func (m *Machine) IsolateFloor(ctx context.Context, building, floor string) bool {
	floor = strings.TrimSpace(floor)
	if floor == "" {
		return false
	}
	token := m.seq.Add(1)
	set, ok := m.isolateFloor(ctx, token, building, floor)
	if !ok {
		return false
	}

	m.applyMu.Lock()
	defer m.applyMu.Unlock()
	if m.stale(token, "isolate_floor") {
		return false
	}
	if err := m.oc.Styles.Clear(ctx, highlight.StyleDepartment); err != nil {
		m.oc.EngineError("isolation", "clear_department", err)
	}
	m.commit(Floor(floor))
	m.oc.Log.Info().Str("floor", floor).Int("elements", set.Len()).Msg("floor isolated")
	return true
}

// IsolateDepartment isolates floor, then highlights the department's spaces with the department
// style. Visibility stays at floor level. When the department has no resolvable spaces the state
// remains Floor(floor).
func (m *Machine) IsolateDepartment(ctx context.Context, building, floor, department string) bool {
	floor = strings.TrimSpace(floor)
	department = strings.TrimSpace(department)
	if floor == "" || department == "" {
		return false
	}
	token := m.seq.Add(1)
	if _, ok := m.isolateFloor(ctx, token, building, floor); !ok {
		return false
	}

	guids := m.guids(ctx, building, floor, department)
	subset := m.oc.Resolver.ResolveAll(ctx, guids)

	m.applyMu.Lock()
	defer m.applyMu.Unlock()
	if m.stale(token, "isolate_department") {
		return false
	}
	if subset.Len() == 0 {
		if err := m.oc.Styles.Clear(ctx, highlight.StyleDepartment); err != nil {
			m.oc.EngineError("isolation", "clear_department", err)
		}
		m.commit(Floor(floor))
		m.oc.Log.Info().Str("floor", floor).Str("department", department).Msg("department has no resolvable spaces; staying on floor")
		return false
	}
	if err := m.oc.Styles.Apply(ctx, highlight.StyleDepartment, subset, false); err != nil {
		m.oc.EngineError("isolation", "apply_department", err)
	}
	m.commit(Department(floor, department))
	m.oc.Log.Info().Str("floor", floor).Str("department", department).Int("elements", subset.Len()).Msg("department isolated")
	return true
}

// isolateFloor resolves the floor, applies visibility and frames the camera. The state is not
// committed here.
func (m *Machine) isolateFloor(ctx context.Context, token uint64, building, floor string) (scene.ElementsByModel, bool) {
	guids := m.guids(ctx, building, floor, "")
	set := m.oc.Resolver.ResolveAll(ctx, guids)
	if set.Len() == 0 {
		m.oc.Log.Info().Str("building", building).Str("floor", floor).Int("guids", len(guids)).Msg("no resolvable elements; isolation unchanged")
		return nil, false
	}

	m.applyMu.Lock()
	defer m.applyMu.Unlock()
	if m.stale(token, "isolate_floor") {
		return nil, false
	}

	if err := m.oc.Engine.Isolate(ctx, set); err != nil {
		m.oc.EngineError("isolation", "isolate", err)
		return nil, false
	}
	m.claimed = token
	m.markApplied()
	if m.ghost {
		if err := m.oc.Engine.SetGhost(ctx, true); err != nil {
			m.oc.EngineError("isolation", "set_ghost", err)
		}
	}
	m.frame(ctx, set, scene.ViewCurrent)
	return set, true
}

// guids lists the spaces of (floor, department) from the department listing, falling back to the
// telemetry snapshot when the listing fails or has nothing.
func (m *Machine) guids(ctx context.Context, building, floor, department string) []string {
	if m.departments != nil {
		deps, err := m.departments.ListDepartments(ctx, building, floor)
		if err != nil {
			m.oc.Log.Warn().Err(err).Str("floor", floor).Msg("department listing failed; using telemetry")
		} else if guids := facility.DepartmentGUIDs(deps, department); len(guids) > 0 {
			return guids
		}
	}
	m.oc.Metrics.IncBackendFallback("departments")
	if m.snapshot == nil {
		return nil
	}
	return facility.FloorGUIDs(m.snapshot(), building, floor, department)
}

// Clear restores full visibility, drops every non-select style and the markers, turns ghosting off
// and frames the whole scene from above. Calling it again with nothing to undo does nothing to the
// scene, but isolations still in flight are dropped either way.
func (m *Machine) Clear(ctx context.Context) bool {
	token := m.seq.Add(1)

	m.applyMu.Lock()
	defer m.applyMu.Unlock()
	if m.stale(token, "clear") {
		return false
	}
	m.claimed = token

	m.mu.RLock()
	idle := m.state.Kind == KindNone && !m.applied
	m.mu.RUnlock()
	if idle {
		return false
	}

	if err := m.oc.Engine.ShowAll(ctx); err != nil {
		m.oc.EngineError("isolation", "show_all", err)
	}
	if err := m.oc.Styles.ClearAllExcept(ctx, highlight.StyleSelect); err != nil {
		m.oc.EngineError("isolation", "clear_styles", err)
	}
	if m.markers != nil {
		m.markers.Clear(ctx)
	}
	if err := m.oc.Engine.SetGhost(ctx, false); err != nil {
		m.oc.EngineError("isolation", "set_ghost", err)
	}
	m.frame(ctx, nil, scene.ViewTopDown)

	m.mu.Lock()
	m.applied = false
	m.mu.Unlock()
	m.commit(None())
	return true
}

func (m *Machine) frame(ctx context.Context, set scene.ElementsByModel, view scene.CameraView) {
	sphere, err := m.oc.Engine.BoundingSphere(ctx, set)
	if err != nil {
		m.oc.EngineError("isolation", "bounding_sphere", err)
		return
	}
	if err := m.oc.Engine.FrameSphere(ctx, sphere, view); err != nil {
		m.oc.EngineError("isolation", "frame", err)
	}
}

func (m *Machine) markApplied() {
	m.mu.Lock()
	m.applied = true
	m.mu.Unlock()
}

// commit must be called with applyMu held.
func (m *Machine) commit(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()

	if prev == s {
		return
	}
	m.oc.Metrics.IncIsolationTransition(string(s.Kind))
	m.oc.Bus.Publish(scene.Event{Topic: scene.TopicIsolationChanged, Payload: s})
}

// stale must be called with applyMu held.
func (m *Machine) stale(token uint64, op string) bool {
	if m.claimed <= token {
		return false
	}
	m.oc.Metrics.IncStaleCompletion(op)
	m.oc.Log.Debug().Str("op", op).Uint64("token", token).Msg("superseded; dropping completion")
	return true
}
