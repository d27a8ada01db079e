package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"facility_viewer/core-go/internal/facility"
	"facility_viewer/core-go/internal/highlight"
	"facility_viewer/core-go/internal/overlay"
	"facility_viewer/core-go/internal/scene"
)

// Recompute triggers.
const (
	TriggerTelemetry = "telemetry"
	TriggerParameter = "parameter"
	TriggerBuilding  = "building"
	TriggerFloor     = "floor"
	TriggerModel     = "model"
	TriggerManual    = "manual"
)

// MarkerSink receives the committed alert list.
type MarkerSink interface {
	CreateFor(ctx context.Context, records []Record, floor string) int
	Clear(ctx context.Context)
}

type Options struct {
	Building  string
	Parameter string
}

// Update is the payload of alerts.updated.
type Update struct {
	Trigger   string   `json:"trigger"`
	Building  string   `json:"building"`
	Parameter string   `json:"parameter"`
	Floor     string   `json:"floor,omitempty"`
	Alerts    []Record `json:"alerts"`
}

// Engine turns the latest telemetry snapshot into the ranked alert list and paints it.
//
// Every Recompute takes a token. Resolution runs unlocked; painting and committing run under
// applyMu and are skipped when a newer Recompute has started.
type Engine struct {
	oc       *overlay.Context
	taxonomy *Taxonomy
	markers  MarkerSink

	seq     atomic.Uint64
	applyMu sync.Mutex

	mu        sync.RWMutex
	building  string
	parameter string
	floor     string
	snapshot  []facility.TelemetryRow
	records   []Record
}

func NewEngine(oc *overlay.Context, taxonomy *Taxonomy, markers MarkerSink, opts Options) (*Engine, error) {
	if taxonomy == nil {
		var err error
		if taxonomy, err = NewTaxonomy(); err != nil {
			return nil, err
		}
	}
	param := ParamTemperature
	if opts.Parameter != "" {
		p, ok := taxonomy.Lookup(opts.Parameter)
		if !ok {
			return nil, fmt.Errorf("alerts: unknown parameter %q", opts.Parameter)
		}
		param = p.Name
	}
	return &Engine{
		oc:        oc,
		taxonomy:  taxonomy,
		markers:   markers,
		building:  strings.TrimSpace(opts.Building),
		parameter: param,
		records:   []Record{},
	}, nil
}

var ErrUnknownParameter = errors.New("alerts: unknown parameter")

// SetParameter switches the active parameter. It does not recompute.
func (e *Engine) SetParameter(name string) error {
	p, ok := e.taxonomy.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParameter, name)
	}
	e.mu.Lock()
	e.parameter = p.Name
	e.mu.Unlock()
	return nil
}

func (e *Engine) SetBuilding(code string) {
	e.mu.Lock()
	e.building = strings.TrimSpace(code)
	e.mu.Unlock()
}

// SetFloor records the floor markers are restricted to; "" means no floor is selected.
func (e *Engine) SetFloor(floor string) {
	e.mu.Lock()
	e.floor = strings.TrimSpace(floor)
	e.mu.Unlock()
}

// SetSnapshot replaces the telemetry snapshot wholesale.
func (e *Engine) SetSnapshot(rows []facility.TelemetryRow) {
	e.mu.Lock()
	e.snapshot = append([]facility.TelemetryRow(nil), rows...)
	e.mu.Unlock()
}

func (e *Engine) Parameter() Parameter {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, _ := e.taxonomy.Lookup(e.parameter)
	return p
}

func (e *Engine) Building() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.building
}

func (e *Engine) Floor() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.floor
}

func (e *Engine) Taxonomy() *Taxonomy { return e.taxonomy }

// Snapshot returns a copy of the telemetry rows the engine works from.
func (e *Engine) Snapshot() []facility.TelemetryRow {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]facility.TelemetryRow(nil), e.snapshot...)
}

// Records returns the last committed alert list.
func (e *Engine) Records() []Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Record(nil), e.records...)
}

// Recompute regenerates the alert list and repaints alert styles and markers. Only rows whose space
// resolves in a loaded model become alerts. It reports whether the result was committed; false
// means a newer call superseded this one or the engine was not ready.
func (e *Engine) Recompute(ctx context.Context, trigger string) bool {
	token := e.seq.Add(1)

	e.mu.RLock()
	building, floor := e.building, e.floor
	param, _ := e.taxonomy.Lookup(e.parameter)
	rows := e.snapshot
	e.mu.RUnlock()

	// Which spaces resolve is unknown until the engine is up; keep the previous list until then.
	if _, err := e.oc.Engine.Models(ctx); errors.Is(err, scene.ErrEngineNotReady) {
		e.oc.Log.Debug().Str("trigger", trigger).Msg("engine not ready; alert recompute skipped")
		return false
	}

	candidates := Generate(building, rows, param)
	byTier := GUIDs(candidates)
	high, foundHigh := e.oc.Resolver.ResolveAllFound(ctx, byTier[SeverityHigh])
	medium, foundMedium := e.oc.Resolver.ResolveAllFound(ctx, byTier[SeverityMedium])
	records := keepResolved(candidates, foundHigh, foundMedium)

	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	if e.stale(token) {
		e.oc.Metrics.IncStaleCompletion("alert_recompute")
		return false
	}

	e.paint(ctx, highlight.StyleAlertHigh, high)
	e.paint(ctx, highlight.StyleAlertMedium, medium)

	if e.markers != nil {
		if floor != "" {
			e.markers.CreateFor(ctx, records, floor)
		} else {
			e.markers.Clear(ctx)
		}
	}

	e.mu.Lock()
	e.records = records
	e.mu.Unlock()

	e.oc.Metrics.IncAlertRecompute(trigger)
	e.oc.Metrics.SetActiveAlerts(Counts(records))
	e.oc.Log.Debug().
		Str("trigger", trigger).
		Str("building", building).
		Str("parameter", param.Name).
		Int("alerts", len(records)).
		Msg("alerts recomputed")
	e.oc.Bus.Publish(scene.Event{Topic: scene.TopicAlertsUpdated, Payload: Update{
		Trigger:   trigger,
		Building:  building,
		Parameter: param.Name,
		Floor:     floor,
		Alerts:    append([]Record(nil), records...),
	}})
	return true
}

// keepResolved drops records whose space is in no loaded model. Order is kept.
func keepResolved(records []Record, found ...map[string]struct{}) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		for _, f := range found {
			if _, ok := f[r.ID]; ok {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// paint replaces a tier style's membership; an empty set clears it.
func (e *Engine) paint(ctx context.Context, style string, set scene.ElementsByModel) {
	if err := e.oc.Styles.Apply(ctx, style, set, false); err != nil {
		e.oc.EngineError("alerts", "apply_"+style, err)
	}
}

func (e *Engine) stale(token uint64) bool {
	return e.seq.Load() != token
}
