// Package markers owns the anchored 2D labels placed over alert and device spaces.
//
// Every label the manager creates is kept in a registry keyed by marker id, and cleanup only ever
// walks that registry.
package markers

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"

	"facility_viewer/core-go/internal/alerts"
	"facility_viewer/core-go/internal/facility"
	"facility_viewer/core-go/internal/highlight"
	"facility_viewer/core-go/internal/overlay"
	"facility_viewer/core-go/internal/scene"
)

// Label kinds.
const (
	KindAlert  = "alert"
	KindDevice = "device"
)

const (
	alertMinOffset    = 0.5
	alertOffsetRatio  = 0.2
	deviceMinOffset   = 0.3
	deviceOffsetRatio = 0.1
	defaultColor      = "#607d8b"
)

// Handle is one owned marker.
type Handle struct {
	ID       string            `json:"id"`
	Label    scene.LabelHandle `json:"label"`
	Kind     string            `json:"kind"`
	GUID     string            `json:"guid"`
	Floor    string            `json:"floor,omitempty"`
	Text     string            `json:"text"`
	Color    string            `json:"color"`
	Anchor   [3]float64        `json:"anchor"`
	Severity alerts.Severity   `json:"severity,omitempty"`
}

type Manager struct {
	oc      *overlay.Context
	devices facility.DeviceLister

	mu       sync.Mutex
	registry map[string]Handle
}

func New(oc *overlay.Context, devices facility.DeviceLister) *Manager {
	return &Manager{
		oc:       oc,
		devices:  devices,
		registry: make(map[string]Handle),
	}
}

// CreateFor replaces every marker with one label per non-ok alert on floor. Alerts whose space
// does not resolve or has no usable bounding box are skipped. It returns the number of markers made.
func (m *Manager) CreateFor(ctx context.Context, records []alerts.Record, floor string) int {
	m.Clear(ctx)

	var onFloor []alerts.Record
	for _, r := range records {
		if r.Severity == alerts.SeverityOK || !facility.SameCode(r.Floor, floor) {
			continue
		}
		onFloor = append(onFloor, r)
	}
	if len(onFloor) == 0 {
		return 0
	}

	names := m.deviceNames(ctx, onFloor)
	created := 0
	for _, r := range onFloor {
		device := bestName(
			nameCandidate{Name: names[r.ID], Source: sourceListing},
			nameCandidate{Name: r.DeviceName, Source: sourceTelemetry},
			nameCandidate{Name: r.ID, Source: sourceID},
		)
		h, ok := m.place(ctx, r.ID, KindAlert, LabelText(device, r.Value, r.Unit), m.severityColor(r.Severity), alertMinOffset, alertOffsetRatio)
		if !ok {
			continue
		}
		h.Floor = r.Floor
		h.Severity = r.Severity
		m.keep(h)
		created++
	}
	m.publish()
	return created
}

// CreateForDevices labels device spaces with their names. Existing markers are kept.
func (m *Manager) CreateForDevices(ctx context.Context, devices []facility.Device) int {
	created := 0
	for _, d := range devices {
		if d.GUID == "" {
			continue
		}
		text := bestName(
			nameCandidate{Name: d.DeviceName, Source: sourceListing},
			nameCandidate{Name: d.ID, Source: sourceID},
		)
		if text == "" {
			text = d.GUID
		}
		h, ok := m.place(ctx, d.GUID, KindDevice, text, defaultColor, deviceMinOffset, deviceOffsetRatio)
		if !ok {
			continue
		}
		m.keep(h)
		created++
	}
	if created > 0 {
		m.publish()
	}
	return created
}

func (m *Manager) place(ctx context.Context, guid, kind, text, color string, minOffset, ratio float64) (Handle, bool) {
	ref, ok := m.oc.Resolver.FindGUID(ctx, guid)
	if !ok {
		return Handle{}, false
	}
	box, err := m.oc.Engine.BoundingBox(ctx, scene.Single(ref))
	if err != nil {
		m.oc.EngineError("markers", "bounding_box", err)
		return Handle{}, false
	}
	if !box.Valid() {
		m.oc.EngineError("markers", "bounding_box", scene.ErrMalformedAttribute)
		return Handle{}, false
	}

	anchor := Anchor(box, minOffset, ratio)
	label, err := m.oc.Engine.CreateLabel(ctx, scene.LabelSpec{
		Text:   text,
		Color:  color,
		Anchor: [3]float64(anchor),
		Kind:   kind,
	})
	if err != nil {
		m.oc.EngineError("markers", "create_label", err)
		return Handle{}, false
	}
	return Handle{
		ID:     uuid.NewString(),
		Label:  label,
		Kind:   kind,
		GUID:   guid,
		Text:   text,
		Color:  color,
		Anchor: [3]float64(anchor),
	}, true
}

func (m *Manager) keep(h Handle) {
	m.mu.Lock()
	m.registry[h.ID] = h
	m.mu.Unlock()
}

// Clear removes every owned marker. A label the engine fails to remove is dropped from the registry
// anyway; the engine owns it from then on.
func (m *Manager) Clear(ctx context.Context) {
	m.mu.Lock()
	owned := m.registry
	m.registry = make(map[string]Handle)
	m.mu.Unlock()

	if len(owned) == 0 {
		return
	}
	for _, h := range owned {
		if err := m.oc.Engine.RemoveLabel(ctx, h.Label); err != nil {
			m.oc.EngineError("markers", "remove_label", err)
		}
	}
	m.publish()
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.registry)
}

// Handles returns the owned markers ordered by kind then text.
func (m *Manager) Handles() []Handle {
	m.mu.Lock()
	out := make([]Handle, 0, len(m.registry))
	for _, h := range m.registry {
		out = append(out, h)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if out[i].Text != out[j].Text {
			return out[i].Text < out[j].Text
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Manager) publish() {
	n := m.Count()
	m.oc.Metrics.SetActiveMarkers(n)
	m.oc.Bus.Publish(scene.Event{Topic: scene.TopicMarkersChanged, Payload: map[string]int{"count": n}})
}

// deviceNames looks up device names for the alerts' spaces. A failed listing falls back to the
// names carried by the telemetry rows.
func (m *Manager) deviceNames(ctx context.Context, records []alerts.Record) map[string]string {
	out := make(map[string]string)
	if m.devices == nil {
		return out
	}

	byBuilding := make(map[string][]string)
	for _, r := range records {
		byBuilding[r.BuildingCode] = append(byBuilding[r.BuildingCode], r.ID)
	}
	for building, guids := range byBuilding {
		devs, err := m.devices.ListDevices(ctx, guids, building)
		if err != nil {
			m.oc.Metrics.IncBackendFallback("devices")
			m.oc.Log.Warn().Err(err).Str("building", building).Msg("device listing failed; using telemetry names")
			continue
		}
		for _, d := range devs {
			name := normalizeName(d.DeviceName)
			if _, seen := out[d.GUID]; !seen && scoreName(sourceListing, name) >= 0 {
				out[d.GUID] = name
			}
		}
	}
	return out
}

func (m *Manager) severityColor(sev alerts.Severity) string {
	name := highlight.StyleAlertMedium
	if sev == alerts.SeverityHigh {
		name = highlight.StyleAlertHigh
	}
	if s, ok := m.oc.Styles.Style(name); ok && s.Color != "" {
		return s.Color
	}
	return defaultColor
}

// Anchor is the top-center of box raised by max(minOffset, ratio*height).
func Anchor(box scene.Box, minOffset, ratio float64) mgl64.Vec3 {
	offset := math.Max(minOffset, ratio*box.Height())
	return box.TopCenter().Add(mgl64.Vec3{0, offset, 0})
}

// LabelText renders "<device> · <value><unit>" with at most one decimal.
func LabelText(device string, value float64, unit string) string {
	v := strconv.FormatFloat(math.Round(value*10)/10, 'f', -1, 64)
	return fmt.Sprintf("%s · %s%s", strings.TrimSpace(device), v, unit)
}
