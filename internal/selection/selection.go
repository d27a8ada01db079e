// Package selection turns pointer input into a selected spatial element.
package selection

import (
	"context"
	"maps"
	"strings"
	"sync"

	"facility_viewer/core-go/internal/facility"
	"facility_viewer/core-go/internal/highlight"
	"facility_viewer/core-go/internal/overlay"
	"facility_viewer/core-go/internal/scene"
)

// Selection describes the selected element. Device is set once the details panel looked it up.
type Selection struct {
	Element    scene.ElementRef `json:"element"`
	GUID       string           `json:"guid,omitempty"`
	Attributes scene.Attributes `json:"attributes,omitempty"`
	Device     *facility.Device `json:"device,omitempty"`
}

// clone copies sel deeply enough that callers and subscribers never share its maps.
func (sel *Selection) clone() *Selection {
	if sel == nil {
		return nil
	}
	cp := *sel
	cp.Attributes = maps.Clone(sel.Attributes)
	if sel.Device != nil {
		d := *sel.Device
		cp.Device = &d
	}
	return &cp
}

// Snapshot is the controller state exposed to callers.
type Snapshot struct {
	Selected  *Selection `json:"selected"`
	PanelOpen bool       `json:"panel_open"`
}

// BuildingFunc returns the building code device lookups are scoped to.
type BuildingFunc func() string

// Controller is Idle until a hit selects an element; a new hit moves the select style, and a miss
// or ClearSelection returns to Idle. Operations are serialized.
type Controller struct {
	oc       *overlay.Context
	devices  facility.DeviceLister
	building BuildingFunc

	opMu sync.Mutex

	mu        sync.RWMutex
	selected  *Selection
	panelOpen bool
}

func New(oc *overlay.Context, devices facility.DeviceLister, building BuildingFunc) *Controller {
	if building == nil {
		building = func() string { return "" }
	}
	return &Controller{oc: oc, devices: devices, building: building}
}

// OnClick selects the element under p, or clears the selection on a miss. The details panel is
// only refreshed when it is already open.
func (c *Controller) OnClick(ctx context.Context, p scene.ScreenPoint) Snapshot {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	ref, hit, err := c.oc.Engine.Raycast(ctx, p)
	if err != nil {
		c.oc.EngineError("selection", "raycast", err)
		return c.Snapshot()
	}
	if !hit {
		c.clear(ctx)
		return c.Snapshot()
	}
	c.selectRef(ctx, ref, c.PanelOpen())
	return c.Snapshot()
}

// OnDoubleClick behaves like OnClick, then frames the element and opens the details panel when a
// device is associated with it.
func (c *Controller) OnDoubleClick(ctx context.Context, p scene.ScreenPoint) Snapshot {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	ref, hit, err := c.oc.Engine.Raycast(ctx, p)
	if err != nil {
		c.oc.EngineError("selection", "raycast", err)
		return c.Snapshot()
	}
	if !hit {
		c.clear(ctx)
		return c.Snapshot()
	}

	sel := c.selectRef(ctx, ref, true)
	c.frame(ctx, ref)
	if sel != nil && sel.Device != nil {
		c.setPanel(true)
	}
	return c.Snapshot()
}

// SelectByAlert selects the space of an alert GUID without raycasting and frames it. It reports
// false when the GUID does not resolve; the current selection is then left alone.
func (c *Controller) SelectByAlert(ctx context.Context, guid string) (Snapshot, bool) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	guid = strings.TrimSpace(guid)
	ref, ok := c.oc.Resolver.FindGUID(ctx, guid)
	if !ok {
		c.oc.Log.Debug().Str("guid", guid).Msg("alert space not in any loaded model")
		return c.Snapshot(), false
	}
	c.selectRef(ctx, ref, c.PanelOpen())
	c.frame(ctx, ref)
	return c.Snapshot(), true
}

// ClearSelection removes the select style and empties the selection.
func (c *Controller) ClearSelection(ctx context.Context) Snapshot {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.clear(ctx)
	return c.Snapshot()
}

// SetPanelOpen opens or closes the details panel. Opening it looks up the device of the current
// selection.
func (c *Controller) SetPanelOpen(ctx context.Context, open bool) Snapshot {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.setPanel(open)
	if open {
		if sel := c.Selected(); sel != nil && sel.GUID != "" {
			sel.Device = c.lookupDevice(ctx, sel.GUID)
			c.store(sel)
		}
	}
	return c.Snapshot()
}

func (c *Controller) Selected() *Selection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selected.clone()
}

func (c *Controller) PanelOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.panelOpen
}

func (c *Controller) Snapshot() Snapshot {
	return Snapshot{Selected: c.Selected(), PanelOpen: c.PanelOpen()}
}

func (c *Controller) selectRef(ctx context.Context, ref scene.ElementRef, withDevice bool) *Selection {
	if err := c.oc.Styles.Apply(ctx, highlight.StyleSelect, scene.Single(ref), false); err != nil {
		c.oc.EngineError("selection", "apply_select", err)
	}

	sel := &Selection{Element: ref}
	attrs, err := c.oc.Engine.Attributes(ctx, ref.ModelID, []scene.LocalID{ref.LocalID}, nil)
	if err != nil {
		c.oc.EngineError("selection", "attributes", err)
	} else {
		sel.Attributes = attrs[ref.LocalID]
	}
	if guid, ok := c.oc.Resolver.GUIDOf(ctx, ref); ok {
		sel.GUID = guid
	}
	if withDevice && sel.GUID != "" {
		sel.Device = c.lookupDevice(ctx, sel.GUID)
	}
	c.store(sel)
	return sel
}

func (c *Controller) clear(ctx context.Context) {
	if err := c.oc.Styles.Clear(ctx, highlight.StyleSelect); err != nil {
		c.oc.EngineError("selection", "clear_select", err)
	}
	c.store(nil)
}

func (c *Controller) frame(ctx context.Context, ref scene.ElementRef) {
	sphere, err := c.oc.Engine.BoundingSphere(ctx, scene.Single(ref))
	if err != nil {
		c.oc.EngineError("selection", "bounding_sphere", err)
		return
	}
	if err := c.oc.Engine.FrameSphere(ctx, sphere, scene.ViewCurrent); err != nil {
		c.oc.EngineError("selection", "frame", err)
	}
}

func (c *Controller) lookupDevice(ctx context.Context, guid string) *facility.Device {
	if c.devices == nil {
		return nil
	}
	devs, err := c.devices.ListDevices(ctx, []string{guid}, c.building())
	if err != nil {
		c.oc.Metrics.IncBackendFallback("devices")
		c.oc.Log.Warn().Err(err).Str("guid", guid).Msg("device lookup failed")
		return nil
	}
	for _, d := range devs {
		if d.GUID == guid {
			return &d
		}
	}
	return nil
}

func (c *Controller) setPanel(open bool) {
	c.mu.Lock()
	c.panelOpen = open
	c.mu.Unlock()
}

func (c *Controller) store(sel *Selection) {
	c.mu.Lock()
	prev := c.selected
	c.selected = sel.clone()
	c.mu.Unlock()

	if prev == nil && sel == nil {
		return
	}
	c.oc.Bus.Publish(scene.Event{Topic: scene.TopicSelectionChanged, Payload: Snapshot{Selected: sel.clone(), PanelOpen: c.PanelOpen()}})
}
