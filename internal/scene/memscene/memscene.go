// Package memscene is an in-memory rendering engine. It backs the headless server and the test
// suites of every component that drives a scene.
package memscene

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"facility_viewer/core-go/internal/scene"
)

// Element is one scene element.
type Element struct {
	ID         scene.LocalID
	Category   string
	Attributes scene.Attributes
	Box        scene.Box
}

type model struct {
	elements map[scene.LocalID]*Element
	order    []scene.LocalID
}

// Frame records one camera framing call.
type Frame struct {
	Sphere scene.Sphere
	View   scene.CameraView
}

// Engine implements scene.Engine over plain maps.
type Engine struct {
	bus *scene.Bus

	mu         sync.Mutex
	ready      bool
	models     map[scene.ModelID]*model
	modelOrder []scene.ModelID
	isolated   map[scene.ElementRef]struct{} // nil means everything is visible
	ghost      bool
	styles     map[string]map[scene.ElementRef]scene.StyleDef
	labels     map[scene.LabelHandle]scene.LabelSpec
	frames     []Frame
	faults     map[string]error
	calls      map[string]int
}

var _ scene.Engine = (*Engine)(nil)

func New(bus *scene.Bus) *Engine {
	return &Engine{
		bus:    bus,
		ready:  true,
		models: make(map[scene.ModelID]*model),
		styles: make(map[string]map[scene.ElementRef]scene.StyleDef),
		labels: make(map[scene.LabelHandle]scene.LabelSpec),
		faults: make(map[string]error),
		calls:  make(map[string]int),
	}
}

// SetReady toggles the not-initialized state.
func (e *Engine) SetReady(ready bool) {
	e.mu.Lock()
	e.ready = ready
	e.mu.Unlock()
}

// SetFault makes every call to method fail with err until cleared with a nil err.
func (e *Engine) SetFault(method string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.faults, method)
		return
	}
	e.faults[method] = err
}

// Calls reports how many times method was invoked.
func (e *Engine) Calls(method string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[method]
}

// enter must be called with e.mu held.
func (e *Engine) enter(method string) error {
	e.calls[method]++
	if !e.ready {
		return scene.ErrEngineNotReady
	}
	if err := e.faults[method]; err != nil {
		return err
	}
	return nil
}

// LoadModel replaces any model with the same id and publishes model.loaded.
func (e *Engine) LoadModel(id scene.ModelID, elements []Element) {
	m := &model{elements: make(map[scene.LocalID]*Element, len(elements))}
	for i := range elements {
		el := elements[i]
		if el.Attributes == nil {
			el.Attributes = scene.Attributes{}
		}
		if _, dup := m.elements[el.ID]; !dup {
			m.order = append(m.order, el.ID)
		}
		m.elements[el.ID] = &el
	}

	e.mu.Lock()
	if _, exists := e.models[id]; !exists {
		e.modelOrder = append(e.modelOrder, id)
	}
	e.models[id] = m
	e.mu.Unlock()

	e.bus.Publish(scene.Event{Topic: scene.TopicModelLoaded, ModelID: id})
}

// UnloadModel drops a model with its styles and visibility entries and publishes model.unloaded.
func (e *Engine) UnloadModel(id scene.ModelID) {
	e.mu.Lock()
	if _, ok := e.models[id]; !ok {
		e.mu.Unlock()
		return
	}
	delete(e.models, id)
	for i, mid := range e.modelOrder {
		if mid == id {
			e.modelOrder = append(e.modelOrder[:i], e.modelOrder[i+1:]...)
			break
		}
	}
	for _, members := range e.styles {
		for ref := range members {
			if ref.ModelID == id {
				delete(members, ref)
			}
		}
	}
	for ref := range e.isolated {
		if ref.ModelID == id {
			delete(e.isolated, ref)
		}
	}
	e.mu.Unlock()

	e.bus.Publish(scene.Event{Topic: scene.TopicModelUnloaded, ModelID: id})
}

// RestCamera simulates the engine's camera-rest callback.
func (e *Engine) RestCamera() {
	e.bus.Publish(scene.Event{Topic: scene.TopicCameraRest})
}

func (e *Engine) Models(ctx context.Context) ([]scene.ModelID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("Models"); err != nil {
		return nil, err
	}
	return append([]scene.ModelID(nil), e.modelOrder...), nil
}

func (e *Engine) ElementsOfCategories(ctx context.Context, id scene.ModelID, categories []string) ([]scene.LocalID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("ElementsOfCategories"); err != nil {
		return nil, err
	}
	m, ok := e.models[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", scene.ErrUnknownModel, id)
	}

	want := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		want[strings.ToUpper(strings.TrimSpace(c))] = struct{}{}
	}

	out := make([]scene.LocalID, 0)
	for _, lid := range m.order {
		if _, ok := want[strings.ToUpper(m.elements[lid].Category)]; ok {
			out = append(out, lid)
		}
	}
	return out, nil
}

func (e *Engine) Attributes(ctx context.Context, id scene.ModelID, ids []scene.LocalID, names []string) (map[scene.LocalID]scene.Attributes, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("Attributes"); err != nil {
		return nil, err
	}
	m, ok := e.models[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", scene.ErrUnknownModel, id)
	}

	out := make(map[scene.LocalID]scene.Attributes, len(ids))
	for _, lid := range ids {
		el, ok := m.elements[lid]
		if !ok {
			continue
		}
		attrs := make(scene.Attributes)
		if len(names) == 0 {
			for k, v := range el.Attributes {
				attrs[k] = v
			}
		} else {
			for _, n := range names {
				if v, ok := el.Attributes[n]; ok {
					attrs[n] = v
				}
			}
		}
		out[lid] = attrs
	}
	return out, nil
}

func (e *Engine) Highlight(ctx context.Context, style scene.StyleDef, elements scene.ElementsByModel, replace bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("Highlight"); err != nil {
		return err
	}

	members := e.styles[style.Name]
	if members == nil || replace {
		members = make(map[scene.ElementRef]scene.StyleDef)
		e.styles[style.Name] = members
	}
	for _, ref := range elements.Refs() {
		if !e.exists(ref) {
			continue
		}
		members[ref] = style
	}
	return nil
}

func (e *Engine) ClearHighlight(ctx context.Context, name string, elements scene.ElementsByModel) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("ClearHighlight"); err != nil {
		return err
	}

	if elements == nil {
		delete(e.styles, name)
		return nil
	}
	members := e.styles[name]
	for _, ref := range elements.Refs() {
		delete(members, ref)
	}
	return nil
}

func (e *Engine) Isolate(ctx context.Context, elements scene.ElementsByModel) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("Isolate"); err != nil {
		return err
	}

	e.isolated = make(map[scene.ElementRef]struct{}, elements.Len())
	for _, ref := range elements.Refs() {
		if e.exists(ref) {
			e.isolated[ref] = struct{}{}
		}
	}
	return nil
}

func (e *Engine) ShowAll(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("ShowAll"); err != nil {
		return err
	}
	e.isolated = nil
	return nil
}

func (e *Engine) SetGhost(ctx context.Context, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("SetGhost"); err != nil {
		return err
	}
	e.ghost = enabled
	return nil
}

func (e *Engine) BoundingBox(ctx context.Context, elements scene.ElementsByModel) (scene.Box, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("BoundingBox"); err != nil {
		return scene.Box{}, err
	}
	return e.boundsLocked(elements)
}

func (e *Engine) BoundingSphere(ctx context.Context, elements scene.ElementsByModel) (scene.Sphere, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("BoundingSphere"); err != nil {
		return scene.Sphere{}, err
	}
	box, err := e.boundsLocked(elements)
	if err != nil {
		return scene.Sphere{}, err
	}
	return box.BoundingSphere(), nil
}

// boundsLocked treats a nil set as the whole scene.
func (e *Engine) boundsLocked(elements scene.ElementsByModel) (scene.Box, error) {
	box := scene.EmptyBox()
	if elements == nil {
		for _, mid := range e.modelOrder {
			m := e.models[mid]
			for _, lid := range m.order {
				box = box.Union(m.elements[lid].Box)
			}
		}
	} else {
		for _, ref := range elements.Refs() {
			m, ok := e.models[ref.ModelID]
			if !ok {
				continue
			}
			if el, ok := m.elements[ref.LocalID]; ok {
				box = box.Union(el.Box)
			}
		}
	}
	if !box.Valid() {
		return scene.Box{}, scene.ErrMalformedAttribute
	}
	return box, nil
}

func (e *Engine) FrameSphere(ctx context.Context, sphere scene.Sphere, view scene.CameraView) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("FrameSphere"); err != nil {
		return err
	}
	e.frames = append(e.frames, Frame{Sphere: sphere, View: view})
	return nil
}

func (e *Engine) CreateLabel(ctx context.Context, spec scene.LabelSpec) (scene.LabelHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("CreateLabel"); err != nil {
		return "", err
	}
	h := scene.LabelHandle(uuid.NewString())
	e.labels[h] = spec
	return h, nil
}

func (e *Engine) RemoveLabel(ctx context.Context, handle scene.LabelHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("RemoveLabel"); err != nil {
		return err
	}
	delete(e.labels, handle)
	return nil
}

// Raycast treats the viewport as a top-down orthographic view: X maps to world x and Y to world z.
// The visible element with the highest top face under the point wins.
func (e *Engine) Raycast(ctx context.Context, p scene.ScreenPoint) (scene.ElementRef, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("Raycast"); err != nil {
		return scene.ElementRef{}, false, err
	}

	var (
		best    scene.ElementRef
		bestTop float64
		found   bool
	)
	for _, mid := range e.modelOrder {
		m := e.models[mid]
		for _, lid := range m.order {
			el := m.elements[lid]
			ref := scene.ElementRef{ModelID: mid, LocalID: lid}
			if !e.visibleLocked(ref) || !el.Box.Valid() || !el.Box.ContainsXZ(p.X, p.Y) {
				continue
			}
			if !found || el.Box.Max.Y() > bestTop {
				best, bestTop, found = ref, el.Box.Max.Y(), true
			}
		}
	}
	return best, found, nil
}

func (e *Engine) exists(ref scene.ElementRef) bool {
	m, ok := e.models[ref.ModelID]
	if !ok {
		return false
	}
	_, ok = m.elements[ref.LocalID]
	return ok
}

func (e *Engine) visibleLocked(ref scene.ElementRef) bool {
	if e.isolated == nil {
		return true
	}
	_, ok := e.isolated[ref]
	return ok
}

// Visible reports whether ref is currently shown.
func (e *Engine) Visible(ref scene.ElementRef) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exists(ref) && e.visibleLocked(ref)
}

// VisibleCount counts shown elements across models.
func (e *Engine) VisibleCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isolated != nil {
		return len(e.isolated)
	}
	n := 0
	for _, m := range e.models {
		n += len(m.order)
	}
	return n
}

// Styled lists the elements carrying the named style.
func (e *Engine) Styled(name string) []scene.ElementRef {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]scene.ElementRef, 0, len(e.styles[name]))
	for ref := range e.styles[name] {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModelID == out[j].ModelID {
			return out[i].LocalID < out[j].LocalID
		}
		return out[i].ModelID < out[j].ModelID
	})
	return out
}

// StyleNames lists every style with at least one member.
func (e *Engine) StyleNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.styles))
	for name, members := range e.styles {
		if len(members) > 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Labels returns a copy of the live labels.
func (e *Engine) Labels() map[scene.LabelHandle]scene.LabelSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[scene.LabelHandle]scene.LabelSpec, len(e.labels))
	for h, s := range e.labels {
		out[h] = s
	}
	return out
}

// Frames returns the camera framing history.
func (e *Engine) Frames() []Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Frame(nil), e.frames...)
}

func (e *Engine) Ghost() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ghost
}

// Space builds an IFCSPACE element carrying a GlobalId and a name.
func Space(id scene.LocalID, guid, name string, box scene.Box) Element {
	return Element{
		ID:       id,
		Category: scene.CategorySpace,
		Attributes: scene.Attributes{
			scene.AttrGlobalID: guid,
			scene.AttrName:     name,
		},
		Box: box,
	}
}
