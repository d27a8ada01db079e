// Package scene describes the rendering-engine capabilities the viewer core drives.
//
// The engine itself is a black box: it may live in a browser, a native viewer or the in-memory
// implementation in package memscene. Components depend on the smallest interface they need.
package scene

import (
	"context"
	"errors"
	"sort"
)

var (
	// ErrEngineNotReady is returned while the rendering subsystem is not initialized.
	ErrEngineNotReady = errors.New("scene: engine not ready")
	// ErrMalformedAttribute marks empty or inconsistent bounding-box or property data.
	ErrMalformedAttribute = errors.New("scene: malformed attribute")
	// ErrUnknownModel is returned for a model id that is not loaded.
	ErrUnknownModel = errors.New("scene: unknown model")
)

// ModelID identifies a loaded model within the current session.
type ModelID string

// LocalID is the session-scoped numeric id the engine assigns to an element of one model.
type LocalID int64

// ElementRef points at one element. It is only valid while its model stays loaded.
type ElementRef struct {
	ModelID ModelID `json:"model_id"`
	LocalID LocalID `json:"local_id"`
}

// ElementsByModel groups local ids per model, the shape every batch engine call takes.
type ElementsByModel map[ModelID][]LocalID

// Add appends ids for a model, skipping duplicates already present.
func (e ElementsByModel) Add(model ModelID, ids ...LocalID) {
	if len(ids) == 0 {
		return
	}
	seen := make(map[LocalID]struct{}, len(e[model]))
	for _, id := range e[model] {
		seen[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		e[model] = append(e[model], id)
	}
}

// Len counts every element across models.
func (e ElementsByModel) Len() int {
	n := 0
	for _, ids := range e {
		n += len(ids)
	}
	return n
}

// Refs flattens the set into refs ordered by model then local id.
func (e ElementsByModel) Refs() []ElementRef {
	out := make([]ElementRef, 0, e.Len())
	for model, ids := range e {
		for _, id := range ids {
			out = append(out, ElementRef{ModelID: model, LocalID: id})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModelID == out[j].ModelID {
			return out[i].LocalID < out[j].LocalID
		}
		return out[i].ModelID < out[j].ModelID
	})
	return out
}

// Clone returns a deep copy.
func (e ElementsByModel) Clone() ElementsByModel {
	out := make(ElementsByModel, len(e))
	for model, ids := range e {
		out[model] = append([]LocalID(nil), ids...)
	}
	return out
}

// Single builds a set holding one element.
func Single(ref ElementRef) ElementsByModel {
	return ElementsByModel{ref.ModelID: {ref.LocalID}}
}

// Attributes is the property bag the engine returns for one element.
type Attributes map[string]any

// String returns the attribute as a trimmed string when it holds one.
func (a Attributes) String(name string) (string, bool) {
	v, ok := a[name]
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, s != ""
	case []byte:
		return string(s), len(s) > 0
	default:
		return "", false
	}
}

// StyleDef is the engine-facing description of a named highlight.
type StyleDef struct {
	Name          string
	Color         string
	Opacity       float64
	RenderedFaces string
	Transparent   bool
}

// CameraView selects the viewing angle used when framing.
type CameraView int

const (
	ViewCurrent CameraView = iota
	ViewTopDown
)

// ScreenPoint is a pointer position in viewport coordinates.
type ScreenPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// LabelHandle identifies a label created by the engine.
type LabelHandle string

// LabelSpec describes an anchored 2D label.
type LabelSpec struct {
	Text   string
	Color  string
	Anchor [3]float64
	Kind   string
}

// Catalog enumerates elements and fetches their attributes.
type Catalog interface {
	Models(ctx context.Context) ([]ModelID, error)
	ElementsOfCategories(ctx context.Context, model ModelID, categories []string) ([]LocalID, error)
	Attributes(ctx context.Context, model ModelID, ids []LocalID, names []string) (map[LocalID]Attributes, error)
}

// Highlighter applies and clears named styles.
type Highlighter interface {
	Highlight(ctx context.Context, style StyleDef, elements ElementsByModel, replace bool) error
	// ClearHighlight removes the named style from elements, or from everything when elements is nil.
	ClearHighlight(ctx context.Context, name string, elements ElementsByModel) error
}

// Visibility filters the visible element set.
type Visibility interface {
	Isolate(ctx context.Context, elements ElementsByModel) error
	ShowAll(ctx context.Context) error
	SetGhost(ctx context.Context, enabled bool) error
}

// Bounds computes element extents.
type Bounds interface {
	BoundingBox(ctx context.Context, elements ElementsByModel) (Box, error)
	BoundingSphere(ctx context.Context, elements ElementsByModel) (Sphere, error)
}

// Camera frames the view.
type Camera interface {
	FrameSphere(ctx context.Context, sphere Sphere, view CameraView) error
}

// Labels manages anchored 2D labels.
type Labels interface {
	CreateLabel(ctx context.Context, spec LabelSpec) (LabelHandle, error)
	RemoveLabel(ctx context.Context, handle LabelHandle) error
}

// Picker resolves a screen point to the element under it.
type Picker interface {
	Raycast(ctx context.Context, p ScreenPoint) (ElementRef, bool, error)
}

// Engine is the full capability set.
type Engine interface {
	Catalog
	Highlighter
	Visibility
	Bounds
	Camera
	Labels
	Picker
}

// Conventional IFC names used by the resolver.
const (
	CategorySpace = "IFCSPACE"
	AttrGlobalID  = "GlobalId"
	AttrName      = "Name"
)
