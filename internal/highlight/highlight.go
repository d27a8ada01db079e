// Package highlight keeps the registry of named overlay styles and the element membership of each.
//
// Calls on one style name are serialized; calls on different names run in parallel. The manager is
// the only writer of engine highlights, so its membership view matches what the engine shows.
package highlight

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"facility_viewer/core-go/internal/scene"
)

// Reserved style names.
const (
	StyleSelect      = "select"
	StyleAlertHigh   = "alert-high"
	StyleAlertMedium = "alert-medium"
	StyleDepartment  = "department"
)

var ErrUnknownStyle = errors.New("highlight: unknown style")

// Style is a declarative visual treatment keyed by name.
type Style struct {
	Name          string  `json:"name" yaml:"name"`
	Color         string  `json:"color" yaml:"color"`
	Opacity       float64 `json:"opacity" yaml:"opacity"`
	RenderedFaces string  `json:"rendered_faces" yaml:"rendered_faces"`
	Transparent   bool    `json:"transparent" yaml:"transparent"`
}

func (s Style) def() scene.StyleDef {
	return scene.StyleDef{
		Name:          s.Name,
		Color:         s.Color,
		Opacity:       s.Opacity,
		RenderedFaces: s.RenderedFaces,
		Transparent:   s.Transparent,
	}
}

// DefaultStyles returns the built-in definitions of the reserved styles.
func DefaultStyles() []Style {
	return []Style{
		{Name: StyleSelect, Color: "#bcf124", Opacity: 1, RenderedFaces: "one", Transparent: false},
		{Name: StyleAlertHigh, Color: "#e53935", Opacity: 0.85, RenderedFaces: "two", Transparent: true},
		{Name: StyleAlertMedium, Color: "#fb8c00", Opacity: 0.75, RenderedFaces: "two", Transparent: true},
		{Name: StyleDepartment, Color: "#1e88e5", Opacity: 0.6, RenderedFaces: "two", Transparent: true},
	}
}

type Manager struct {
	log    zerolog.Logger
	engine scene.Highlighter
	locks  keyedMutex

	mu      sync.RWMutex
	styles  map[string]Style
	members map[string]scene.ElementsByModel
}

// New creates a manager seeded with styles. Later entries win on duplicate names.
func New(log zerolog.Logger, engine scene.Highlighter, styles ...Style) *Manager {
	m := &Manager{
		log:     log.With().Str("component", "highlight").Logger(),
		engine:  engine,
		styles:  make(map[string]Style),
		members: make(map[string]scene.ElementsByModel),
	}
	for _, s := range styles {
		_ = m.SetStyle(s)
	}
	return m
}

// SetStyle upserts a definition. Existing membership keeps its elements; the new look applies on
// the next Apply.
func (m *Manager) SetStyle(s Style) error {
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		return fmt.Errorf("highlight: style name is required")
	}
	if s.Opacity < 0 || s.Opacity > 1 {
		return fmt.Errorf("highlight: style %q opacity must be within [0,1]", s.Name)
	}

	unlock := m.locks.Lock(s.Name)
	defer unlock()

	m.mu.Lock()
	m.styles[s.Name] = s
	m.mu.Unlock()
	return nil
}

func (m *Manager) Style(name string) (Style, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.styles[name]
	return s, ok
}

// Names lists registered styles in lexical order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.styles))
	for name := range m.styles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Apply highlights elements with the named style. With additive=false the previous membership is
// cleared first so a shrinking target set leaves no stale highlight behind.
func (m *Manager) Apply(ctx context.Context, name string, elements scene.ElementsByModel, additive bool) error {
	style, ok := m.Style(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStyle, name)
	}

	unlock := m.locks.Lock(name)
	defer unlock()

	if !additive {
		if err := m.clearLocked(ctx, name); err != nil {
			return err
		}
	}
	if elements.Len() == 0 {
		return nil
	}
	if err := m.engine.Highlight(ctx, style.def(), elements, !additive); err != nil {
		return fmt.Errorf("highlight %s: %w", name, err)
	}

	m.mu.Lock()
	set := m.members[name]
	if set == nil {
		set = make(scene.ElementsByModel)
		m.members[name] = set
	}
	for model, ids := range elements {
		set.Add(model, ids...)
	}
	m.mu.Unlock()
	return nil
}

// Clear removes the style from every element it touched.
func (m *Manager) Clear(ctx context.Context, name string) error {
	if _, ok := m.Style(name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStyle, name)
	}
	unlock := m.locks.Lock(name)
	defer unlock()
	return m.clearLocked(ctx, name)
}

func (m *Manager) clearLocked(ctx context.Context, name string) error {
	m.mu.RLock()
	set := m.members[name]
	m.mu.RUnlock()
	if set.Len() == 0 {
		return nil
	}

	if err := m.engine.ClearHighlight(ctx, name, nil); err != nil {
		return fmt.Errorf("clear %s: %w", name, err)
	}

	m.mu.Lock()
	delete(m.members, name)
	m.mu.Unlock()
	return nil
}

// ClearAllExcept clears every registered style not named in keep. Failures on one style do not stop
// the others; they are joined into the returned error.
func (m *Manager) ClearAllExcept(ctx context.Context, keep ...string) error {
	skip := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		skip[k] = struct{}{}
	}

	var errs []error
	for _, name := range m.Names() {
		if _, ok := skip[name]; ok {
			continue
		}
		if err := m.Clear(ctx, name); err != nil {
			m.log.Warn().Err(err).Str("style", name).Msg("clear style failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Members returns a copy of the elements carrying the style.
func (m *Manager) Members(name string) scene.ElementsByModel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.members[name].Clone()
}

// Forget drops membership entries of an unloaded model without touching the engine.
func (m *Manager) Forget(model scene.ModelID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, set := range m.members {
		delete(set, model)
	}
}

// keyedMutex hands out one mutex per key. Entries are reference counted and dropped when idle.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	e := k.locks[key]
	if e == nil {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
