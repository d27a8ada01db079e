// Package overlaytest builds overlay contexts over an in-memory scene for component tests.
package overlaytest

import (
	"context"
	"io"
	"sync/atomic"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/rs/zerolog"

	"facility_viewer/core-go/internal/overlay"
	"facility_viewer/core-go/internal/scene"
	"facility_viewer/core-go/internal/scene/memscene"
)

// Model is the id of the fixture model.
const Model scene.ModelID = "ALB"

// Space describes one fixture room.
type Space struct {
	ID    scene.LocalID
	GUID  string
	Name  string
	Floor int // level index; each level is 3m tall
	X, Z  float64
}

// Rooms is the default fixture: four rooms on P01 (level 0) and three on P02 (level 1).
var Rooms = []Space{
	{ID: 101, GUID: "g-101", Name: "Consulta 1", Floor: 0, X: 0, Z: 0},
	{ID: 102, GUID: "g-102", Name: "Consulta 2", Floor: 0, X: 10, Z: 0},
	{ID: 103, GUID: "g-103", Name: "Sala espera", Floor: 0, X: 20, Z: 0},
	{ID: 104, GUID: "g-104", Name: "Magatzem", Floor: 0, X: 30, Z: 0},
	{ID: 201, GUID: "g-201", Name: "Quirofan 1", Floor: 1, X: 0, Z: 20},
	{ID: 202, GUID: "g-202", Name: "Quirofan 2", Floor: 1, X: 10, Z: 20},
	{ID: 203, GUID: "g-203", Name: "Despatx", Floor: 1, X: 20, Z: 20},
}

// Box is the 8x3x8 box of a room.
func Box(s Space) scene.Box {
	y := float64(s.Floor) * 3
	return scene.Box{
		Min: mgl64.Vec3{s.X, y, s.Z},
		Max: mgl64.Vec3{s.X + 8, y + 3, s.Z + 8},
	}
}

// Elements converts rooms into memscene elements.
func Elements(rooms []Space) []memscene.Element {
	out := make([]memscene.Element, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, memscene.Space(r.ID, r.GUID, r.Name, Box(r)))
	}
	return out
}

// New returns a context over a fresh engine loaded with Rooms.
func New(t testing.TB) (*overlay.Context, *memscene.Engine) {
	t.Helper()
	return NewWrapped(t, nil)
}

// NewWrapped is New with the engine seen by components replaced by wrap(engine). Tests use it to
// intercept engine calls.
func NewWrapped(t testing.TB, wrap func(*memscene.Engine) scene.Engine) (*overlay.Context, *memscene.Engine) {
	t.Helper()
	log := zerolog.New(io.Discard)
	bus := scene.NewBus(log)
	eng := memscene.New(bus)
	eng.LoadModel(Model, Elements(Rooms))

	var engine scene.Engine = eng
	if wrap != nil {
		engine = wrap(eng)
	}
	oc := overlay.New(log, engine, bus, nil, overlay.Options{})
	t.Cleanup(oc.Close)
	return oc, eng
}

// Gate blocks Models calls while armed so tests can interleave concurrent operations. Each blocked
// call sends on Entered and then waits for Release.
type Gate struct {
	*memscene.Engine
	Entered chan struct{}
	Release chan struct{}
	armed   atomic.Bool
}

func NewGate(eng *memscene.Engine) *Gate {
	return &Gate{Engine: eng, Entered: make(chan struct{}, 16), Release: make(chan struct{})}
}

func (g *Gate) Arm(on bool) { g.armed.Store(on) }

func (g *Gate) Models(ctx context.Context) ([]scene.ModelID, error) {
	if g.armed.Load() {
		g.Entered <- struct{}{}
		<-g.Release
	}
	return g.Engine.Models(ctx)
}

// Ref points at a fixture room of the default model.
func Ref(id scene.LocalID) scene.ElementRef {
	return scene.ElementRef{ModelID: Model, LocalID: id}
}

// Refs points at several fixture rooms in the order given.
func Refs(ids ...scene.LocalID) []scene.ElementRef {
	out := make([]scene.ElementRef, 0, len(ids))
	for _, id := range ids {
		out = append(out, Ref(id))
	}
	return out
}
