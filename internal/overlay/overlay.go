// Package overlay holds the shared scene state every viewer component works against.
package overlay

import (
	"errors"

	"github.com/rs/zerolog"

	"facility_viewer/core-go/internal/highlight"
	"facility_viewer/core-go/internal/metrics"
	"facility_viewer/core-go/internal/resolver"
	"facility_viewer/core-go/internal/scene"
)

// Context is created once per viewer session and passed by pointer to each component. The style
// registry and the engine's visibility set are only reached through it.
type Context struct {
	Engine   scene.Engine
	Bus      *scene.Bus
	Resolver *resolver.Resolver
	Styles   *highlight.Manager
	Metrics  *metrics.Metrics
	Log      zerolog.Logger

	dispose func()
}

type Options struct {
	Styles       []highlight.Style
	Categories   []string
	ModelWorkers int
}

// New wires a resolver and a style manager around engine. Built-in styles are registered first so
// opts.Styles can override them.
func New(log zerolog.Logger, engine scene.Engine, bus *scene.Bus, m *metrics.Metrics, opts Options) *Context {
	styles := append(highlight.DefaultStyles(), opts.Styles...)
	oc := &Context{
		Engine: engine,
		Bus:    bus,
		Resolver: resolver.New(log, engine, bus, m, resolver.Options{
			Categories:   opts.Categories,
			ModelWorkers: opts.ModelWorkers,
		}),
		Styles:  highlight.New(log, engine, styles...),
		Metrics: m,
		Log:     log,
	}
	if bus != nil {
		oc.dispose = bus.Subscribe(scene.TopicModelUnloaded, func(ev scene.Event) { oc.Styles.Forget(ev.ModelID) })
	}
	return oc
}

// Close releases the context's bus subscriptions.
func (c *Context) Close() {
	if c == nil {
		return
	}
	if c.dispose != nil {
		c.dispose()
	}
	if c.Resolver != nil {
		c.Resolver.Close()
	}
}

// EngineError logs and counts an engine failure at the boundary where it is swallowed. A not-ready
// engine is expected during startup and is logged at debug.
func (c *Context) EngineError(component, op string, err error) {
	c.Metrics.IncEngineError(component, op)
	ev := c.Log.Warn()
	if errors.Is(err, scene.ErrEngineNotReady) {
		ev = c.Log.Debug()
	}
	ev.Err(err).Str("component", component).Str("op", op).Msg("engine call skipped")
}
