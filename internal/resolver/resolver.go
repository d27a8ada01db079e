// Package resolver maps backend GUIDs to the local element ids of loaded models and back.
//
// Every method degrades instead of failing: engine errors are logged and counted, and callers get
// whatever part of the mapping could be built. A GUID missing from a result means "skip it".
package resolver

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"facility_viewer/core-go/internal/metrics"
	"facility_viewer/core-go/internal/scene"
)

type Options struct {
	// Categories scanned for spatial elements. Defaults to IFCSPACE.
	Categories []string
	// GUIDAttribute names the attribute holding the backend GUID. Defaults to GlobalId.
	GUIDAttribute string
	// ModelWorkers bounds concurrent per-model resolution in ResolveAll.
	ModelWorkers int
}

type index struct {
	byGUID  map[string]scene.LocalID
	byLocal map[scene.LocalID]string
}

type Resolver struct {
	log        zerolog.Logger
	catalog    scene.Catalog
	metrics    *metrics.Metrics
	categories []string
	guidAttr   string
	workers    int

	builds singleflight.Group

	mu         sync.RWMutex
	cache      map[scene.ModelID]*index
	generation map[scene.ModelID]uint64

	disposers []func()
}

// New builds a resolver. When bus is non-nil the per-model cache is dropped on model load/unload.
func New(log zerolog.Logger, catalog scene.Catalog, bus *scene.Bus, m *metrics.Metrics, opts Options) *Resolver {
	categories := make([]string, 0, len(opts.Categories))
	for _, c := range opts.Categories {
		if c = strings.TrimSpace(c); c != "" {
			categories = append(categories, c)
		}
	}
	if len(categories) == 0 {
		categories = []string{scene.CategorySpace}
	}
	guidAttr := strings.TrimSpace(opts.GUIDAttribute)
	if guidAttr == "" {
		guidAttr = scene.AttrGlobalID
	}
	workers := opts.ModelWorkers
	if workers <= 0 {
		workers = 4
	}

	r := &Resolver{
		log:        log.With().Str("component", "resolver").Logger(),
		catalog:    catalog,
		metrics:    m,
		categories: categories,
		guidAttr:   guidAttr,
		workers:    workers,
		cache:      make(map[scene.ModelID]*index),
		generation: make(map[scene.ModelID]uint64),
	}

	if bus != nil {
		invalidate := func(ev scene.Event) { r.Invalidate(ev.ModelID) }
		r.disposers = append(r.disposers,
			bus.Subscribe(scene.TopicModelLoaded, invalidate),
			bus.Subscribe(scene.TopicModelUnloaded, invalidate),
		)
	}
	return r
}

// Close detaches the resolver from the bus.
func (r *Resolver) Close() {
	for _, d := range r.disposers {
		d()
	}
	r.disposers = nil
}

// Invalidate drops the cached index of a model.
func (r *Resolver) Invalidate(model scene.ModelID) {
	r.mu.Lock()
	delete(r.cache, model)
	r.generation[model]++
	r.mu.Unlock()
}

// ResolveLocalIDs maps guids to local ids of one model. Unresolved GUIDs are omitted.
func (r *Resolver) ResolveLocalIDs(ctx context.Context, model scene.ModelID, guids []string) map[string]scene.LocalID {
	out := make(map[string]scene.LocalID, len(guids))
	if len(guids) == 0 {
		return out
	}

	idx, ok := r.index(ctx, model)
	if !ok {
		return out
	}
	for _, g := range guids {
		if id, ok := idx.byGUID[g]; ok {
			out[g] = id
		}
	}
	return out
}

// ReverseResolve returns the GUID of each local id in order, "" where unknown.
func (r *Resolver) ReverseResolve(ctx context.Context, model scene.ModelID, ids []scene.LocalID) []string {
	out := make([]string, len(ids))
	if len(ids) == 0 {
		return out
	}

	idx, ok := r.index(ctx, model)
	if !ok {
		return out
	}
	for i, id := range ids {
		out[i] = idx.byLocal[id]
	}
	return out
}

// GUIDOf reverse-resolves a single element.
func (r *Resolver) GUIDOf(ctx context.Context, ref scene.ElementRef) (string, bool) {
	g := r.ReverseResolve(ctx, ref.ModelID, []scene.LocalID{ref.LocalID})[0]
	return g, g != ""
}

// ResolveAll resolves guids against every loaded model. GUIDs found in no model are counted as
// resolution misses.
func (r *Resolver) ResolveAll(ctx context.Context, guids []string) scene.ElementsByModel {
	out, _ := r.ResolveAllFound(ctx, guids)
	return out
}

// ResolveAllFound is ResolveAll that also reports which GUIDs resolved.
func (r *Resolver) ResolveAllFound(ctx context.Context, guids []string) (scene.ElementsByModel, map[string]struct{}) {
	out := make(scene.ElementsByModel)
	found := make(map[string]struct{}, len(guids))
	guids = dedupe(guids)
	if len(guids) == 0 {
		return out, found
	}

	models, err := r.catalog.Models(ctx)
	if err != nil {
		r.engineError(err, "models")
		return out, found
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(r.workers)
	for _, model := range models {
		g.Go(func() error {
			hits := r.ResolveLocalIDs(ctx, model, guids)
			if len(hits) == 0 {
				return nil
			}
			ids := make([]scene.LocalID, 0, len(hits))
			for _, guid := range guids {
				if id, ok := hits[guid]; ok {
					ids = append(ids, id)
				}
			}
			mu.Lock()
			out.Add(model, ids...)
			for guid := range hits {
				found[guid] = struct{}{}
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if misses := len(guids) - len(found); misses > 0 {
		r.metrics.AddResolutionMisses(misses)
		r.log.Debug().Int("requested", len(guids)).Int("misses", misses).Msg("guids without a loaded element")
	}
	return out, found
}

// FindGUID locates one GUID across loaded models.
func (r *Resolver) FindGUID(ctx context.Context, guid string) (scene.ElementRef, bool) {
	set := r.ResolveAll(ctx, []string{guid})
	refs := set.Refs()
	if len(refs) == 0 {
		return scene.ElementRef{}, false
	}
	return refs[0], true
}

func (r *Resolver) index(ctx context.Context, model scene.ModelID) (*index, bool) {
	r.mu.RLock()
	idx, ok := r.cache[model]
	gen := r.generation[model]
	r.mu.RUnlock()
	if ok {
		return idx, true
	}

	v, err, _ := r.builds.Do(string(model), func() (any, error) {
		return r.build(ctx, model)
	})
	if err != nil {
		r.engineError(err, "index")
		return nil, false
	}
	idx = v.(*index)

	r.mu.Lock()
	if r.generation[model] == gen {
		r.cache[model] = idx
	}
	r.mu.Unlock()
	return idx, true
}

// build runs one category scan and one batch attribute fetch for the model.
func (r *Resolver) build(ctx context.Context, model scene.ModelID) (*index, error) {
	ids, err := r.catalog.ElementsOfCategories(ctx, model, r.categories)
	if err != nil {
		return nil, err
	}
	attrs, err := r.catalog.Attributes(ctx, model, ids, []string{r.guidAttr})
	if err != nil {
		return nil, err
	}

	idx := &index{
		byGUID:  make(map[string]scene.LocalID, len(ids)),
		byLocal: make(map[scene.LocalID]string, len(ids)),
	}
	for _, id := range ids {
		guid, ok := attrs[id].String(r.guidAttr)
		if !ok {
			continue
		}
		if _, dup := idx.byGUID[guid]; !dup {
			idx.byGUID[guid] = id
		}
		idx.byLocal[id] = guid
	}
	r.log.Debug().Str("model", string(model)).Int("elements", len(ids)).Int("guids", len(idx.byGUID)).Msg("spatial index built")
	return idx, nil
}

func (r *Resolver) engineError(err error, op string) {
	r.metrics.IncEngineError("resolver", op)
	r.log.Warn().Err(err).Str("op", op).Msg("resolver degraded")
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
