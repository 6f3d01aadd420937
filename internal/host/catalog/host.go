package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/geofilter/internal/backend"
	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/geoprep"
	"github.com/mohammed-shakir/geofilter/internal/host"
)

type Options struct {
	// H3Res is the cell resolution of point indexes; negative disables them.
	H3Res int
	Store Store
	Conns *backend.Connections
	Log   *slog.Logger
}

// Host serves the layers of a catalog.
type Host struct {
	cat   *Catalog
	store Store
	conns *backend.Connections
	eval  *evaluator
	h3res int
	log   *slog.Logger

	mu      sync.Mutex
	feats   map[string][]host.Feature
	indexes map[string]*pointIndex
	busy    map[string]bool
}

var _ host.Host = (*Host)(nil)

func New(cat *Catalog, opts Options) (*Host, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Conns == nil {
		opts.Conns = backend.NewConnections(opts.Log)
	}
	ev, err := newEvaluator()
	if err != nil {
		return nil, err
	}
	return &Host{
		cat:     cat,
		store:   opts.Store,
		conns:   opts.Conns,
		eval:    ev,
		h3res:   opts.H3Res,
		log:     opts.Log.With("component", "catalog"),
		feats:   map[string][]host.Feature{},
		indexes: map[string]*pointIndex{},
		busy:    map[string]bool{},
	}, nil
}

func (h *Host) Close() error { return h.eval.Close() }

// SetBusy marks a layer as being edited; non-forced applies fail with
// host.ErrLayerBusy until it is cleared.
func (h *Host) SetBusy(id string, busy bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if busy {
		h.busy[id] = true
	} else {
		delete(h.busy, id)
	}
}

func (h *Host) Layer(_ context.Context, id string) (host.LayerInfo, error) {
	l, err := h.cat.layer(id)
	if err != nil {
		return host.LayerInfo{}, err
	}
	return l.info(), nil
}

// Layers lists the catalog in file order.
func (h *Host) Layers() []host.LayerInfo {
	out := make([]host.LayerInfo, 0, len(h.cat.Layers))
	for _, l := range h.cat.Layers {
		out = append(out, l.info())
	}
	return out
}

// Readiness reports whether the filter-state store answers, and the ids of
// the layers served.
func (h *Host) Readiness(ctx context.Context) (bool, []string) {
	if p, ok := h.store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			h.log.WarnContext(ctx, "filter state store not ready", "err", err)
			return false, nil
		}
	}
	ids := make([]string, 0, len(h.cat.Layers))
	for _, l := range h.cat.Layers {
		ids = append(ids, l.ID)
	}
	return true, ids
}

// memory returns the features of a GeoJSON layer, read once and mirrored
// into the evaluator.
func (h *Host) memory(ctx context.Context, l *LayerSpec) ([]host.Feature, error) {
	h.mu.Lock()
	feats, ok := h.feats[l.ID]
	h.mu.Unlock()
	if ok {
		return feats, nil
	}
	path, _ := backend.FileSource(l.Source)
	feats, err := readGeoJSON(path, l.PrimaryKey)
	if err != nil {
		return nil, err
	}
	if err := h.eval.load(ctx, l.ID, idField(l), feats); err != nil {
		return nil, err
	}
	var idx *pointIndex
	if h.h3res >= 0 && geoprep.Angular(l.SRID, l.Geographic) {
		if idx, err = newPointIndex(feats, h.h3res); err != nil {
			h.log.WarnContext(ctx, "point index unavailable", "layer", l.ID, "err", err)
			idx = nil
		}
	}
	h.mu.Lock()
	h.feats[l.ID] = feats
	if idx != nil {
		h.indexes[l.ID] = idx
	}
	h.mu.Unlock()
	return feats, nil
}

func (h *Host) Features(ctx context.Context, id string, ids []int64) ([]host.Feature, error) {
	l, err := h.cat.layer(id)
	if err != nil {
		return nil, err
	}
	filter := ""
	if len(ids) == 0 {
		if filter, err = h.store.Get(ctx, id); err != nil {
			return nil, err
		}
	}
	switch kindOf(l) {
	case kindSQLite:
		return h.readSQLite(ctx, l, ids, filter)
	case kindPostgres:
		return h.readPostgres(ctx, l, ids, filter)
	}

	all, err := h.memory(ctx, l)
	if err != nil {
		return nil, err
	}
	var keep []int64
	switch {
	case len(ids) > 0:
		keep = slices.Clone(ids)
		slices.Sort(keep)
	case strings.TrimSpace(filter) != "":
		if keep, err = h.eval.ids(ctx, id, idField(l), filter); err != nil {
			return nil, err
		}
	default:
		return all, nil
	}
	out := make([]host.Feature, 0, len(keep))
	for _, f := range all {
		if _, ok := slices.BinarySearch(keep, f.ID); ok {
			out = append(out, f)
		}
	}
	return out, nil
}

// all reads every feature, ignoring the current filter.
func (h *Host) all(ctx context.Context, l *LayerSpec) ([]host.Feature, error) {
	switch kindOf(l) {
	case kindSQLite:
		return h.readSQLite(ctx, l, nil, "")
	case kindPostgres:
		return h.readPostgres(ctx, l, nil, "")
	}
	return h.memory(ctx, l)
}

// MatchingIDs tests every candidate feature client-side. Point layers with
// an index only test features in cells near ref, unless disjoint is asked.
func (h *Host) MatchingIDs(ctx context.Context, id string, ref orb.Geometry, preds []model.Predicate) ([]int64, error) {
	l, err := h.cat.layer(id)
	if err != nil {
		return nil, err
	}
	feats, err := h.all(ctx, l)
	if err != nil {
		return nil, err
	}

	candidates := make([]int, 0, len(feats))
	h.mu.Lock()
	idx := h.indexes[id]
	h.mu.Unlock()
	if idx != nil && ref != nil && !slices.Contains(preds, model.Disjoint) {
		candidates = idx.candidates(ref.Bound())
	} else {
		for i := range feats {
			candidates = append(candidates, i)
		}
	}

	var out []int64
	for _, i := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f := feats[i]
		if f.Geometry != nil && geoprep.RelateAny(preds, f.Geometry, ref) {
			out = append(out, f.ID)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (h *Host) CurrentFilter(ctx context.Context, id string) (string, error) {
	if _, err := h.cat.layer(id); err != nil {
		return "", err
	}
	return h.store.Get(ctx, id)
}

func (h *Host) ApplyFilter(ctx context.Context, id, expression string, force bool) error {
	if _, err := h.cat.layer(id); err != nil {
		return err
	}
	h.mu.Lock()
	busy := h.busy[id]
	h.mu.Unlock()
	if busy && !force {
		return host.ErrLayerBusy
	}
	if busy {
		h.log.WarnContext(ctx, "forcing filter onto busy layer", "layer", id)
	}
	if err := h.store.Set(ctx, id, expression); err != nil {
		return fmt.Errorf("store filter: %w", err)
	}
	return nil
}

// Reload drops the cached features, point index and evaluator table of a
// layer so the next read goes back to its source.
func (h *Host) Reload(ctx context.Context, id string) error {
	if _, err := h.cat.layer(id); err != nil {
		return err
	}
	h.mu.Lock()
	delete(h.feats, id)
	delete(h.indexes, id)
	h.mu.Unlock()
	return h.eval.drop(ctx, id)
}

// History returns previously applied filters, newest first.
func (h *Host) History(ctx context.Context, id string) ([]string, error) {
	if _, err := h.cat.layer(id); err != nil {
		return nil, err
	}
	return h.store.History(ctx, id)
}

func (h *Host) FeatureCount(ctx context.Context, id string) (int64, error) {
	l, err := h.cat.layer(id)
	if err != nil {
		return 0, err
	}
	if kindOf(l) != kindGeoJSON {
		feats, err := h.Features(ctx, id, nil)
		return int64(len(feats)), err
	}
	feats, err := h.memory(ctx, l)
	if err != nil {
		return 0, err
	}
	filter, err := h.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(filter) == "" {
		return int64(len(feats)), nil
	}
	return h.eval.count(ctx, id, filter)
}
