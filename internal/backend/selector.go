package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/core/observability"
	"github.com/mohammed-shakir/geofilter/internal/host"
)

const defaultHintSize = 1024

// Selector resolves the handle serving a layer from its live signature.
// Previous classifications are kept only as hints.
type Selector struct {
	deps     Deps
	log      *slog.Logger
	hints    *lru.Cache[string, model.Dialect]
	driverOK func(string) bool

	mu      sync.Mutex
	handles map[model.Dialect]Handle
}

func NewSelector(deps Deps, hintSize int) (*Selector, error) {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if hintSize <= 0 {
		hintSize = defaultHintSize
	}
	hints, err := lru.New[string, model.Dialect](hintSize)
	if err != nil {
		return nil, fmt.Errorf("hint cache: %w", err)
	}
	return &Selector{
		deps:     deps,
		log:      deps.Log,
		hints:    hints,
		driverOK: DriverAvailable,
		handles:  map[model.Dialect]Handle{},
	}, nil
}

// Handle returns the shared handle for a dialect.
func (s *Selector) Handle(d model.Dialect) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[d]; ok {
		return h, nil
	}
	h, err := New(d, s.deps)
	if err != nil {
		return nil, err
	}
	s.handles[d] = h
	return h, nil
}

// Use installs h as the handle for its dialect in place of the registered
// factory.
func (s *Selector) Use(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[h.Dialect()] = h
}

// Detect classifies a layer by provider, connection string, file extension
// and file header.
func (s *Selector) Detect(ctx context.Context, info host.LayerInfo) (model.Dialect, string) {
	prov := strings.ToLower(strings.TrimSpace(info.Provider))
	if isPGProvider(prov) || LooksLikePostgres(info.Source) {
		if !s.driverOK(driverPostgres) {
			s.log.WarnContext(ctx, "networked database driver unavailable; degrading to ogr",
				"layer", info.ID, "driver", driverPostgres)
			return model.DialectOGR, "driver_unavailable"
		}
		return model.DialectPostgres, "signature"
	}
	switch prov {
	case "spatialite", "sqlite", "gpkg", "geopackage":
		return model.DialectSpatialite, "provider"
	}
	path, _ := FileSource(info.Source)
	if ok, why := IsSQLiteFile(path); ok {
		return model.DialectSpatialite, why
	}
	return model.DialectOGR, "fallback"
}

// Select resolves the handle and descriptor for a layer. A forced override
// is always honored, even when the handle's own check rejects the layer.
func (s *Selector) Select(ctx context.Context, info host.LayerInfo, override *model.Dialect) (Handle, model.LayerDescriptor, error) {
	if override != nil && *override != model.DialectUnknown {
		h, err := s.Handle(*override)
		if err != nil {
			return nil, model.LayerDescriptor{}, err
		}
		if err := h.Supports(info); err != nil {
			s.log.WarnContext(ctx, "forced backend override rejected by support check; honoring override",
				"layer", info.ID, "dialect", string(h.Dialect()), "err", err)
		}
		observability.IncBackendSelection(string(h.Dialect()), "forced")
		d, err := h.Describe(ctx, info)
		d.Dialect = h.Dialect()
		d.Forced = true
		return h, d, err
	}

	dialect, reason := s.Detect(ctx, info)
	if hint, ok := s.hints.Get(info.ID); ok && hint != dialect {
		s.log.InfoContext(ctx, "stale classification hint; using live signature",
			"layer", info.ID, "hint", string(hint), "live", string(dialect))
	}
	s.hints.Add(info.ID, dialect)
	observability.IncBackendSelection(string(dialect), reason)

	h, err := s.Handle(dialect)
	if err != nil {
		return nil, model.LayerDescriptor{}, err
	}
	d, err := h.Describe(ctx, info)
	return h, d, err
}

// Resolve selects and checks a descriptor; fields still missing after
// introspection are reported as ErrUnresolved.
func (s *Selector) Resolve(ctx context.Context, info host.LayerInfo, override *model.Dialect) (Handle, model.LayerDescriptor, error) {
	h, d, err := s.Select(ctx, info, override)
	if err != nil {
		if errors.Is(err, ErrUnresolved) {
			return h, d, err
		}
		return h, d, fmt.Errorf("%w: %v", ErrUnresolved, err)
	}
	if missing := d.Missing(); len(missing) > 0 {
		return h, d, fmt.Errorf("%w: %s missing %s", ErrUnresolved, d.ID, strings.Join(missing, ", "))
	}
	return h, d, nil
}

// Hint returns the cached classification of a layer, if any.
func (s *Selector) Hint(layerID string) (model.Dialect, bool) {
	return s.hints.Get(layerID)
}
