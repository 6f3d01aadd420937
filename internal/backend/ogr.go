package backend

import (
	"context"
	"fmt"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/expr"
	"github.com/mohammed-shakir/geofilter/internal/expr/ogr"
	"github.com/mohammed-shakir/geofilter/internal/geoprep"
	"github.com/mohammed-shakir/geofilter/internal/host"
)

func init() {
	Register(model.DialectOGR, func(d Deps) Handle {
		return &ogrHandle{deps: d}
	})
}

// ogrHandle serves generic file layers. Matching happens client-side
// through the host and is emitted as a compressed id set.
type ogrHandle struct {
	deps Deps
}

func (h *ogrHandle) Dialect() model.Dialect { return model.DialectOGR }

func (h *ogrHandle) Supports(host.LayerInfo) error { return nil }

func (h *ogrHandle) Describe(_ context.Context, info host.LayerInfo) (model.LayerDescriptor, error) {
	path, layer := FileSource(info.Source)
	d := model.LayerDescriptor{
		ID:             info.ID,
		Name:           info.Name,
		Provider:       info.Provider,
		Source:         info.Source,
		Dialect:        model.DialectOGR,
		ConnectionKey:  "file:" + absPath(path),
		Table:          firstNonEmpty(info.Table, layer),
		GeometryColumn: info.GeometryColumn,
		SRID:           info.SRID,
		Geographic:     geoprep.Angular(info.SRID, info.Geographic),
		RowIdentity:    model.RowIdentity{Field: ogr.DefaultIDField, Kind: model.RowIDSynthesized},
	}
	if info.PrimaryKey != "" {
		d.RowIdentity = declaredIdentity(info.PrimaryKey, fieldType(info, info.PrimaryKey))
	}
	return d, nil
}

// Prepare buffers the source once, in the source SRID.
func (h *ogrHandle) Prepare(_ context.Context, plan *Plan) (Prepared, error) {
	if h.deps.Preparer == nil {
		return Prepared{}, fmt.Errorf("%w: no geometry preparer", expr.ErrBuild)
	}
	g, err := h.deps.Preparer.Reference(plan.Prepared, plan.Prepared.SRID, plan.Segments(h.deps.Options))
	if err != nil {
		return Prepared{}, fmt.Errorf("%w: %w", expr.ErrBuild, err)
	}
	return Prepared{Dialect: model.DialectOGR, Geometry: g}, nil
}

func (h *ogrHandle) Expression(ctx context.Context, plan *Plan, prep Prepared, t Target) (string, error) {
	opts := h.deps.Options.IDSet
	if t.IsSource {
		return ogr.IDFilter(t.Layer.RowIdentity, plan.SourceIDs, opts), nil
	}
	ref, err := geoprep.Reproject(prep.Geometry, plan.Prepared.SRID, t.Layer.SRID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", expr.ErrBuild, err)
	}
	ids, err := h.deps.Host.MatchingIDs(ctx, t.Layer.ID, ref, plan.Request.Predicates)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExecution, err)
	}
	return ogr.IDFilter(t.Layer.RowIdentity, ids, opts), nil
}

func (h *ogrHandle) Combine(_ Target, current, next string, op model.CombineOp) (string, error) {
	return ogr.Combine(current, next, op), nil
}

func (h *ogrHandle) Apply(ctx context.Context, t Target, expression string, force bool) error {
	return applyViaHost(ctx, h.deps.Host, t, expression, force)
}
