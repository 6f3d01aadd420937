// Package geoprep prepares the source geometry of a filter request:
// CRS-aware buffering, homogenization of mixed collections, and grouping
// of source features by buffer distance.
package geoprep

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/project"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/expr"
	"github.com/mohammed-shakir/geofilter/internal/expr/bufexpr"
	"github.com/mohammed-shakir/geofilter/internal/host"
)

var (
	ErrEmpty          = errors.New("no source geometry")
	ErrUnsupportedCRS = errors.New("unsupported reprojection")
)

const (
	SRIDWGS84    = 4326
	SRIDMercator = 3857
)

var angularSRIDs = map[int]struct{}{
	4326: {}, 4269: {}, 4258: {}, 4283: {}, 4167: {}, 4674: {}, 4019: {}, 4047: {},
}

// Angular reports whether coordinates are in degrees.
func Angular(srid int, declared bool) bool {
	if declared {
		return true
	}
	_, ok := angularSRIDs[srid]
	return ok
}

// Buffer buffers g by distance. For an angular CRS the geometry is projected
// to Web Mercator, buffered by distance/cos(centroid latitude) so the result
// keeps its real-world size, and projected back. g is never modified.
func Buffer(e Engine, g orb.Geometry, distance float64, angular bool, segments int) (orb.Geometry, error) {
	if distance == 0 || g == nil {
		return orb.Clone(g), nil
	}
	if !angular {
		return e.Buffer(orb.Clone(g), distance, segments)
	}
	c, _ := planar.CentroidArea(g)
	scale := 1 / math.Cos(c.Lat()*math.Pi/180)
	m := project.Geometry(orb.Clone(g), project.WGS84.ToMercator)
	b, err := e.Buffer(m, distance*scale, segments)
	if err != nil {
		return nil, err
	}
	return project.Geometry(b, project.Mercator.ToWGS84), nil
}

// Reproject returns a copy of g in the target SRID. Only the WGS84 and Web
// Mercator pair is supported without an external projection library.
func Reproject(g orb.Geometry, from, to int) (orb.Geometry, error) {
	if g == nil {
		return nil, nil
	}
	out := orb.Clone(g)
	switch {
	case from == to || from <= 0 || to <= 0:
		return out, nil
	case from == SRIDWGS84 && to == SRIDMercator:
		return project.Geometry(out, project.WGS84.ToMercator), nil
	case from == SRIDMercator && to == SRIDWGS84:
		return project.Geometry(out, project.Mercator.ToWGS84), nil
	}
	return nil, fmt.Errorf("%w: EPSG:%d to EPSG:%d", ErrUnsupportedCRS, from, to)
}

// Part is source geometry sharing one buffer distance.
type Part struct {
	Geometry orb.Geometry
	Distance float64
}

// Source is the prepared source geometry of one request.
type Source struct {
	SRID       int
	Geographic bool
	Parts      []Part
	Features   int
}

// Literal renders the parts as WKT for SQL dialects, which buffer server-side.
func (s Source) Literal() expr.SourceLiteral {
	out := expr.SourceLiteral{SRID: s.SRID, Geographic: s.Geographic, Parts: make([]expr.LiteralPart, 0, len(s.Parts))}
	for _, p := range s.Parts {
		out.Parts = append(out.Parts, expr.LiteralPart{WKT: wkt.MarshalString(p.Geometry), Distance: p.Distance})
	}
	return out
}

// Preparer builds Sources from host features.
type Preparer struct {
	Engine Engine
	Log    *slog.Logger
}

func NewPreparer(e Engine, log *slog.Logger) *Preparer {
	if e == nil {
		e = PlanarEngine{}
	}
	return &Preparer{Engine: e, Log: log}
}

// Prepare groups features by buffer distance and homogenizes each group.
// Expression buffers are evaluated per feature.
func (p *Preparer) Prepare(feats []host.Feature, srid int, geographic bool, spec model.BufferSpec) (Source, error) {
	src := Source{SRID: srid, Geographic: Angular(srid, geographic), Features: len(feats)}
	if len(feats) == 0 {
		return src, ErrEmpty
	}

	var e *bufexpr.Expr
	if spec.Kind == model.BufferExpression {
		parsed, err := bufexpr.Parse(spec.Expression)
		if err != nil {
			return src, fmt.Errorf("%w: %w", expr.ErrBuild, err)
		}
		e = parsed
	}

	groups := map[float64][]orb.Geometry{}
	for _, f := range feats {
		if f.Geometry == nil {
			continue
		}
		var d float64
		switch {
		case e != nil:
			v, err := e.Distance(f.Attributes)
			if err != nil {
				return src, fmt.Errorf("%w: feature %d: %w", expr.ErrBuild, f.ID, err)
			}
			d = v
		case spec.Kind == model.BufferStatic:
			d = spec.Distance
		}
		groups[d] = append(groups[d], f.Geometry)
	}
	if len(groups) == 0 {
		return src, ErrEmpty
	}

	dists := make([]float64, 0, len(groups))
	for d := range groups {
		dists = append(dists, d)
	}
	slices.Sort(dists)
	for _, d := range dists {
		g, err := Homogenize(p.Log, groups[d])
		if err != nil {
			return src, err
		}
		src.Parts = append(src.Parts, Part{Geometry: g, Distance: d})
	}
	src.Parts = p.homogenizeParts(src.Parts)
	return src, nil
}

// effective is the dimension a part has once buffered: any non-zero buffer
// yields an area.
func effective(part Part) Dimension {
	if part.Distance != 0 {
		return DimArea
	}
	return DimensionOf(part.Geometry)
}

// homogenizeParts applies the polygon > line > point priority across all
// distance groups, so the union of the parts is single-typed.
func (p *Preparer) homogenizeParts(parts []Part) []Part {
	if len(parts) < 2 {
		return parts
	}
	dominant := DimPoint
	for _, part := range parts {
		dominant = max(dominant, effective(part))
	}
	kept := parts[:0:0]
	dropped := 0
	for _, part := range parts {
		if effective(part) != dominant {
			dropped += memberCount(part.Geometry)
			continue
		}
		kept = append(kept, part)
	}
	if dropped > 0 && p.Log != nil {
		p.Log.Warn("mixed buffer groups homogenized; discarded unbuffered members",
			"kept_type", dominant.String(), "discarded", dropped)
	}
	return kept
}

// Reference returns the buffered source as one geometry in targetSRID, for
// dialects that match client-side.
func (p *Preparer) Reference(src Source, targetSRID, segments int) (orb.Geometry, error) {
	if len(src.Parts) == 0 {
		return nil, ErrEmpty
	}
	pieces := make([]orb.Geometry, 0, len(src.Parts))
	for _, part := range src.Parts {
		b, err := Buffer(p.Engine, part.Geometry, part.Distance, src.Geographic, segments)
		if err != nil {
			return nil, err
		}
		pieces = append(pieces, b)
	}
	g := pieces[0]
	if len(pieces) > 1 {
		var err error
		if g, err = Homogenize(p.Log, pieces); err != nil {
			return nil, err
		}
	}
	return Reproject(g, src.SRID, targetSRID)
}
