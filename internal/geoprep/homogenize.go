package geoprep

import (
	"log/slog"

	"github.com/paulmach/orb"
)

// Dimension orders member types by homogenization priority.
type Dimension int

const (
	DimPoint Dimension = iota
	DimLine
	DimArea
)

func (d Dimension) String() string {
	switch d {
	case DimArea:
		return "polygon"
	case DimLine:
		return "line"
	}
	return "point"
}

// Homogenize collects geoms into a single-type multi-geometry. The dominant
// member type is chosen by priority polygon > line > point and members of
// other types are discarded with a warning. Inputs are copied, never modified.
func Homogenize(log *slog.Logger, geoms []orb.Geometry) (orb.Geometry, error) {
	var (
		points orb.MultiPoint
		lines  orb.MultiLineString
		polys  orb.MultiPolygon
	)
	var walk func(orb.Geometry)
	walk = func(g orb.Geometry) {
		switch v := g.(type) {
		case orb.Point:
			points = append(points, v)
		case orb.MultiPoint:
			points = append(points, v.Clone()...)
		case orb.LineString:
			lines = append(lines, v.Clone())
		case orb.MultiLineString:
			lines = append(lines, v.Clone()...)
		case orb.Ring:
			polys = append(polys, orb.Polygon{v.Clone()})
		case orb.Polygon:
			polys = append(polys, v.Clone())
		case orb.MultiPolygon:
			polys = append(polys, v.Clone()...)
		case orb.Bound:
			polys = append(polys, v.ToPolygon())
		case orb.Collection:
			for _, c := range v {
				walk(c)
			}
		}
	}
	for _, g := range geoms {
		if g != nil {
			walk(g)
		}
	}

	var (
		out       orb.Geometry
		dominant  Dimension
		discarded = map[Dimension]int{}
	)
	switch {
	case len(polys) > 0:
		out, dominant = polys, DimArea
		discarded[DimLine], discarded[DimPoint] = len(lines), len(points)
	case len(lines) > 0:
		out, dominant = lines, DimLine
		discarded[DimPoint] = len(points)
	case len(points) > 0:
		out, dominant = points, DimPoint
	default:
		return nil, ErrEmpty
	}

	if n := discarded[DimLine] + discarded[DimPoint]; n > 0 && log != nil {
		log.Warn("mixed geometry collection homogenized; discarded members",
			"kept_type", dominant.String(),
			"kept", memberCount(out),
			"discarded", n,
			"discarded_lines", discarded[DimLine],
			"discarded_points", discarded[DimPoint])
	}
	return out, nil
}

// DimensionOf reports the dimension of a homogenized geometry.
func DimensionOf(g orb.Geometry) Dimension {
	switch g.(type) {
	case orb.Polygon, orb.MultiPolygon, orb.Ring, orb.Bound:
		return DimArea
	case orb.LineString, orb.MultiLineString:
		return DimLine
	}
	return DimPoint
}

func memberCount(g orb.Geometry) int {
	switch v := g.(type) {
	case orb.MultiPolygon:
		return len(v)
	case orb.MultiLineString:
		return len(v)
	case orb.MultiPoint:
		return len(v)
	}
	return 1
}
