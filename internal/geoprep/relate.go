package geoprep

import (
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
)

// location of a point relative to a shape
type location int

const (
	exterior location = iota
	boundary
	interior
)

type shape struct {
	dim   Dimension
	pts   []orb.Point
	segs  [][2]orb.Point
	polys []orb.Polygon
	bound orb.Bound
	empty bool
}

func newShape(g orb.Geometry) shape {
	s := shape{empty: true}
	var walk func(orb.Geometry)
	addLine := func(ls []orb.Point) {
		for i, p := range ls {
			s.pts = append(s.pts, p)
			if i > 0 && ls[i-1] != p {
				s.segs = append(s.segs, [2]orb.Point{ls[i-1], p})
			}
		}
	}
	walk = func(g orb.Geometry) {
		switch v := g.(type) {
		case orb.Point:
			s.pts = append(s.pts, v)
		case orb.MultiPoint:
			s.pts = append(s.pts, v...)
		case orb.LineString:
			s.dim = max(s.dim, DimLine)
			addLine(v)
		case orb.MultiLineString:
			for _, ls := range v {
				walk(ls)
			}
		case orb.Ring:
			walk(orb.Polygon{v})
		case orb.Polygon:
			if len(v) == 0 {
				return
			}
			s.dim = DimArea
			s.polys = append(s.polys, v)
			for _, r := range v {
				addLine(r)
			}
		case orb.MultiPolygon:
			for _, p := range v {
				walk(p)
			}
		case orb.Bound:
			walk(v.ToPolygon())
		case orb.Collection:
			for _, c := range v {
				walk(c)
			}
		}
	}
	if g != nil {
		walk(g)
	}
	if len(s.pts) > 0 {
		s.empty = false
		s.bound = orb.MultiPoint(s.pts).Bound()
	}
	return s
}

// samples are the vertices and edge midpoints of a shape.
func (s shape) samples() []orb.Point {
	out := make([]orb.Point, 0, len(s.pts)+len(s.segs))
	out = append(out, s.pts...)
	for _, sg := range s.segs {
		out = append(out, orb.Point{(sg[0][0] + sg[1][0]) / 2, (sg[0][1] + sg[1][1]) / 2})
	}
	return out
}

func (s shape) locate(p orb.Point) location {
	for _, sg := range s.segs {
		if onSegment(p, sg[0], sg[1]) {
			if s.dim == DimArea {
				return boundary
			}
			return interior
		}
	}
	switch s.dim {
	case DimArea:
		for _, poly := range s.polys {
			if ringContains(poly[0], p) {
				inHole := false
				for _, h := range poly[1:] {
					if ringContains(h, p) {
						inHole = true
						break
					}
				}
				if !inHole {
					return interior
				}
			}
		}
	case DimPoint:
		for _, q := range s.pts {
			if q == p {
				return interior
			}
		}
	}
	return exterior
}

// Relate evaluates pred with candidate a as the first operand and reference
// b as the second, in planar coordinates. Results are exact for points and
// polygon containment; boundary-only contact between curved buffers is
// resolved on vertices and edge midpoints.
func Relate(pred model.Predicate, a, b orb.Geometry) bool {
	sa, sb := newShape(a), newShape(b)
	if sa.empty || sb.empty {
		return pred == model.Disjoint
	}
	switch pred {
	case model.Intersects:
		return intersects(sa, sb)
	case model.Disjoint:
		return !intersects(sa, sb)
	case model.Within:
		return within(sa, sb)
	case model.Contains:
		return within(sb, sa)
	case model.Touches:
		return intersects(sa, sb) && !interiorsMeet(sa, sb)
	case model.Crosses:
		return crosses(sa, sb)
	case model.Overlaps:
		return sa.dim == sb.dim && interiorsMeet(sa, sb) &&
			anyAt(sa, sb, exterior) && anyAt(sb, sa, exterior)
	}
	return false
}

// RelateAny reports whether any of preds holds.
func RelateAny(preds []model.Predicate, a, b orb.Geometry) bool {
	for _, p := range preds {
		if Relate(p, a, b) {
			return true
		}
	}
	return false
}

func intersects(a, b shape) bool {
	if !a.bound.Intersects(b.bound) {
		return false
	}
	for _, p := range a.pts {
		if b.locate(p) != exterior {
			return true
		}
	}
	for _, p := range b.pts {
		if a.locate(p) != exterior {
			return true
		}
	}
	for _, s := range a.segs {
		for _, t := range b.segs {
			if segmentsIntersect(s[0], s[1], t[0], t[1]) {
				return true
			}
		}
	}
	return false
}

func within(a, b shape) bool {
	if !b.bound.Contains(a.bound.Min) || !b.bound.Contains(a.bound.Max) {
		return false
	}
	if a.dim > b.dim {
		return false
	}
	inner := false
	for _, p := range a.samples() {
		switch b.locate(p) {
		case exterior:
			return false
		case interior:
			inner = true
		}
	}
	if !inner {
		return false
	}
	// an edge of a leaving b between samples shows up as a proper crossing
	return !properCrossing(a, b) || b.dim < DimArea
}

func interiorsMeet(a, b shape) bool {
	if anyAt(a, b, interior) || anyAt(b, a, interior) {
		return true
	}
	if a.dim == DimLine && b.dim == DimLine {
		return properCrossing(a, b)
	}
	return properCrossing(a, b) && (a.dim == DimArea || b.dim == DimArea)
}

func crosses(a, b shape) bool {
	switch {
	case a.dim == DimLine && b.dim == DimLine:
		return properCrossing(a, b)
	case a.dim < b.dim:
		return anyAt(a, b, interior) && anyAt(a, b, exterior)
	case a.dim > b.dim:
		return anyAt(b, a, interior) && anyAt(b, a, exterior)
	}
	return false
}

// anyAt reports whether some sample of a lies at loc relative to b.
func anyAt(a, b shape, loc location) bool {
	for _, p := range a.samples() {
		if b.locate(p) == loc {
			return true
		}
	}
	return false
}

func properCrossing(a, b shape) bool {
	for _, s := range a.segs {
		for _, t := range b.segs {
			o1 := orient(s[0], s[1], t[0])
			o2 := orient(s[0], s[1], t[1])
			o3 := orient(t[0], t[1], s[0])
			o4 := orient(t[0], t[1], s[1])
			if o1*o2 < 0 && o3*o4 < 0 {
				return true
			}
		}
	}
	return false
}

func orient(a, b, c orb.Point) float64 {
	v := (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func onSegment(p, a, b orb.Point) bool {
	if orient(a, b, p) != 0 {
		return false
	}
	return min(a[0], b[0]) <= p[0] && p[0] <= max(a[0], b[0]) &&
		min(a[1], b[1]) <= p[1] && p[1] <= max(a[1], b[1])
}

func segmentsIntersect(a, b, c, d orb.Point) bool {
	o1, o2 := orient(a, b, c), orient(a, b, d)
	o3, o4 := orient(c, d, a), orient(c, d, b)
	if o1*o2 < 0 && o3*o4 < 0 {
		return true
	}
	return onSegment(c, a, b) || onSegment(d, a, b) || onSegment(a, c, d) || onSegment(b, c, d)
}

// ringContains is an even-odd ray cast; points on the ring are handled by the caller.
func ringContains(r orb.Ring, p orb.Point) bool {
	in := false
	for i, j := 0, len(r)-1; i < len(r); j, i = i, i+1 {
		a, b := r[i], r[j]
		if (a[1] > p[1]) != (b[1] > p[1]) &&
			p[0] < (b[0]-a[0])*(p[1]-a[1])/(b[1]-a[1])+a[0] {
			in = !in
		}
	}
	return in
}
