package geoprep

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

var ErrUnsupported = errors.New("unsupported geometry operation")

// Engine performs planar geometry operations in a linear reference system.
type Engine interface {
	Buffer(g orb.Geometry, distance float64, segments int) (orb.Geometry, error)
}

// PlanarEngine buffers by decomposition: each vertex becomes a disc and each
// segment a rectangle, and polygons keep their interior. The union of the
// pieces is the buffer; members are not dissolved, so the result is a
// MultiPolygon whose parts may overlap. Negative distances are not supported.
type PlanarEngine struct{}

func (PlanarEngine) Buffer(g orb.Geometry, distance float64, segments int) (orb.Geometry, error) {
	if distance == 0 {
		return orb.Clone(g), nil
	}
	if distance < 0 {
		return nil, fmt.Errorf("%w: negative buffer distance %v", ErrUnsupported, distance)
	}
	if segments <= 0 {
		segments = 8
	}
	var out orb.MultiPolygon
	if err := decompose(g, distance, segments, &out); err != nil {
		return nil, err
	}
	if len(out) == 1 {
		return out[0], nil
	}
	return out, nil
}

func decompose(g orb.Geometry, d float64, segs int, out *orb.MultiPolygon) error {
	switch v := g.(type) {
	case orb.Point:
		*out = append(*out, disc(v, d, segs))
	case orb.MultiPoint:
		for _, p := range v {
			*out = append(*out, disc(p, d, segs))
		}
	case orb.LineString:
		strip([]orb.Point(v), d, segs, out)
	case orb.MultiLineString:
		for _, ls := range v {
			strip([]orb.Point(ls), d, segs, out)
		}
	case orb.Ring:
		strip([]orb.Point(v), d, segs, out)
	case orb.Polygon:
		if len(v) == 0 {
			return nil
		}
		*out = append(*out, v.Clone())
		for _, r := range v {
			strip([]orb.Point(r), d, segs, out)
		}
	case orb.MultiPolygon:
		for _, p := range v {
			if err := decompose(p, d, segs, out); err != nil {
				return err
			}
		}
	case orb.Collection:
		for _, c := range v {
			if err := decompose(c, d, segs, out); err != nil {
				return err
			}
		}
	case orb.Bound:
		return decompose(v.ToPolygon(), d, segs, out)
	default:
		return fmt.Errorf("%w: buffer of %T", ErrUnsupported, g)
	}
	return nil
}

// disc approximates a circle with 4*segs vertices, counter-clockwise.
func disc(c orb.Point, r float64, segs int) orb.Polygon {
	n := 4 * segs
	ring := make(orb.Ring, 0, n+1)
	for i := range n {
		a := 2 * math.Pi * float64(i) / float64(n)
		ring = append(ring, orb.Point{c[0] + r*math.Cos(a), c[1] + r*math.Sin(a)})
	}
	ring = append(ring, ring[0])
	return orb.Polygon{ring}
}

func strip(pts []orb.Point, d float64, segs int, out *orb.MultiPolygon) {
	seen := make(map[orb.Point]bool, len(pts))
	for i, p := range pts {
		if !seen[p] {
			seen[p] = true
			*out = append(*out, disc(p, d, segs))
		}
		if i == 0 {
			continue
		}
		a := pts[i-1]
		dx, dy := p[0]-a[0], p[1]-a[1]
		l := math.Hypot(dx, dy)
		if l == 0 {
			continue
		}
		nx, ny := -dy/l*d, dx/l*d
		*out = append(*out, orb.Polygon{orb.Ring{
			{a[0] - nx, a[1] - ny},
			{p[0] - nx, p[1] - ny},
			{p[0] + nx, p[1] + ny},
			{a[0] + nx, a[1] + ny},
			{a[0] - nx, a[1] - ny},
		}})
	}
}
