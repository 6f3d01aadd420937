package catalog

import (
	"fmt"

	"github.com/paulmach/orb"
	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/geofilter/internal/host"
)

// pointIndex buckets point features of a geographic layer by H3 cell. A
// query keeps every cell whose padded boundary box meets the query bound,
// so no point inside the bound is ever pruned.
type pointIndex struct {
	res   int
	cells map[h3.Cell]*cellBucket
}

type cellBucket struct {
	bound orb.Bound
	feats []int
}

func validateRes(res int) error {
	if res < 0 || res > 15 {
		return fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	return nil
}

// newPointIndex returns nil when some feature is not a point.
func newPointIndex(feats []host.Feature, res int) (*pointIndex, error) {
	if err := validateRes(res); err != nil {
		return nil, err
	}
	idx := &pointIndex{res: res, cells: map[h3.Cell]*cellBucket{}}
	for i, f := range feats {
		p, ok := f.Geometry.(orb.Point)
		if !ok {
			return nil, nil
		}
		c, err := h3.LatLngToCell(h3.NewLatLng(p.Lat(), p.Lon()), res)
		if err != nil {
			return nil, fmt.Errorf("h3 cell for feature %d: %w", f.ID, err)
		}
		b := idx.cells[c]
		if b == nil {
			bound, err := cellBound(c)
			if err != nil {
				return nil, err
			}
			b = &cellBucket{bound: bound}
			idx.cells[c] = b
		}
		b.feats = append(b.feats, i)
	}
	return idx, nil
}

func cellBound(c h3.Cell) (orb.Bound, error) {
	boundary, err := h3.CellToBoundary(c)
	if err != nil {
		return orb.Bound{}, fmt.Errorf("h3 boundary: %w", err)
	}
	var b orb.Bound
	for i, ll := range boundary {
		p := orb.Point{ll.Lng, ll.Lat}
		if i == 0 {
			b = p.Bound()
			continue
		}
		b = b.Extend(p)
	}
	// cell edges are geodesic; pad so the box covers the whole cell
	return b.Pad(0.25 * max(b.Max[0]-b.Min[0], b.Max[1]-b.Min[1])), nil
}

// candidates returns feature positions that may lie within q.
func (idx *pointIndex) candidates(q orb.Bound) []int {
	var out []int
	for _, b := range idx.cells {
		if b.bound.Intersects(q) {
			out = append(out, b.feats...)
		}
	}
	return out
}
