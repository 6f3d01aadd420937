// Package spatialite builds filter expressions for single-file SQLite databases
// (SpatiaLite and GeoPackage).
package spatialite

import (
	"fmt"
	"strings"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/expr"
	"github.com/mohammed-shakir/geofilter/internal/expr/bufexpr"
)

const SourceAlias = "__source"

// Candidate is the target table being filtered.
type Candidate struct {
	Table          string
	GeometryColumn string
	SRID           int
	// GeoPackage geometries are stored as GPKG blobs and need conversion
	GeoPackage bool
}

func (c Candidate) column(qualified bool) string {
	col := expr.Ident(c.GeometryColumn)
	if qualified {
		col = expr.Qualified(c.Table, c.GeometryColumn)
	}
	if c.GeoPackage {
		return "GeomFromGPB(" + col + ")"
	}
	return col
}

// SourceTable is a source layer stored in the same database file as the target.
type SourceTable struct {
	Table          string
	GeometryColumn string
	SRID           int
	RowID          string
	IDs            []int64
	GeoPackage     bool
}

func GeomFromText(wkt string, srid int) string {
	return fmt.Sprintf("GeomFromText(%s, %d)", expr.Literal(wkt), srid)
}

func buffered(geom string, srid int, dist string, segments int, geographic bool) string {
	if segments <= 0 {
		segments = model.DefaultBufferSegments
	}
	if !geographic {
		return fmt.Sprintf("ST_Buffer(%s, %s, %d)", geom, dist, segments)
	}
	return fmt.Sprintf("ST_Transform(ST_Buffer(ST_Transform(%s, %d), %s, %d), %d)",
		geom, expr.MercatorSRID, expr.BufferSQL(dist, geom, true), segments, srid)
}

// Reference renders the prepared source literal as one geometry in targetSRID.
func Reference(src expr.SourceLiteral, targetSRID, segments int) (string, error) {
	if src.Empty() {
		return "", fmt.Errorf("%w: empty source geometry", expr.ErrBuild)
	}
	if src.Geographic && src.SRID <= 0 {
		return "", fmt.Errorf("%w: angular buffer needs a known SRID", expr.ErrBuild)
	}
	var out string
	for i, p := range src.Parts {
		g := GeomFromText(p.WKT, src.SRID)
		if p.Distance != 0 {
			g = buffered(g, src.SRID, expr.Float(p.Distance), segments, src.Geographic)
		}
		if i == 0 {
			out = g
			continue
		}
		out = "ST_Union(" + out + ", " + g + ")"
	}
	return expr.Transform(out, src.SRID, targetSRID), nil
}

// LiteralFilter tests the candidate column against a geometry literal.
func LiteralFilter(preds []model.Predicate, cand Candidate, ref string) (string, error) {
	return expr.AnyPredicate(preds, cand.column(false), ref)
}

// CorrelatedFilter matches candidate rows against selected rows of a source
// table in the same file. Buffer attributes are qualified with the source alias.
func CorrelatedFilter(preds []model.Predicate, cand Candidate, src SourceTable, buf *bufexpr.Expr, distance float64, segments int, geographic bool, opts expr.IDSetOptions) (string, error) {
	if src.RowID == "" {
		return "", fmt.Errorf("%w: correlated source needs a row identity", expr.ErrBuild)
	}
	ref := expr.Qualified(SourceAlias, src.GeometryColumn)
	if src.GeoPackage {
		ref = "GeomFromGPB(" + ref + ")"
	}
	switch {
	case buf != nil:
		d, err := buf.Render(bufexpr.Qualified(SourceAlias), bufexpr.FlavorSQLite)
		if err != nil {
			return "", err
		}
		ref = buffered(ref, src.SRID, d, segments, geographic)
	case distance != 0:
		ref = buffered(ref, src.SRID, expr.Float(distance), segments, geographic)
	}
	ref = expr.Transform(ref, src.SRID, cand.SRID)
	candGeom := cand.column(true)
	where := expr.Paren(expr.IntSet(expr.Qualified(SourceAlias, src.RowID), src.IDs, opts))
	scan := func(test string) string {
		return fmt.Sprintf("(SELECT 1 FROM %s AS %s WHERE %s AND %s)",
			expr.Ident(src.Table), expr.Ident(SourceAlias), where, test)
	}

	positive, disjoint := expr.SplitDisjoint(preds)
	var parts []string
	if len(positive) > 0 {
		test, err := expr.AnyPredicate(positive, candGeom, ref)
		if err != nil {
			return "", err
		}
		parts = append(parts, "EXISTS "+scan(test))
	}
	if disjoint {
		test, err := expr.PredicateCall(model.Intersects, candGeom, ref)
		if err != nil {
			return "", err
		}
		parts = append(parts, "NOT EXISTS "+scan(test))
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: no predicates", expr.ErrBuild)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return "(" + strings.Join(parts, " OR ") + ")", nil
}

// MatchQuery selects the row ids of table rows satisfying filter. It runs on
// the direct engine connection, never through the host.
func MatchQuery(table string, rid model.RowIdentity, filter string) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s", expr.Ident(rid.Field), expr.Ident(table), filter)
}

// IDFilter matches rows by row identity; text keys get an explicit INTEGER cast.
func IDFilter(rid model.RowIdentity, ids []int64, opts expr.IDSetOptions) string {
	if rid.Kind == model.RowIDText {
		opts.CastAs = "INTEGER"
	}
	return expr.IntSet(expr.Ident(rid.Field), ids, opts)
}

func RemoteSet(table string, rid model.RowIdentity) expr.RemoteSet {
	return expr.RemoteSet{Relation: expr.Ident(table), RowID: expr.Ident(rid.Field)}
}
