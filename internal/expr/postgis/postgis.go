// Package postgis builds filter expressions for layers stored in PostgreSQL/PostGIS.
package postgis

import (
	"fmt"
	"strings"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/expr"
	"github.com/mohammed-shakir/geofilter/internal/expr/bufexpr"
)

const (
	// alias of the source relation inside correlated sub-selects
	SourceAlias = "__source"
	// geometry column of a materialized artifact
	ArtifactGeom   = "__geom"
	ArtifactPrefix = "fm_src_"
)

// Buffer is a server-side buffer over the source geometry.
type Buffer struct {
	Distance   float64
	Expr       *bufexpr.Expr
	Segments   int
	Geographic bool
}

func (b Buffer) Active() bool { return b.Expr != nil || b.Distance != 0 }

// Candidate is the target layer whose rows are being filtered.
type Candidate struct {
	Schema         string
	Table          string
	GeometryColumn string
	SRID           int
}

// Column is the candidate geometry qualified by its table, so it stays
// unambiguous inside sub-selects that bring a second relation into scope.
func (c Candidate) Column() string {
	return expr.Qualified(c.Schema, c.Table, c.GeometryColumn)
}

// SourceTable is a source layer living on the same connection as the target.
type SourceTable struct {
	Schema         string
	Table          string
	GeometryColumn string
	SRID           int
	RowID          string
	IDs            []int64
}

func (s SourceTable) relation() string { return expr.Qualified(s.Schema, s.Table) }

func GeomFromText(wkt string, srid int) string {
	return fmt.Sprintf("ST_GeomFromText(%s, %d)", expr.Literal(wkt), srid)
}

// Buffered wraps geom in ST_Buffer. Angular sources are buffered in EPSG:3857
// and transformed back to srid.
func Buffered(geom string, srid int, b Buffer, scope bufexpr.Scope) (string, error) {
	if !b.Active() {
		return geom, nil
	}
	dist := expr.Float(b.Distance)
	if b.Expr != nil {
		s, err := b.Expr.Render(scope, bufexpr.FlavorPostgres)
		if err != nil {
			return "", err
		}
		dist = s
	}
	segs := b.Segments
	if segs <= 0 {
		segs = model.DefaultBufferSegments
	}
	style := expr.Literal(fmt.Sprintf("quad_segs=%d", segs))
	if !b.Geographic {
		return fmt.Sprintf("ST_Buffer(%s, %s, %s)", geom, dist, style), nil
	}
	if srid <= 0 {
		return "", fmt.Errorf("%w: angular buffer needs a known SRID", expr.ErrBuild)
	}
	return fmt.Sprintf("ST_Transform(ST_Buffer(ST_Transform(%s, %d), %s, %s), %d)",
		geom, expr.MercatorSRID, expr.BufferSQL(dist, geom, true), style, srid), nil
}

// Reference renders the prepared source literal as one geometry in targetSRID.
func Reference(src expr.SourceLiteral, targetSRID, segments int) (string, error) {
	refs, err := literalParts(src, targetSRID, segments)
	if err != nil {
		return "", err
	}
	out := refs[0]
	for _, r := range refs[1:] {
		out = "ST_Union(" + out + ", " + r + ")"
	}
	return out, nil
}

func literalParts(src expr.SourceLiteral, targetSRID, segments int) ([]string, error) {
	if src.Empty() {
		return nil, fmt.Errorf("%w: empty source geometry", expr.ErrBuild)
	}
	out := make([]string, 0, len(src.Parts))
	for _, p := range src.Parts {
		g, err := Buffered(GeomFromText(p.WKT, src.SRID), src.SRID, Buffer{
			Distance:   p.Distance,
			Segments:   segments,
			Geographic: src.Geographic,
		}, bufexpr.Unqualified())
		if err != nil {
			return nil, err
		}
		out = append(out, expr.Transform(g, src.SRID, targetSRID))
	}
	return out, nil
}

// LiteralFilter tests the candidate column directly against a geometry literal.
func LiteralFilter(preds []model.Predicate, geomColumn, ref string) (string, error) {
	return expr.AnyPredicate(preds, expr.Ident(geomColumn), ref)
}

// ArtifactFilter matches candidate rows against a materialized artifact.
func ArtifactFilter(preds []model.Predicate, cand Candidate, relation string) (string, error) {
	return existsFilter(preds, cand, relation, expr.Qualified(SourceAlias, ArtifactGeom), "")
}

// CorrelatedFilter matches candidate rows against the selected source rows
// through a correlated sub-select. Buffer attribute references are qualified
// with the source alias since two relations are in scope.
func CorrelatedFilter(preds []model.Predicate, cand Candidate, src SourceTable, buf Buffer, opts expr.IDSetOptions) (string, error) {
	if src.RowID == "" {
		return "", fmt.Errorf("%w: correlated source needs a row identity", expr.ErrBuild)
	}
	scope := bufexpr.Qualified(SourceAlias)
	g, err := Buffered(expr.Qualified(SourceAlias, src.GeometryColumn), src.SRID, buf, scope)
	if err != nil {
		return "", err
	}
	ref := expr.Transform(g, src.SRID, cand.SRID)
	where := expr.IntSet(expr.Qualified(SourceAlias, src.RowID), src.IDs, opts)
	return existsFilter(preds, cand, src.relation(), ref, where)
}

func existsFilter(preds []model.Predicate, cand Candidate, from, ref, where string) (string, error) {
	candGeom := cand.Column()
	positive, disjoint := expr.SplitDisjoint(preds)

	scan := func(test string) string {
		clauses := make([]string, 0, 3)
		if where != "" {
			clauses = append(clauses, expr.Paren(where))
		}
		clauses = append(clauses, ref+" && "+candGeom, test)
		return fmt.Sprintf("(SELECT 1 FROM %s AS %s WHERE %s)",
			from, expr.Ident(SourceAlias), strings.Join(clauses, " AND "))
	}

	var parts []string
	if len(positive) > 0 {
		test, err := expr.AnyPredicate(positive, candGeom, ref)
		if err != nil {
			return "", err
		}
		parts = append(parts, "EXISTS "+scan(test))
	}
	if disjoint {
		// disjoint from every source row, not from some source row
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

// ArtifactSelectFromTable defines an artifact over source rows on the same
// connection. It is a single-table construct, so buffer attribute references
// stay unqualified.
func ArtifactSelectFromTable(src SourceTable, buf Buffer, outSRID int, opts expr.IDSetOptions) (string, error) {
	if src.RowID == "" {
		return "", fmt.Errorf("%w: artifact source needs a row identity", expr.ErrBuild)
	}
	g, err := Buffered(expr.Ident(src.GeometryColumn), src.SRID, buf, bufexpr.Unqualified())
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SELECT %s AS %s FROM %s WHERE %s",
		expr.Transform(g, src.SRID, outSRID), expr.Ident(ArtifactGeom), src.relation(),
		expr.IntSet(expr.Ident(src.RowID), src.IDs, opts)), nil
}

// ArtifactSelectFromLiteral defines an artifact holding one row per literal part.
func ArtifactSelectFromLiteral(src expr.SourceLiteral, outSRID, segments int) (string, error) {
	refs, err := literalParts(src, outSRID, segments)
	if err != nil {
		return "", err
	}
	rows := make([]string, len(refs))
	for i, r := range refs {
		rows[i] = "SELECT " + r + " AS " + expr.Ident(ArtifactGeom)
	}
	return strings.Join(rows, " UNION ALL "), nil
}

// ArtifactDDL emits the statements that create and drop a materialized artifact.
type ArtifactDDL struct{}

func (ArtifactDDL) Create(schema, name, selectSQL string) []string {
	rel := expr.Qualified(schema, name)
	return []string{
		fmt.Sprintf("CREATE MATERIALIZED VIEW IF NOT EXISTS %s AS %s", rel, selectSQL),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING GIST (%s)",
			expr.Ident(name+"_gix"), rel, expr.Ident(ArtifactGeom)),
		"ANALYZE " + rel,
	}
}

func (ArtifactDDL) Drop(schema, name string) []string {
	return []string{"DROP MATERIALIZED VIEW IF EXISTS " + expr.Qualified(schema, name) + " CASCADE"}
}

// IDFilter matches rows by row identity. Text keys compared against integer
// ids are cast explicitly.
func IDFilter(rid model.RowIdentity, ids []int64, opts expr.IDSetOptions) string {
	if rid.Kind == model.RowIDText {
		opts.CastAs = "BIGINT"
	}
	return expr.IntSet(expr.Ident(rid.Field), ids, opts)
}

// MatchQuery selects the row ids of the candidate table satisfying filter.
func MatchQuery(schema, table string, rid model.RowIdentity, filter string) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s", expr.Ident(rid.Field), expr.Qualified(schema, table), filter)
}

// RemoteSet describes the relation remote-set combination selects from.
func RemoteSet(schema, table string, rid model.RowIdentity) expr.RemoteSet {
	return expr.RemoteSet{Relation: expr.Qualified(schema, table), RowID: expr.Ident(rid.Field)}
}
