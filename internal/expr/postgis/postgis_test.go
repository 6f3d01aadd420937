package postgis

import (
	"errors"
	"strings"
	"testing"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/expr"
	"github.com/mohammed-shakir/geofilter/internal/expr/bufexpr"
)

var allPredicates = []model.Predicate{
	model.Intersects, model.Contains, model.Within, model.Overlaps,
	model.Touches, model.Crosses, model.Disjoint,
}

func sampleLiteral() expr.SourceLiteral {
	return expr.SourceLiteral{
		SRID:  4326,
		Parts: []expr.LiteralPart{{WKT: "POINT(10 50)", Distance: 0}},
	}
}

func TestBufferExpression_QualificationFollowsConstruct(t *testing.T) {
	e, err := bufexpr.Parse("if(count>=10, 50, 1)")
	if err != nil {
		t.Fatal(err)
	}
	src := SourceTable{Schema: "public", Table: "Sites", GeometryColumn: "geom", SRID: 2056, RowID: "gid", IDs: []int64{1, 2, 3}}
	buf := Buffer{Expr: e}

	def, err := ArtifactSelectFromTable(src, buf, 2056, expr.IDSetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(def, `CASE WHEN "count" >= 10 THEN 50 ELSE 1 END`) {
		t.Fatalf("materialize construct must reference unqualified attribute:\n%s", def)
	}
	if strings.Contains(def, SourceAlias) {
		t.Fatalf("materialize construct leaked alias:\n%s", def)
	}

	cand := Candidate{Schema: "public", Table: "Roads", GeometryColumn: "geom", SRID: 2056}
	corr, err := CorrelatedFilter([]model.Predicate{model.Intersects}, cand, src, buf, expr.IDSetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(corr, `CASE WHEN "__source"."count" >= 10 THEN 50 ELSE 1 END`) {
		t.Fatalf("correlated construct must qualify attribute:\n%s", corr)
	}
	if !strings.Contains(corr, `"__source"."gid" IN (1, 2, 3)`) {
		t.Fatalf("selection not qualified:\n%s", corr)
	}
	if !strings.Contains(corr, `ST_Intersects("public"."Roads"."geom", ST_Buffer("__source"."geom"`) {
		t.Fatalf("candidate must be first argument and table-qualified:\n%s", corr)
	}
}

func TestArtifactFilter_DisjointUsesNotExists(t *testing.T) {
	cand := Candidate{Schema: "public", Table: "parcels", GeometryColumn: "geom", SRID: 3857}
	rel := expr.Qualified("filter", "fm_src_0011223344556677")

	got, err := ArtifactFilter([]model.Predicate{model.Intersects, model.Disjoint}, cand, rel)
	if err != nil {
		t.Fatal(err)
	}
	want := `(EXISTS (SELECT 1 FROM "filter"."fm_src_0011223344556677" AS "__source" WHERE "__source"."__geom" && "public"."parcels"."geom" AND ST_Intersects("public"."parcels"."geom", "__source"."__geom"))` +
		` OR NOT EXISTS (SELECT 1 FROM "filter"."fm_src_0011223344556677" AS "__source" WHERE "__source"."__geom" && "public"."parcels"."geom" AND ST_Intersects("public"."parcels"."geom", "__source"."__geom")))`
	if got != want {
		t.Fatalf("\n got %s\nwant %s", got, want)
	}

	q := MatchQuery("public", "parcels", model.RowIdentity{Field: "gid", Kind: model.RowIDInteger}, got)
	if q != `SELECT "gid" FROM "public"."parcels" WHERE `+want {
		t.Fatalf("match query=%s", q)
	}

	only, err := ArtifactFilter([]model.Predicate{model.Disjoint}, cand, rel)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(only, "NOT EXISTS ") || strings.Contains(only, "ST_Disjoint") {
		t.Fatalf("disjoint form=%s", only)
	}
}

func TestQuotedIdentifiersSurvive(t *testing.T) {
	cand := Candidate{Schema: "Data", Table: "Land Use", GeometryColumn: "The Geom", SRID: 4326}
	ref, err := Reference(sampleLiteral(), 4326, 8)
	if err != nil {
		t.Fatal(err)
	}
	src := SourceTable{Schema: "Data", Table: "Sites", GeometryColumn: "Shape", SRID: 4326, RowID: "OBJECTID", IDs: []int64{7}}
	for _, p := range allPredicates {
		preds := []model.Predicate{p}
		forms := map[string]func() (string, error){
			"literal":    func() (string, error) { return LiteralFilter(preds, cand.GeometryColumn, ref) },
			"artifact":   func() (string, error) { return ArtifactFilter(preds, cand, expr.Qualified("Data", "fm_src_x")) },
			"correlated": func() (string, error) { return CorrelatedFilter(preds, cand, src, Buffer{}, expr.IDSetOptions{}) },
		}
		for name, build := range forms {
			got, err := build()
			if err != nil {
				t.Fatalf("%s/%s: %v", name, p, err)
			}
			if !strings.Contains(got, `"The Geom"`) {
				t.Fatalf("%s/%s lost quoted column: %s", name, p, got)
			}
			if strings.Contains(strings.ReplaceAll(got, `"The Geom"`, ""), "The Geom") {
				t.Fatalf("%s/%s emitted unquoted column: %s", name, p, got)
			}
		}
	}
	rid := model.RowIdentity{Field: "Parcel ID", Kind: model.RowIDText}
	if got := IDFilter(rid, []int64{4, 2}, expr.IDSetOptions{}); got != `CAST("Parcel ID" AS BIGINT) IN (2, 4)` {
		t.Fatalf("IDFilter=%s", got)
	}
}

func TestBuffered_AngularRoundTrip(t *testing.T) {
	got, err := Buffered(`"g"`, 4326, Buffer{Distance: 100, Geographic: true}, bufexpr.Unqualified())
	if err != nil {
		t.Fatal(err)
	}
	want := `ST_Transform(ST_Buffer(ST_Transform("g", 3857), (100) / COS(RADIANS(ST_Y(ST_Centroid("g")))), 'quad_segs=8'), 4326)`
	if got != want {
		t.Fatalf("\n got %s\nwant %s", got, want)
	}

	lin, _ := Buffered(`"g"`, 2056, Buffer{Distance: 5, Segments: 4}, bufexpr.Unqualified())
	if lin != `ST_Buffer("g", 5, 'quad_segs=4')` {
		t.Fatalf("linear=%s", lin)
	}

	if _, err := Buffered(`"g"`, 0, Buffer{Distance: 5, Geographic: true}, bufexpr.Unqualified()); !errors.Is(err, expr.ErrBuild) {
		t.Fatalf("err=%v want ErrBuild", err)
	}
}

func TestReference_TransformsAndUnions(t *testing.T) {
	src := expr.SourceLiteral{SRID: 2056, Parts: []expr.LiteralPart{
		{WKT: "POINT(1 1)", Distance: 1},
		{WKT: "POINT(5 5)", Distance: 50},
	}}
	got, err := Reference(src, 3857, 8)
	if err != nil {
		t.Fatal(err)
	}
	want := `ST_Union(ST_Transform(ST_Buffer(ST_GeomFromText('POINT(1 1)', 2056), 1, 'quad_segs=8'), 3857), ` +
		`ST_Transform(ST_Buffer(ST_GeomFromText('POINT(5 5)', 2056), 50, 'quad_segs=8'), 3857))`
	if got != want {
		t.Fatalf("\n got %s\nwant %s", got, want)
	}
	if _, err := Reference(expr.SourceLiteral{}, 1, 8); !errors.Is(err, expr.ErrBuild) {
		t.Fatalf("empty literal err=%v", err)
	}
}

func TestArtifactDDL(t *testing.T) {
	var d ArtifactDDL
	create := d.Create("filter", "fm_src_abc", "SELECT 1")
	if len(create) != 3 {
		t.Fatalf("create=%v", create)
	}
	if create[0] != `CREATE MATERIALIZED VIEW IF NOT EXISTS "filter"."fm_src_abc" AS SELECT 1` {
		t.Fatalf("create[0]=%s", create[0])
	}
	if create[1] != `CREATE INDEX IF NOT EXISTS "fm_src_abc_gix" ON "filter"."fm_src_abc" USING GIST ("__geom")` {
		t.Fatalf("create[1]=%s", create[1])
	}
	if drop := d.Drop("filter", "fm_src_abc"); drop[0] != `DROP MATERIALIZED VIEW IF EXISTS "filter"."fm_src_abc" CASCADE` {
		t.Fatalf("drop=%v", drop)
	}

	sel, err := ArtifactSelectFromLiteral(expr.SourceLiteral{SRID: 4326, Parts: []expr.LiteralPart{{WKT: "POINT(0 0)"}, {WKT: "POINT(1 1)"}}}, 4326, 8)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(sel, "UNION ALL") != 1 || strings.Count(sel, `AS "__geom"`) != 2 {
		t.Fatalf("select=%s", sel)
	}
}
