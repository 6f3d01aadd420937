package backend

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/geoprep"
	"github.com/mohammed-shakir/geofilter/internal/host"
)

// newGeoPackage writes a minimal GeoPackage with a keyed point table and an
// unkeyed one.
func newGeoPackage(t *testing.T, pts map[int64]orb.Point) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "city.gpkg")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	ctx := context.Background()
	stmts := []string{
		`CREATE TABLE gpkg_geometry_columns (table_name TEXT, column_name TEXT, geometry_type_name TEXT, srs_id INTEGER, z INTEGER, m INTEGER)`,
		`INSERT INTO gpkg_geometry_columns VALUES ('stops', 'geom', 'POINT', 3857, 0, 0)`,
		`INSERT INTO gpkg_geometry_columns VALUES ('notes', 'shape', 'POINT', 4326, 0, 0)`,
		`CREATE TABLE stops (fid INTEGER PRIMARY KEY, name TEXT, geom BLOB)`,
		`CREATE TABLE notes (body TEXT, shape BLOB)`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			t.Fatalf("%s: %v", s, err)
		}
	}
	for id, p := range pts {
		blob, err := EncodeGPKG(p, 3857)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := db.ExecContext(ctx, `INSERT INTO stops (fid, name, geom) VALUES (?, ?, ?)`, id, "s", blob); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

func newSpatialiteHandle(t *testing.T, opts Options) *spatialiteHandle {
	t.Helper()
	log, _ := captureLog(t)
	conns := NewConnections(log)
	t.Cleanup(func() { _ = conns.Close() })
	return &spatialiteHandle{deps: Deps{
		Host:     newFakeHost(),
		Conns:    conns,
		Preparer: geoprep.NewPreparer(nil, log),
		Options:  opts,
		Log:      log,
	}}
}

func TestSpatialiteDescribe_IntrospectsIdentityAndGeometry(t *testing.T) {
	path := newGeoPackage(t, nil)
	h := newSpatialiteHandle(t, Options{})
	ctx := context.Background()

	d, err := h.Describe(ctx, host.LayerInfo{ID: "stops", Source: path + "|layername=stops"})
	if err != nil {
		t.Fatal(err)
	}
	if d.Table != "stops" || d.GeometryColumn != "geom" || d.SRID != 3857 || d.Geographic {
		t.Fatalf("d=%+v", d)
	}
	if d.RowIdentity != (model.RowIdentity{Field: "fid", Kind: model.RowIDInteger}) {
		t.Fatalf("rid=%+v", d.RowIdentity)
	}

	d, err = h.Describe(ctx, host.LayerInfo{ID: "notes", Source: path + "|layername=notes"})
	if err != nil {
		t.Fatal(err)
	}
	if d.RowIdentity != (model.RowIdentity{Field: "rowid", Kind: model.RowIDLocator}) {
		t.Fatalf("rid=%+v", d.RowIdentity)
	}
	if d.GeometryColumn != "shape" || d.SRID != 4326 || !d.Geographic || len(d.Missing()) != 0 {
		t.Fatalf("d=%+v missing=%v", d, d.Missing())
	}
}

// withSpatialEngine registers an engine connection for path that reports
// spatial functions as callable.
func withSpatialEngine(t *testing.T, h *spatialiteHandle, path string) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	h.deps.Conns.mu.Lock()
	h.deps.Conns.lite[path] = sqliteConn{db: db, spatial: true}
	h.deps.Conns.mu.Unlock()
}

func TestSpatialiteExpression_WithoutSpatialFunctionsUsesIDs(t *testing.T) {
	path := newGeoPackage(t, map[int64]orb.Point{1: {0, 0}, 2: {5, 5}, 3: {20, 20}})
	h := newSpatialiteHandle(t, Options{})
	ctx := context.Background()

	target, err := h.Describe(ctx, host.LayerInfo{ID: "stops", Source: path + "|layername=stops"})
	if err != nil {
		t.Fatal(err)
	}
	plan := &Plan{
		Request: model.FilterRequest{Predicates: []model.Predicate{model.Intersects}},
		Source:  model.LayerDescriptor{ID: "zones", Dialect: model.DialectOGR, SRID: 3857},
		Prepared: geoprep.Source{SRID: 3857, Parts: []geoprep.Part{{
			Geometry: orb.MultiPolygon{{{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}}},
		}}},
	}
	prep, err := h.Prepare(ctx, plan)
	if err != nil {
		t.Fatal(err)
	}
	got, err := h.Expression(ctx, plan, prep, Target{Layer: target})
	if err != nil {
		t.Fatal(err)
	}
	if got != `"fid" IN (1, 2)` {
		t.Fatalf("expression=%s", got)
	}
	if err := h.Apply(ctx, Target{Layer: target}, got, false); err != nil {
		t.Fatal(err)
	}

	hst := h.deps.Host.(*fakeHost)
	err = h.Apply(ctx, Target{Layer: target}, `ST_Intersects("geom", GeomFromText('POINT(1 1)', 3857))`, false)
	if !errors.Is(err, ErrExecution) || !strings.Contains(err.Error(), "no such function") {
		t.Fatalf("err=%v", err)
	}
	if hst.filters["stops"] != got || len(hst.applied) != 1 {
		t.Fatalf("rejected expression reached the host: %v", hst.filters)
	}

	// plain SQLite without spatial functions has no geometry decoder
	plain := filepath.Join(t.TempDir(), "plain.sqlite")
	db, err := sql.Open("sqlite", plain)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE roads (id INTEGER PRIMARY KEY, geom BLOB)`); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()
	roads := model.LayerDescriptor{
		ID: "roads", Source: plain + "|layername=roads", Dialect: model.DialectSpatialite,
		Table: "roads", GeometryColumn: "geom", SRID: 3857,
		RowIdentity: model.RowIdentity{Field: "id", Kind: model.RowIDInteger},
	}
	if _, err := h.Expression(ctx, plan, prep, Target{Layer: roads}); !errors.Is(err, ErrExecution) {
		t.Fatalf("err=%v want ErrExecution", err)
	}
}

func TestSpatialiteExpression_LiteralAndCorrelatedForms(t *testing.T) {
	h := newSpatialiteHandle(t, Options{})
	ctx := context.Background()
	withSpatialEngine(t, h, "/x/city.sqlite")
	target := model.LayerDescriptor{
		ID: "stops", Source: "/x/city.sqlite|layername=stops", Dialect: model.DialectSpatialite,
		ConnectionKey: "sqlite:/x/city.sqlite", Table: "stops", GeometryColumn: "Geom", SRID: 4326,
		RowIdentity: model.RowIdentity{Field: "id", Kind: model.RowIDInteger},
	}
	plan := &Plan{
		Request: model.FilterRequest{Predicates: []model.Predicate{model.Within}},
		Source:  model.LayerDescriptor{ID: "zones", Dialect: model.DialectOGR, SRID: 4326},
		Prepared: geoprep.Source{SRID: 4326, Parts: []geoprep.Part{{
			Geometry: orb.MultiPoint{{1, 2}},
		}}},
	}
	prep, err := h.Prepare(ctx, plan)
	if err != nil {
		t.Fatal(err)
	}
	got, err := h.Expression(ctx, plan, prep, Target{Layer: target})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got, `ST_Within("Geom", GeomFromText('MULTIPOINT`) || !strings.HasSuffix(got, "4326))") {
		t.Fatalf("literal form: %s", got)
	}

	plan.Source = model.LayerDescriptor{
		ID: "zones", Source: "/x/city.sqlite|layername=zones", Dialect: model.DialectSpatialite,
		ConnectionKey: "sqlite:/x/city.sqlite", Table: "zones", GeometryColumn: "geom", SRID: 4326,
		RowIdentity: model.RowIdentity{Field: "rowid", Kind: model.RowIDLocator},
	}
	plan.SourceIDs = []int64{3, 4}
	got, err = h.Expression(ctx, plan, prep, Target{Layer: target})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, `FROM "zones" AS "__source"`) || !strings.Contains(got, `"__source"."rowid" IN (3, 4)`) ||
		!strings.Contains(got, `ST_Within("stops"."Geom", "__source"."geom")`) {
		t.Fatalf("correlated form: %s", got)
	}

	combined, err := h.Combine(Target{Layer: target}, `"kind" = 'bus'`, got, model.CombineAnd)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(combined, `"id" IN (SELECT "id" FROM "stops" WHERE ("kind" = 'bus') INTERSECT SELECT "id" FROM "stops" WHERE `) {
		t.Fatalf("combined=%s", combined)
	}
	sub, _ := h.Combine(Target{Layer: target, IsSource: true}, `"kind" = 'bus'`, `"id" IN (1)`, model.CombineAnd)
	if sub != `("kind" = 'bus') AND ("id" IN (1))` {
		t.Fatalf("subset=%s", sub)
	}
}
