package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/expr"
	"github.com/mohammed-shakir/geofilter/internal/expr/spatialite"
	"github.com/mohammed-shakir/geofilter/internal/geoprep"
	"github.com/mohammed-shakir/geofilter/internal/host"
)

const sqliteLocator = "rowid"

func init() {
	Register(model.DialectSpatialite, func(d Deps) Handle {
		return &spatialiteHandle{deps: d}
	})
}

type spatialiteHandle struct {
	deps Deps
}

func (h *spatialiteHandle) Dialect() model.Dialect { return model.DialectSpatialite }

func (h *spatialiteHandle) Supports(info host.LayerInfo) error {
	path, _ := FileSource(info.Source)
	if ok, _ := IsSQLiteFile(path); !ok {
		return fmt.Errorf("%w: %q is not a single-file SQLite database", ErrUnsupported, path)
	}
	return nil
}

func (h *spatialiteHandle) Describe(ctx context.Context, info host.LayerInfo) (model.LayerDescriptor, error) {
	path, layer := FileSource(info.Source)
	d := model.LayerDescriptor{
		ID:             info.ID,
		Name:           info.Name,
		Provider:       info.Provider,
		Source:         info.Source,
		Dialect:        model.DialectSpatialite,
		ConnectionKey:  "sqlite:" + absPath(path),
		Table:          firstNonEmpty(info.Table, layer),
		GeometryColumn: info.GeometryColumn,
		SRID:           info.SRID,
	}
	if info.PrimaryKey != "" {
		d.RowIdentity = declaredIdentity(info.PrimaryKey, fieldType(info, info.PrimaryKey))
	}
	if d.Table != "" && (d.GeometryColumn == "" || d.SRID <= 0 || d.RowIdentity.Field == "") {
		if err := h.introspect(ctx, path, &d); err != nil {
			h.deps.Log.WarnContext(ctx, "layer introspection failed", "layer", d.ID, "err", err)
		}
	}
	if d.RowIdentity.Field == "" && d.Table != "" {
		d.RowIdentity = model.RowIdentity{Field: sqliteLocator, Kind: model.RowIDLocator}
	}
	d.Geographic = geoprep.Angular(d.SRID, info.Geographic)
	return d, nil
}

func (h *spatialiteHandle) introspect(ctx context.Context, path string, d *model.LayerDescriptor) error {
	db, _, err := h.deps.Conns.SQLite(ctx, path)
	if err != nil {
		return err
	}
	if d.RowIdentity.Field == "" {
		rid, err := tableIdentity(ctx, db, d.Table)
		if err != nil {
			return err
		}
		d.RowIdentity = rid
	}
	if d.GeometryColumn == "" || d.SRID <= 0 {
		col, srid, err := geometryColumn(ctx, db, d.Table)
		if err != nil {
			return err
		}
		if d.GeometryColumn == "" {
			d.GeometryColumn = col
		}
		if d.SRID <= 0 {
			d.SRID = srid
		}
	}
	return nil
}

// tableIdentity reads the declared single-column primary key through
// PRAGMA table_info. Tables without one are addressed by rowid.
func tableIdentity(ctx context.Context, db *sql.DB, table string) (model.RowIdentity, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+expr.Ident(table)+")")
	if err != nil {
		return model.RowIdentity{}, fmt.Errorf("table info: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var pkName, pkType string
	pks, cols := 0, 0
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return model.RowIdentity{}, err
		}
		cols++
		if pk > 0 {
			pks++
			pkName, pkType = name, typ
		}
	}
	if err := rows.Err(); err != nil {
		return model.RowIdentity{}, err
	}
	if cols == 0 {
		return model.RowIdentity{}, fmt.Errorf("%w: table %q not found", ErrUnresolved, table)
	}
	if pks != 1 {
		return model.RowIdentity{Field: sqliteLocator, Kind: model.RowIDLocator}, nil
	}
	return declaredIdentity(pkName, pkType), nil
}

// geometryColumn looks the table up in the GeoPackage and SpatiaLite metadata tables.
func geometryColumn(ctx context.Context, db *sql.DB, table string) (string, int, error) {
	queries := []string{
		`SELECT column_name, srs_id FROM gpkg_geometry_columns WHERE lower(table_name) = lower(?)`,
		`SELECT f_geometry_column, srid FROM geometry_columns WHERE lower(f_table_name) = lower(?)`,
	}
	for _, q := range queries {
		var col string
		var srid int
		err := db.QueryRowContext(ctx, q, table).Scan(&col, &srid)
		if err == nil {
			return col, srid, nil
		}
		if errors.Is(err, sql.ErrNoRows) || strings.Contains(err.Error(), "no such table") {
			continue
		}
		return "", 0, fmt.Errorf("geometry columns: %w", err)
	}
	return "", 0, nil
}

func (h *spatialiteHandle) Prepare(_ context.Context, plan *Plan) (Prepared, error) {
	lit := plan.Prepared.Literal()
	if lit.Empty() {
		return Prepared{}, fmt.Errorf("%w: empty source geometry", expr.ErrBuild)
	}
	return Prepared{Dialect: model.DialectSpatialite, Literal: lit}, nil
}

func sqliteIDs(rid model.RowIdentity) bool {
	return rid.Numeric() || (rid.Kind == model.RowIDLocator && rid.Field == sqliteLocator)
}

func (h *spatialiteHandle) path(d model.LayerDescriptor) string {
	p, _ := FileSource(d.Source)
	return p
}

func spatialiteCandidate(d model.LayerDescriptor, path string) spatialite.Candidate {
	return spatialite.Candidate{
		Table:          d.Table,
		GeometryColumn: d.GeometryColumn,
		SRID:           d.SRID,
		GeoPackage:     IsGeoPackage(path),
	}
}

func (h *spatialiteHandle) Expression(ctx context.Context, plan *Plan, prep Prepared, t Target) (string, error) {
	preds := plan.Request.Predicates
	opts := h.deps.Options.IDSet
	path := h.path(t.Layer)
	cand := spatialiteCandidate(t.Layer, path)
	segs := plan.Segments(h.deps.Options)

	if t.IsSource {
		if !sqliteIDs(t.Layer.RowIdentity) {
			return "", fmt.Errorf("%w: source layer %s has no integer row identity", expr.ErrBuild, t.Layer.ID)
		}
		return spatialite.IDFilter(t.Layer.RowIdentity, plan.SourceIDs, opts), nil
	}

	// the host evaluates filters on an engine of the same build, so without
	// spatial functions only id sets are runnable there
	_, spatial, err := h.deps.Conns.SQLite(ctx, path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExecution, err)
	}
	if !spatial {
		ids, err := h.directMatch(ctx, plan, t, path, "")
		if errors.Is(err, errNoSpatial) {
			return "", fmt.Errorf("%w: %s: %v", ErrExecution, path, err)
		}
		if err != nil {
			return "", err
		}
		return spatialite.IDFilter(t.Layer.RowIdentity, ids, opts), nil
	}

	s := plan.Source
	if s.Dialect == model.DialectSpatialite && s.ConnectionKey == t.Layer.ConnectionKey &&
		sqliteIDs(s.RowIdentity) && s.GeometryColumn != "" {
		var dist float64
		if plan.Request.Buffer.Kind == model.BufferStatic {
			dist = plan.Request.Buffer.Distance
		}
		return spatialite.CorrelatedFilter(preds, cand, spatialite.SourceTable{
			Table:          s.Table,
			GeometryColumn: s.GeometryColumn,
			SRID:           s.SRID,
			RowID:          s.RowIdentity.Field,
			IDs:            plan.SourceIDs,
			GeoPackage:     IsGeoPackage(h.path(s)),
		}, plan.BufferExpr, dist, segs, s.Geographic, opts)
	}

	ref, err := spatialite.Reference(prep.Literal, t.Layer.SRID, segs)
	if err != nil {
		return "", err
	}
	filter, err := spatialite.LiteralFilter(preds, cand, ref)
	if err != nil {
		return "", err
	}
	if limit := h.deps.Options.LiteralMaxBytes; limit <= 0 || prep.Literal.Bytes() <= limit {
		return filter, nil
	}

	ids, err := h.directMatch(ctx, plan, t, path, filter)
	if err != nil {
		return "", err
	}
	return spatialite.IDFilter(t.Layer.RowIdentity, ids, opts), nil
}

var errNoSpatial = errors.New("spatial functions unavailable")

// directMatch resolves matching row ids on the direct engine connection.
// Without spatial functions, GeoPackage geometries are decoded and matched
// client-side.
func (h *spatialiteHandle) directMatch(ctx context.Context, plan *Plan, t Target, path, filter string) ([]int64, error) {
	if !sqliteIDs(t.Layer.RowIdentity) {
		return nil, fmt.Errorf("%w: layer %s has no integer row identity", expr.ErrBuild, t.Layer.ID)
	}
	db, spatial, err := h.deps.Conns.SQLite(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecution, err)
	}
	if spatial {
		return queryIDs(ctx, db, spatialite.MatchQuery(t.Layer.Table, t.Layer.RowIdentity, filter))
	}
	if !IsGeoPackage(path) || h.deps.Preparer == nil {
		return nil, errNoSpatial
	}

	ref, err := h.deps.Preparer.Reference(plan.Prepared, t.Layer.SRID, plan.Segments(h.deps.Options))
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf("SELECT %s, %s FROM %s", expr.Ident(t.Layer.RowIdentity.Field),
		expr.Ident(t.Layer.GeometryColumn), expr.Ident(t.Layer.Table))
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecution, err)
	}
	defer func() { _ = rows.Close() }()
	var ids []int64
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		if blob == nil {
			continue
		}
		g, _, err := DecodeGPKG(blob)
		if err != nil {
			h.deps.Log.DebugContext(ctx, "skipping undecodable geometry", "layer", t.Layer.ID, "id", id, "err", err)
			continue
		}
		if g != nil && geoprep.RelateAny(plan.Request.Predicates, g, ref) {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

func queryIDs(ctx context.Context, db *sql.DB, q string) ([]int64, error) {
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecution, err)
	}
	defer func() { _ = rows.Close() }()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (h *spatialiteHandle) Combine(t Target, current, next string, op model.CombineOp) (string, error) {
	if t.IsSource {
		return expr.CombineSubset(current, next, op), nil
	}
	return expr.CombineRemote(spatialite.RemoteSet(t.Layer.Table, t.Layer.RowIdentity), current, next, op)
}

// Apply plans the expression on the direct connection before handing it to
// the host.
func (h *spatialiteHandle) Apply(ctx context.Context, t Target, expression string, force bool) error {
	if t.Layer.Table != "" {
		if db, _, err := h.deps.Conns.SQLite(ctx, h.path(t.Layer)); err == nil {
			q := fmt.Sprintf("EXPLAIN SELECT 1 FROM %s WHERE %s", expr.Ident(t.Layer.Table), expression)
			rows, err := db.QueryContext(ctx, q)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrExecution, err)
			}
			_ = rows.Close()
		} else {
			h.deps.Log.DebugContext(ctx, "skipping expression check", "layer", t.Layer.ID, "err", err)
		}
	}
	return applyViaHost(ctx, h.deps.Host, t, expression, force)
}

func absPath(p string) string {
	if a, err := filepath.Abs(p); err == nil {
		return a
	}
	return p
}
