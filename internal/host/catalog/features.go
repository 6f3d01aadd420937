package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/geofilter/internal/backend"
	"github.com/mohammed-shakir/geofilter/internal/expr"
	"github.com/mohammed-shakir/geofilter/internal/host"
)

type sourceKind int

const (
	kindGeoJSON sourceKind = iota
	kindSQLite
	kindPostgres
)

func kindOf(l *LayerSpec) sourceKind {
	if backend.LooksLikePostgres(l.Source) {
		return kindPostgres
	}
	path, _ := backend.FileSource(l.Source)
	if ok, _ := backend.IsSQLiteFile(path); ok {
		return kindSQLite
	}
	return kindGeoJSON
}

// idField is the column holding the host feature id.
func idField(l *LayerSpec) string {
	if l.PrimaryKey != "" {
		return l.PrimaryKey
	}
	if kindOf(l) == kindSQLite {
		return "rowid"
	}
	return "fid"
}

// readGeoJSON loads a FeatureCollection. Feature ids come from the declared
// key property, else a numeric feature id, else the position in the file.
func readGeoJSON(path, pk string) ([]host.Feature, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(b)
	if err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	out := make([]host.Feature, 0, len(fc.Features))
	for i, f := range fc.Features {
		id := int64(i)
		switch {
		case pk != "":
			v, ok := toInt(f.Properties[pk])
			if !ok {
				return nil, fmt.Errorf("catalog: %s feature %d: key %q is not an integer", path, i, pk)
			}
			id = v
		case f.ID != nil:
			if v, ok := toInt(f.ID); ok {
				id = v
			}
		}
		attrs := make(map[string]any, len(f.Properties))
		for k, v := range f.Properties {
			attrs[k] = v
		}
		out = append(out, host.Feature{ID: id, Geometry: f.Geometry, Attributes: attrs})
	}
	return out, nil
}

func toInt(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		if t == float64(int64(t)) {
			return int64(t), true
		}
	case int64:
		return t, true
	case int:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// selectFeatures builds the read of a SQL-backed layer: id, geometry and
// every declared field, restricted by ids or by the current filter.
func selectFeatures(l *LayerSpec, relation, geom string, ids []int64, filter string) (string, []string) {
	id := idField(l)
	var fields []string
	cols := []string{expr.Ident(id), geom}
	for _, f := range l.Fields {
		if f.Name == id || f.Name == l.GeometryColumn {
			continue
		}
		fields = append(fields, f.Name)
		cols = append(cols, expr.Ident(f.Name))
	}
	q := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), relation)
	switch {
	case len(ids) > 0:
		q += " WHERE " + expr.IntSet(expr.Ident(id), ids, expr.IDSetOptions{})
	case strings.TrimSpace(filter) != "":
		q += " WHERE " + filter
	}
	return q, fields
}

func scanFeatures(rows *sql.Rows, fields []string, decode func([]byte) (orb.Geometry, error)) ([]host.Feature, error) {
	defer func() { _ = rows.Close() }()
	var out []host.Feature
	for rows.Next() {
		var (
			id   int64
			blob []byte
		)
		vals := make([]any, len(fields))
		dest := []any{&id, &blob}
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		g, err := decode(blob)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", id, err)
		}
		attrs := make(map[string]any, len(fields))
		for i, f := range fields {
			if b, ok := vals[i].([]byte); ok {
				attrs[f] = string(b)
				continue
			}
			attrs[f] = vals[i]
		}
		out = append(out, host.Feature{ID: id, Geometry: g, Attributes: attrs})
	}
	return out, rows.Err()
}

func (h *Host) readSQLite(ctx context.Context, l *LayerSpec, ids []int64, filter string) ([]host.Feature, error) {
	path, layer := backend.FileSource(l.Source)
	db, _, err := h.conns.SQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	table := firstNonEmpty(l.Table, layer)
	if table == "" || l.GeometryColumn == "" {
		return nil, fmt.Errorf("catalog: layer %s needs table and geometry_column", l.ID)
	}
	q, fields := selectFeatures(l, expr.Ident(table), expr.Ident(l.GeometryColumn), ids, filter)
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", l.ID, err)
	}
	gpkg := backend.IsGeoPackage(path)
	return scanFeatures(rows, fields, func(b []byte) (orb.Geometry, error) {
		if gpkg {
			g, _, err := backend.DecodeGPKG(b)
			return g, err
		}
		return wkb.Unmarshal(b)
	})
}

func (h *Host) readPostgres(ctx context.Context, l *LayerSpec, ids []int64, filter string) ([]host.Feature, error) {
	src := backend.ParsePGSource(l.Source)
	db, err := h.conns.Postgres(ctx, src.Key, src.DSN)
	if err != nil {
		return nil, err
	}
	table := firstNonEmpty(l.Table, src.Table)
	geom := firstNonEmpty(l.GeometryColumn, src.GeometryColumn)
	if table == "" || geom == "" || (l.PrimaryKey == "" && src.PrimaryKey == "") {
		return nil, fmt.Errorf("catalog: layer %s needs table, geometry_column and primary_key", l.ID)
	}
	spec := *l
	spec.PrimaryKey = firstNonEmpty(l.PrimaryKey, src.PrimaryKey)
	rel := expr.Qualified(firstNonEmpty(l.Schema, src.Schema, "public"), table)
	q, fields := selectFeatures(&spec, rel, "ST_AsBinary("+expr.Ident(geom)+")", ids, filter)
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", l.ID, err)
	}
	return scanFeatures(rows, fields, func(b []byte) (orb.Geometry, error) { return wkb.Unmarshal(b) })
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
