package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mohammed-shakir/geofilter/internal/artifact"
	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/expr"
	"github.com/mohammed-shakir/geofilter/internal/expr/postgis"
	"github.com/mohammed-shakir/geofilter/internal/geoprep"
	"github.com/mohammed-shakir/geofilter/internal/host"
)

const (
	pgUndefinedTable = "42P01"
	pgLocator        = "ctid"
)

const pkQuery = `SELECT a.attname, format_type(a.atttypid, a.atttypmod)
FROM pg_index i
JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
WHERE i.indrelid = $1::regclass AND i.indisprimary`

const geomQuery = `SELECT f_geometry_column, srid FROM geometry_columns
WHERE f_table_schema = $1 AND f_table_name = $2 LIMIT 1`

func init() {
	Register(model.DialectPostgres, func(d Deps) Handle {
		return &postgresHandle{deps: d}
	})
}

type postgresHandle struct {
	deps    Deps
	schemas sync.Map // connection key -> struct{}, artifact schema ensured
}

func (h *postgresHandle) Dialect() model.Dialect { return model.DialectPostgres }

func isPGProvider(p string) bool {
	switch strings.ToLower(p) {
	case "postgres", "postgresql", "postgis":
		return true
	}
	return false
}

func (h *postgresHandle) Supports(info host.LayerInfo) error {
	if !isPGProvider(info.Provider) && !LooksLikePostgres(info.Source) {
		return fmt.Errorf("%w: %q is not a networked database source", ErrUnsupported, info.Source)
	}
	if !DriverAvailable(driverPostgres) {
		return fmt.Errorf("%w: driver %q not registered", ErrUnsupported, driverPostgres)
	}
	return nil
}

func (h *postgresHandle) Describe(ctx context.Context, info host.LayerInfo) (model.LayerDescriptor, error) {
	src := ParsePGSource(info.Source)
	d := model.LayerDescriptor{
		ID:             info.ID,
		Name:           info.Name,
		Provider:       info.Provider,
		Source:         info.Source,
		Dialect:        model.DialectPostgres,
		ConnectionKey:  src.Key,
		Schema:         firstNonEmpty(info.Schema, src.Schema, "public"),
		Table:          firstNonEmpty(info.Table, src.Table),
		GeometryColumn: firstNonEmpty(info.GeometryColumn, src.GeometryColumn),
		SRID:           firstPositive(info.SRID, src.SRID),
	}
	if pk := firstNonEmpty(info.PrimaryKey, src.PrimaryKey); pk != "" {
		d.RowIdentity = declaredIdentity(pk, fieldType(info, pk))
	}

	if (d.GeometryColumn == "" || d.SRID <= 0 || d.RowIdentity.Field == "") && src.DSN != "" && d.Table != "" {
		if err := h.introspect(ctx, src, &d); err != nil {
			h.deps.Log.WarnContext(ctx, "layer introspection failed", "layer", d.ID, "err", err)
		}
	}
	if d.RowIdentity.Field == "" && d.Table != "" {
		d.RowIdentity = model.RowIdentity{Field: pgLocator, Kind: model.RowIDLocator}
		h.deps.Log.WarnContext(ctx, "no declared key; using row locator, stable only within one read",
			"layer", d.ID, "locator", pgLocator)
	}
	d.Geographic = geoprep.Angular(d.SRID, info.Geographic)
	return d, nil
}

func (h *postgresHandle) introspect(ctx context.Context, src PGSource, d *model.LayerDescriptor) error {
	db, err := h.deps.Conns.Postgres(ctx, src.Key, src.DSN)
	if err != nil {
		return err
	}
	if d.GeometryColumn == "" || d.SRID <= 0 {
		var col string
		var srid int
		err := db.QueryRowContext(ctx, geomQuery, d.Schema, d.Table).Scan(&col, &srid)
		switch {
		case err == nil:
			if d.GeometryColumn == "" {
				d.GeometryColumn = col
			}
			if d.SRID <= 0 {
				d.SRID = srid
			}
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("geometry columns: %w", err)
		}
	}
	if d.RowIdentity.Field == "" {
		rows, err := db.QueryContext(ctx, pkQuery, expr.Qualified(d.Schema, d.Table))
		if err != nil {
			return fmt.Errorf("primary key: %w", err)
		}
		defer func() { _ = rows.Close() }()
		var cols, types []string
		for rows.Next() {
			var c, t string
			if err := rows.Scan(&c, &t); err != nil {
				return err
			}
			cols, types = append(cols, c), append(types, t)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		// composite keys cannot address a row with one id
		if len(cols) == 1 {
			d.RowIdentity = declaredIdentity(cols[0], types[0])
		}
	}
	return nil
}

func (h *postgresHandle) Prepare(_ context.Context, plan *Plan) (Prepared, error) {
	lit := plan.Prepared.Literal()
	if lit.Empty() {
		return Prepared{}, fmt.Errorf("%w: empty source geometry", expr.ErrBuild)
	}
	return Prepared{Dialect: model.DialectPostgres, Literal: lit}, nil
}

// sameConnection reports whether the selected source rows can be read by
// the target's own connection.
func (h *postgresHandle) sameConnection(plan *Plan, t Target) bool {
	s := plan.Source
	return s.Dialect == model.DialectPostgres && s.ConnectionKey == t.Layer.ConnectionKey &&
		s.RowIdentity.Numeric() && s.Table != "" && s.GeometryColumn != ""
}

func (h *postgresHandle) buffer(plan *Plan) postgis.Buffer {
	b := postgis.Buffer{
		Expr:       plan.BufferExpr,
		Segments:   plan.Segments(h.deps.Options),
		Geographic: plan.Source.Geographic,
	}
	if plan.Request.Buffer.Kind == model.BufferStatic {
		b.Distance = plan.Request.Buffer.Distance
	}
	return b
}

func (h *postgresHandle) sourceTable(plan *Plan) postgis.SourceTable {
	s := plan.Source
	return postgis.SourceTable{
		Schema:         s.Schema,
		Table:          s.Table,
		GeometryColumn: s.GeometryColumn,
		SRID:           s.SRID,
		RowID:          s.RowIdentity.Field,
		IDs:            plan.SourceIDs,
	}
}

func candidate(d model.LayerDescriptor) postgis.Candidate {
	return postgis.Candidate{Schema: d.Schema, Table: d.Table, GeometryColumn: d.GeometryColumn, SRID: d.SRID}
}

// Artifacts groups targets by connection and SRID and acquires one shared
// artifact per group, registering every target of the group up front.
// Targets whose artifact cannot be created fall back to the inline forms.
func (h *postgresHandle) Artifacts(ctx context.Context, plan *Plan, prep Prepared, targets []*Target) error {
	if !h.deps.Options.UseArtifacts || h.deps.Artifacts == nil {
		return nil
	}
	type groupKey struct {
		conn string
		srid int
	}
	groups := map[groupKey][]*Target{}
	var order []groupKey
	for _, t := range targets {
		// artifact matches are resolved to ids, which needs a numeric key
		if t.IsSource || t.Layer.Dialect != model.DialectPostgres || !t.Layer.RowIdentity.Numeric() {
			continue
		}
		k := groupKey{t.Layer.ConnectionKey, t.Layer.SRID}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], t)
	}

	schema := h.deps.Options.ArtifactSchema
	if schema == "" {
		schema = "public"
	}
	for _, k := range order {
		ts := groups[k]
		sel, err := h.artifactSelect(plan, prep, *ts[0], k.srid)
		if err != nil {
			return err
		}
		db, err := h.deps.Conns.Postgres(ctx, k.conn, ParsePGSource(ts[0].Layer.Source).DSN)
		if err != nil {
			h.deps.Log.WarnContext(ctx, "artifact connection unavailable; using inline expressions", "err", err)
			continue
		}
		if err := h.ensureSchema(ctx, db, k.conn, schema); err != nil {
			h.deps.Log.WarnContext(ctx, "artifact schema unavailable; using inline expressions", "schema", schema, "err", err)
			continue
		}
		consumers := make([]string, len(ts))
		for i, t := range ts {
			consumers[i] = artifact.ConsumerID(plan.RequestID, t.Layer.ID)
		}
		name, err := h.deps.Artifacts.Acquire(ctx, artifact.Spec{
			ConnectionKey: k.conn, Schema: schema, Select: sel, Exec: db,
		}, consumers...)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			h.deps.Log.WarnContext(ctx, "artifact creation failed; using inline expressions", "err", err)
			continue
		}
		for _, t := range ts {
			t.Artifact = name
		}
	}
	return nil
}

func (h *postgresHandle) artifactSelect(plan *Plan, prep Prepared, t Target, srid int) (string, error) {
	if h.sameConnection(plan, t) {
		return postgis.ArtifactSelectFromTable(h.sourceTable(plan), h.buffer(plan), srid, h.deps.Options.IDSet)
	}
	return postgis.ArtifactSelectFromLiteral(prep.Literal, srid, plan.Segments(h.deps.Options))
}

func (h *postgresHandle) ensureSchema(ctx context.Context, db *sql.DB, key, schema string) error {
	if _, ok := h.schemas.Load(key + "\x00" + schema); ok {
		return nil
	}
	if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+expr.Ident(schema)); err != nil {
		return err
	}
	h.schemas.Store(key+"\x00"+schema, struct{}{})
	return nil
}

func (h *postgresHandle) ReleaseArtifact(ctx context.Context, plan *Plan, t Target) {
	if t.Artifact == "" || h.deps.Artifacts == nil {
		return
	}
	h.deps.Artifacts.Release(ctx, t.Artifact, artifact.ConsumerID(plan.RequestID, t.Layer.ID))
}

func (h *postgresHandle) RecreateArtifact(ctx context.Context, t Target) error {
	if t.Artifact == "" || h.deps.Artifacts == nil {
		return artifact.ErrMissing
	}
	return h.deps.Artifacts.Recreate(ctx, t.Artifact)
}

func (h *postgresHandle) Expression(ctx context.Context, plan *Plan, prep Prepared, t Target) (string, error) {
	preds := plan.Request.Predicates
	switch {
	case t.IsSource:
		if !t.Layer.RowIdentity.Numeric() {
			return "", fmt.Errorf("%w: source layer %s has no numeric row identity", expr.ErrBuild, t.Layer.ID)
		}
		return postgis.IDFilter(t.Layer.RowIdentity, plan.SourceIDs, h.deps.Options.IDSet), nil
	case t.Artifact != "":
		return h.resolveArtifact(ctx, preds, t)
	case h.sameConnection(plan, t):
		return postgis.CorrelatedFilter(preds, candidate(t.Layer), h.sourceTable(plan), h.buffer(plan), h.deps.Options.IDSet)
	}
	ref, err := postgis.Reference(prep.Literal, t.Layer.SRID, plan.Segments(h.deps.Options))
	if err != nil {
		return "", err
	}
	return postgis.LiteralFilter(preds, t.Layer.GeometryColumn, ref)
}

// resolveArtifact evaluates the artifact match on the target connection and
// returns the matching rows as an id set. The applied filter stays on the
// layer after the request releases the artifact, so it must not name it.
func (h *postgresHandle) resolveArtifact(ctx context.Context, preds []model.Predicate, t Target) (string, error) {
	schema := firstNonEmpty(h.deps.Options.ArtifactSchema, "public")
	match, err := postgis.ArtifactFilter(preds, candidate(t.Layer), expr.Qualified(schema, t.Artifact))
	if err != nil {
		return "", err
	}
	db, err := h.deps.Conns.Postgres(ctx, t.Layer.ConnectionKey, ParsePGSource(t.Layer.Source).DSN)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExecution, err)
	}
	ids, err := queryPGIDs(ctx, db, postgis.MatchQuery(t.Layer.Schema, t.Layer.Table, t.Layer.RowIdentity, match))
	if err != nil {
		return "", classifyPG(t, err)
	}
	return postgis.IDFilter(t.Layer.RowIdentity, ids, h.deps.Options.IDSet), nil
}

func queryPGIDs(ctx context.Context, db *sql.DB, q string) ([]int64, error) {
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
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

func (h *postgresHandle) Combine(t Target, current, next string, op model.CombineOp) (string, error) {
	if t.IsSource {
		return expr.CombineSubset(current, next, op), nil
	}
	return expr.CombineRemote(postgis.RemoteSet(t.Layer.Schema, t.Layer.Table, t.Layer.RowIdentity), current, next, op)
}

// Apply plans the expression on the target connection before handing it to
// the host, so the database rejects it with its own message.
func (h *postgresHandle) Apply(ctx context.Context, t Target, expression string, force bool) error {
	src := ParsePGSource(t.Layer.Source)
	if src.DSN != "" && t.Layer.Table != "" {
		if db, err := h.deps.Conns.Postgres(ctx, t.Layer.ConnectionKey, src.DSN); err == nil {
			q := fmt.Sprintf("EXPLAIN SELECT 1 FROM %s WHERE %s", expr.Qualified(t.Layer.Schema, t.Layer.Table), expression)
			rows, err := db.QueryContext(ctx, q)
			if err != nil {
				return classifyPG(t, err)
			}
			_ = rows.Close()
		} else {
			h.deps.Log.DebugContext(ctx, "skipping expression check", "layer", t.Layer.ID, "err", err)
		}
	}
	return applyViaHost(ctx, h.deps.Host, t, expression, force)
}

func classifyPG(t Target, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgUndefinedTable && t.Artifact != "" {
			return fmt.Errorf("%w: %s", artifact.ErrMissing, pgErr.Message)
		}
		return fmt.Errorf("%w: %s (SQLSTATE %s)", ErrExecution, pgErr.Message, pgErr.Code)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrExecution, err)
}

func applyViaHost(ctx context.Context, hst host.Host, t Target, expression string, force bool) error {
	err := hst.ApplyFilter(ctx, t.Layer.ID, expression, force)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, host.ErrLayerBusy), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %v", ErrExecution, err)
}

func declaredIdentity(field, typ string) model.RowIdentity {
	t := strings.ToLower(typ)
	if t == "" || strings.Contains(t, "int") || t == "serial" || t == "bigserial" {
		return model.RowIdentity{Field: field, Kind: model.RowIDInteger}
	}
	return model.RowIdentity{Field: field, Kind: model.RowIDText}
}

func fieldType(info host.LayerInfo, name string) string {
	if f, ok := info.Field(name); ok {
		return f.Type
	}
	return ""
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(vs ...int) int {
	for _, v := range vs {
		if v > 0 {
			return v
		}
	}
	return 0
}
