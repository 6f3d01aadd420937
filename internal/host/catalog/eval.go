package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/mohammed-shakir/geofilter/internal/expr"
	"github.com/mohammed-shakir/geofilter/internal/host"
)

// evaluator mirrors the attributes of in-memory layers into an in-memory
// SQLite database so filter text can be evaluated as the file driver would.
type evaluator struct {
	db *sql.DB

	mu     sync.Mutex
	loaded map[string]bool
}

func newEvaluator() (*evaluator, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("catalog: open evaluator: %w", err)
	}
	// every connection to :memory: is its own database
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	return &evaluator{db: db, loaded: map[string]bool{}}, nil
}

func tableFor(layerID string) string { return expr.Ident("layer_" + layerID) }

// drop forgets the layer's table; the next load rebuilds it.
func (e *evaluator) drop(ctx context.Context, layerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded[layerID] {
		return nil
	}
	if _, err := e.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+tableFor(layerID)); err != nil {
		return fmt.Errorf("catalog: drop evaluator table: %w", err)
	}
	delete(e.loaded, layerID)
	return nil
}

// load creates the layer's table once: the id column plus one column per
// attribute key.
func (e *evaluator) load(ctx context.Context, layerID, idField string, feats []host.Feature) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded[layerID] {
		return nil
	}
	keys := map[string]bool{}
	for _, f := range feats {
		for k := range f.Attributes {
			if k != idField {
				keys[k] = true
			}
		}
	}
	cols := make([]string, 0, len(keys))
	for k := range keys {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	defs := []string{expr.Ident(idField) + " INTEGER PRIMARY KEY"}
	names := []string{expr.Ident(idField)}
	for _, c := range cols {
		defs = append(defs, expr.Ident(c))
		names = append(names, expr.Ident(c))
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", tableFor(layerID), strings.Join(defs, ", "))); err != nil {
		return fmt.Errorf("catalog: create evaluator table: %w", err)
	}
	ph := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", tableFor(layerID), strings.Join(names, ", "), ph))
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()
	for _, f := range feats {
		args := make([]any, 0, len(names))
		args = append(args, f.ID)
		for _, c := range cols {
			args = append(args, sqlValue(f.Attributes[c]))
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("catalog: load feature %d: %w", f.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.loaded[layerID] = true
	return nil
}

func sqlValue(v any) any {
	switch t := v.(type) {
	case nil, string, int64, float64, bool:
		return t
	case int:
		return int64(t)
	}
	return fmt.Sprint(v)
}

// ids returns the ids of rows matching filter, sorted.
func (e *evaluator) ids(ctx context.Context, layerID, idField, filter string) ([]int64, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY 1", expr.Ident(idField), tableFor(layerID), filter)
	rows, err := e.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("catalog: evaluate filter: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (e *evaluator) count(ctx context.Context, layerID, filter string) (int64, error) {
	var n int64
	q := fmt.Sprintf("SELECT count(*) FROM %s WHERE %s", tableFor(layerID), filter)
	if err := e.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("catalog: count filter: %w", err)
	}
	return n, nil
}

func (e *evaluator) Close() error { return e.db.Close() }
