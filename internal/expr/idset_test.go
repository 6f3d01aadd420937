package expr

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func openIDTable(t *testing.T, maxID int64) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "ids.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `CREATE TABLE t ("id" INTEGER PRIMARY KEY)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO t ("id") VALUES (?)`)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	for i := int64(0); i <= maxID; i++ {
		if _, err := stmt.ExecContext(ctx, i); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return db
}

func selectIDs(t *testing.T, db *sql.DB, where string) []int64 {
	t.Helper()
	rows, err := db.QueryContext(context.Background(), `SELECT "id" FROM t WHERE `+where+` ORDER BY "id"`)
	if err != nil {
		t.Fatalf("query %q...: %v", truncate(where, 120), err)
	}
	defer func() { _ = rows.Close() }()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			t.Fatalf("scan: %v", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}
	return out
}

func naiveIn(field string, ids []int64) string {
	if len(ids) == 0 {
		return "1 = 0"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = Int(id)
	}
	return field + " IN (" + strings.Join(parts, ", ") + ")"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// scattered values with gaps of 2..4 and three long consecutive runs
func scenarioIDs() ([]int64, int) {
	var ids []int64
	next := int64(10)
	for len(ids) < 1234-3*60 {
		ids = append(ids, next)
		next += 2 + int64(len(ids)%3)
	}
	runStarts := []int64{next + 100, next + 1000, next + 5000}
	for _, s := range runStarts {
		for i := int64(0); i < 60; i++ {
			ids = append(ids, s+i)
		}
	}
	return ids, len(runStarts)
}

func TestIntSet_ScenarioThreeRuns(t *testing.T) {
	ids, wantRuns := scenarioIDs()
	if len(ids) != 1234 {
		t.Fatalf("fixture has %d ids, want 1234", len(ids))
	}
	rand.New(rand.NewPCG(1, 2)).Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

	got := IntSet(`"id"`, ids, IDSetOptions{})
	if n := strings.Count(got, "BETWEEN"); n != wantRuns {
		t.Fatalf("BETWEEN clauses=%d want %d", n, wantRuns)
	}
	inClauses := strings.Count(got, " IN (")
	if inClauses < 2 {
		t.Fatalf("expected chunked IN clauses for %d remaining ids, got %d", 1234-180, inClauses)
	}
	for _, clause := range strings.Split(got, " OR ") {
		if strings.Contains(clause, " IN (") {
			if vals := strings.Count(clause, ",") + 1; vals > 1000 {
				t.Fatalf("IN chunk has %d values, want <= 1000", vals)
			}
		}
	}

	db := openIDTable(t, slices.Max(ids)+10)
	want := selectIDs(t, db, naiveIn(`"id"`, ids))
	have := selectIDs(t, db, got)
	if !slices.Equal(want, have) {
		t.Fatalf("compressed form matched %d rows, naive %d", len(have), len(want))
	}
}

func TestIntSet_EquivalentToNaiveIn(t *testing.T) {
	const maxID = 6000
	db := openIDTable(t, maxID)
	rng := rand.New(rand.NewPCG(42, 7))

	cases := map[string][]int64{
		"empty":     nil,
		"single":    {17},
		"dupes":     {5, 5, 6, 6, 7},
		"all_runs":  seq(100, 2100),
		"boundary":  append(seq(0, 499), 900),
		"scattered": nil,
		"mixed":     nil,
	}
	for i := 0; i < 1500; i++ {
		cases["scattered"] = append(cases["scattered"], int64(rng.IntN(maxID)))
	}
	cases["mixed"] = append(seq(40, 95), seq(3000, 3011)...)
	for i := 0; i < 2500; i++ {
		cases["mixed"] = append(cases["mixed"], int64(rng.IntN(maxID)))
	}

	for name, ids := range cases {
		t.Run(name, func(t *testing.T) {
			for _, opts := range []IDSetOptions{{}, {InlineMax: 1, ChunkSize: 7, MinRun: 3}} {
				want := selectIDs(t, db, naiveIn(`"id"`, ids))
				have := selectIDs(t, db, IntSet(`"id"`, ids, opts))
				if !slices.Equal(want, have) {
					t.Fatalf("opts=%+v: compressed matched %d rows, naive %d", opts, len(have), len(want))
				}
			}
		})
	}
}

func TestIntSet_SmallSetStaysInline(t *testing.T) {
	got := IntSet(`"fid"`, []int64{3, 1, 2}, IDSetOptions{})
	if got != `"fid" IN (1, 2, 3)` {
		t.Fatalf("got %q", got)
	}
}

func TestIntSet_CastWrapsIdentifierOnly(t *testing.T) {
	ids := seq(1, 800)
	got := IntSet(`"Code"`, ids, IDSetOptions{CastAs: "BIGINT"})
	if got != `CAST("Code" AS BIGINT) BETWEEN 1 AND 799` {
		t.Fatalf("got %q", got)
	}
}

func TestPartition_MaximalRuns(t *testing.T) {
	ids := append(seq(1, 21), 30, 32, 34)
	ids = append(ids, seq(40, 45)...)
	runs, rest := Partition(ids, 10)
	if len(runs) != 1 || runs[0] != (Run{Lo: 1, Hi: 20}) {
		t.Fatalf("runs=%v", runs)
	}
	if len(rest) != 3+5 {
		t.Fatalf("rest=%v", rest)
	}
}

func TestTextSet_QuotesAndChunks(t *testing.T) {
	got := TextSet(`"code"`, []string{"b", "a'x", "b"}, IDSetOptions{})
	if got != `"code" IN ('a''x', 'b')` {
		t.Fatalf("got %q", got)
	}
	ids := make([]string, 1500)
	for i := range ids {
		ids[i] = fmt.Sprintf("k%04d", i)
	}
	if n := strings.Count(TextSet(`"code"`, ids, IDSetOptions{}), " IN ("); n != 2 {
		t.Fatalf("IN chunks=%d want 2", n)
	}
}

func seq(lo, hi int64) []int64 {
	out := make([]int64, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, i)
	}
	return out
}
