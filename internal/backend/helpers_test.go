package backend

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/host"
	"github.com/mohammed-shakir/geofilter/internal/logger"
)

func captureLog(t *testing.T) (*slog.Logger, *syncBuffer) {
	t.Helper()
	buf := &syncBuffer{}
	zl := zerolog.New(buf)
	return logger.NewSlog(&zl), buf
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

type fakeHost struct {
	mu      sync.Mutex
	layers  map[string]host.LayerInfo
	matches map[string][]int64
	filters map[string]string
	applied []string
}

func newFakeHost() *fakeHost {
	return &fakeHost{layers: map[string]host.LayerInfo{}, matches: map[string][]int64{}, filters: map[string]string{}}
}

func (f *fakeHost) Layer(_ context.Context, id string) (host.LayerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.layers[id]
	if !ok {
		return host.LayerInfo{}, host.ErrLayerNotFound
	}
	return l, nil
}

func (f *fakeHost) Features(context.Context, string, []int64) ([]host.Feature, error) {
	return nil, nil
}

func (f *fakeHost) MatchingIDs(_ context.Context, id string, _ orb.Geometry, _ []model.Predicate) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.matches[id], nil
}

func (f *fakeHost) CurrentFilter(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filters[id], nil
}

func (f *fakeHost) ApplyFilter(_ context.Context, id, expression string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters[id] = expression
	f.applied = append(f.applied, id)
	return nil
}

func (f *fakeHost) FeatureCount(context.Context, string) (int64, error) { return 0, nil }

// stubConn records statements sent to a networked database.
type stubConn struct {
	mu       sync.Mutex
	execs    []string
	queries  []string
	queryErr func(q string) error
	// match answers SELECT statements with row ids
	match func(q string) []int64
}

func newStubDB(t *testing.T) (*sql.DB, *stubConn) {
	t.Helper()
	conn := &stubConn{}
	name := fmt.Sprintf("stubpg%d", time.Now().UnixNano())
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, conn
}

type stubDriver struct{ conn *stubConn }

func (d *stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

func (c *stubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }
func (c *stubConn) Close() error                        { return nil }
func (c *stubConn) Begin() (driver.Tx, error)           { return nil, fmt.Errorf("not implemented") }
func (c *stubConn) Ping(context.Context) error          { return nil }

func (c *stubConn) ExecContext(_ context.Context, q string, _ []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = append(c.execs, q)
	return driver.RowsAffected(0), nil
}

func (c *stubConn) QueryContext(_ context.Context, q string, _ []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	c.queries = append(c.queries, q)
	fail, match := c.queryErr, c.match
	c.mu.Unlock()
	if fail != nil {
		if err := fail(q); err != nil {
			return nil, err
		}
	}
	if match != nil && strings.HasPrefix(q, "SELECT") {
		return &idRows{ids: match(q)}, nil
	}
	return emptyRows{}, nil
}

func (c *stubConn) statements(prefix string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, s := range append(append([]string(nil), c.execs...), c.queries...) {
		if strings.HasPrefix(s, prefix) {
			out = append(out, s)
		}
	}
	return out
}

type emptyRows struct{}

func (emptyRows) Columns() []string         { return []string{"QUERY PLAN"} }
func (emptyRows) Close() error              { return nil }
func (emptyRows) Next([]driver.Value) error { return io.EOF }

type idRows struct {
	ids []int64
	at  int
}

func (r *idRows) Columns() []string { return []string{"id"} }
func (r *idRows) Close() error      { return nil }

func (r *idRows) Next(dest []driver.Value) error {
	if r.at >= len(r.ids) {
		return io.EOF
	}
	dest[0] = r.ids[r.at]
	r.at++
	return nil
}
