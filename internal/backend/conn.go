package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

const (
	driverPostgres = "pgx"
	driverSQLite   = "sqlite"
)

// DriverAvailable reports whether a database/sql driver is registered.
func DriverAvailable(name string) bool {
	return slices.Contains(sql.Drivers(), name)
}

var sqlOpen = sql.Open

type sqliteConn struct {
	db      *sql.DB
	spatial bool
}

// Connections caches one *sql.DB per networked connection key and per
// embedded database file. Concurrent first opens of the same key share one dial.
type Connections struct {
	mu     sync.Mutex
	pg     map[string]*sql.DB
	lite   map[string]sqliteConn
	group  singleflight.Group
	log    *slog.Logger
	closed bool
}

func NewConnections(log *slog.Logger) *Connections {
	if log == nil {
		log = slog.Default()
	}
	return &Connections{pg: map[string]*sql.DB{}, lite: map[string]sqliteConn{}, log: log}
}

var errClosed = errors.New("connections closed")

func (c *Connections) Postgres(ctx context.Context, key, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty connection string", ErrUnresolved)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errClosed
	}
	if db, ok := c.pg[key]; ok {
		c.mu.Unlock()
		return db, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("pg\x00"+key, func() (any, error) {
		db, err := sqlOpen(driverPostgres, dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(8)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			_ = db.Close()
			return nil, errClosed
		}
		c.pg[key] = db
		return db, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*sql.DB), nil
}

// Attach installs an already opened networked connection under key.
func (c *Connections) Attach(key string, db *sql.DB) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pg[key] = db
}

// SQLite opens the direct engine connection to a database file. spatial
// reports whether SpatiaLite functions are callable on it.
func (c *Connections) SQLite(ctx context.Context, path string) (*sql.DB, bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, false, errClosed
	}
	if sc, ok := c.lite[path]; ok {
		c.mu.Unlock()
		return sc.db, sc.spatial, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("lite\x00"+path, func() (any, error) {
		db, err := sqlOpen(driverSQLite, path+"?_pragma=busy_timeout(5000)")
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// one connection so a loaded extension stays loaded
		db.SetMaxOpenConns(1)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("open sqlite %s: %w", path, err)
		}
		sc := sqliteConn{db: db, spatial: loadSpatial(ctx, db)}
		if !sc.spatial {
			c.log.Debug("spatial functions unavailable on direct connection", "path", path)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			_ = db.Close()
			return nil, errClosed
		}
		c.lite[path] = sc
		return sc, nil
	})
	if err != nil {
		return nil, false, err
	}
	sc := v.(sqliteConn)
	return sc.db, sc.spatial, nil
}

func loadSpatial(ctx context.Context, db *sql.DB) bool {
	var v string
	if err := db.QueryRowContext(ctx, "SELECT spatialite_version()").Scan(&v); err == nil {
		return true
	}
	if _, err := db.ExecContext(ctx, "SELECT load_extension('mod_spatialite')"); err != nil {
		return false
	}
	return db.QueryRowContext(ctx, "SELECT spatialite_version()").Scan(&v) == nil
}

func (c *Connections) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	var errs []error
	for k, db := range c.pg {
		errs = append(errs, db.Close())
		delete(c.pg, k)
	}
	for k, sc := range c.lite {
		errs = append(errs, sc.db.Close())
		delete(c.lite, k)
	}
	return errors.Join(errs...)
}
