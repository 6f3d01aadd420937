// Package artifact manages materialized artifacts shared by concurrent
// filter units: keyed idempotent creation, reference counting by distinct
// consumer, and a drop that happens only when the last consumer leaves.
package artifact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/geofilter/internal/core/observability"
)

// ErrMissing reports an artifact that should exist but does not.
var ErrMissing = errors.New("artifact missing")

type State int

const (
	Absent State = iota
	Creating
	Ready
	Retiring
)

func (s State) String() string {
	switch s {
	case Creating:
		return "creating"
	case Ready:
		return "ready"
	case Retiring:
		return "retiring"
	}
	return "absent"
}

type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// DDL renders the dialect statements for an artifact.
type DDL interface {
	Create(schema, name, selectSQL string) []string
	Drop(schema, name string) []string
}

// Spec holds the defining parameters of an artifact.
type Spec struct {
	ConnectionKey string
	Schema        string
	Select        string
	Exec          Execer
}

func (s Spec) Name() string { return Name(s.ConnectionKey, s.Schema, s.Select) }

// transition is an in-flight create or drop; done closes when it finishes.
type transition struct {
	done chan struct{}
	err  error
}

type entry struct {
	spec      Spec
	state     State
	consumers map[string]struct{}
	op        *transition
}

type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry

	ddl         DDL
	log         *slog.Logger
	dropTimeout time.Duration
	recreate    singleflight.Group
}

func NewManager(ddl DDL, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		entries:     map[string]*entry{},
		ddl:         ddl,
		log:         log,
		dropTimeout: 30 * time.Second,
	}
}

// Acquire registers consumers against the artifact and creates it if absent.
// Registration happens before creation so a consumer finishing early cannot
// observe a zero count while others are still joining. Concurrent callers
// with the same Spec share one creation.
func (m *Manager) Acquire(ctx context.Context, spec Spec, consumers ...string) (string, error) {
	if len(consumers) == 0 {
		return "", errors.New("artifact: acquire without consumers")
	}
	name := spec.Name()
	for {
		m.mu.Lock()
		e, ok := m.entries[name]
		if !ok {
			e = &entry{spec: spec, consumers: map[string]struct{}{}}
			m.entries[name] = e
		}

		switch e.state {
		case Retiring:
			op := e.op
			m.mu.Unlock()
			select {
			case <-op.done:
				continue
			case <-ctx.Done():
				return "", ctx.Err()
			}

		case Ready:
			e.register(consumers)
			m.mu.Unlock()
			return name, nil

		case Creating:
			e.register(consumers)
			op := e.op
			m.mu.Unlock()
			select {
			case <-op.done:
			case <-ctx.Done():
				m.releaseAll(ctx, name, consumers)
				return "", ctx.Err()
			}
			if op.err != nil {
				m.releaseAll(ctx, name, consumers)
				return "", op.err
			}
			return name, nil

		default:
			e.register(consumers)
			e.spec = spec
			e.state = Creating
			op := &transition{done: make(chan struct{})}
			e.op = op
			m.mu.Unlock()

			err := m.exec(ctx, spec.Exec, m.ddl.Create(spec.Schema, name, spec.Select))
			observability.ObserveArtifactOp("create", err)

			m.mu.Lock()
			e.op = nil
			if err != nil {
				op.err = fmt.Errorf("create artifact %s: %w", name, err)
				e.state = Absent
				close(op.done)
				m.mu.Unlock()
				m.releaseAll(ctx, name, consumers)
				return "", op.err
			}
			e.state = Ready
			observability.ArtifactsActive(1)
			close(op.done)
			m.log.Debug("artifact ready", "artifact", name, "consumers", len(e.consumers))
			if len(e.consumers) == 0 {
				// everyone left while it was being created
				drop := m.beginRetireLocked(e)
				m.mu.Unlock()
				m.finishRetire(ctx, name, e, drop)
				return "", fmt.Errorf("%w: %s retired during creation", ErrMissing, name)
			}
			m.mu.Unlock()
			return name, nil
		}
	}
}

func (e *entry) register(consumers []string) {
	for _, c := range consumers {
		e.consumers[c] = struct{}{}
	}
}

// Release deregisters one consumer. The artifact is dropped when the count
// reaches exactly zero; unknown or repeated releases are no-ops.
func (m *Manager) Release(ctx context.Context, name, consumer string) {
	m.mu.Lock()
	e, ok := m.entries[name]
	if !ok {
		m.mu.Unlock()
		m.log.Debug("release of unknown artifact ignored", "artifact", name, "consumer", consumer)
		return
	}
	if _, ok := e.consumers[consumer]; !ok {
		m.mu.Unlock()
		m.log.Debug("release of unregistered consumer ignored", "artifact", name, "consumer", consumer)
		return
	}
	delete(e.consumers, consumer)
	if len(e.consumers) > 0 {
		m.mu.Unlock()
		return
	}
	switch e.state {
	case Ready:
		drop := m.beginRetireLocked(e)
		m.mu.Unlock()
		m.finishRetire(ctx, name, e, drop)
		return
	case Absent:
		delete(m.entries, name)
	}
	// a Creating artifact is retired by its creator
	m.mu.Unlock()
}

func (m *Manager) releaseAll(ctx context.Context, name string, consumers []string) {
	for _, c := range consumers {
		m.Release(ctx, name, c)
	}
}

func (m *Manager) beginRetireLocked(e *entry) *transition {
	e.state = Retiring
	e.op = &transition{done: make(chan struct{})}
	return e.op
}

// finishRetire runs the drop outside the lock. The drop is not bound to the
// caller's cancellation: a cancelled request still has to clean up.
func (m *Manager) finishRetire(ctx context.Context, name string, e *entry, op *transition) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.dropTimeout)
	defer cancel()
	err := m.exec(dctx, e.spec.Exec, m.ddl.Drop(e.spec.Schema, name))
	observability.ObserveArtifactOp("drop", err)
	if err != nil {
		m.log.Error("artifact drop failed", "artifact", name, "err", err)
	} else {
		m.log.Debug("artifact dropped", "artifact", name)
	}

	m.mu.Lock()
	op.err = err
	e.state = Absent
	e.op = nil
	if len(e.consumers) == 0 && m.entries[name] == e {
		delete(m.entries, name)
	}
	observability.ArtifactsActive(-1)
	close(op.done)
	m.mu.Unlock()
}

// Recreate re-runs creation of a Ready artifact that the backend reported
// missing. Concurrent calls for the same name share one execution.
func (m *Manager) Recreate(ctx context.Context, name string) error {
	m.mu.Lock()
	e, ok := m.entries[name]
	if !ok || e.state != Ready {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is not held", ErrMissing, name)
	}
	spec := e.spec
	m.mu.Unlock()

	_, err, _ := m.recreate.Do(name, func() (any, error) {
		err := m.exec(ctx, spec.Exec, m.ddl.Create(spec.Schema, name, spec.Select))
		observability.ObserveArtifactOp("recreate", err)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("recreate artifact %s: %w", name, err)
	}
	m.log.Warn("artifact recreated after it went missing", "artifact", name)
	return nil
}

func (m *Manager) exec(ctx context.Context, ex Execer, stmts []string) error {
	if ex == nil {
		return errors.New("artifact: no executor")
	}
	for _, s := range stmts {
		if _, err := ex.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// Refs returns the number of registered consumers.
func (m *Manager) Refs(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[name]; ok {
		return len(e.consumers)
	}
	return 0
}

func (m *Manager) State(name string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[name]; ok {
		return e.state
	}
	return Absent
}

// Close drops every Ready artifact regardless of its consumers. Used at shutdown.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	type pending struct {
		name string
		e    *entry
		op   *transition
	}
	var drops []pending
	for name, e := range m.entries {
		if e.state != Ready {
			continue
		}
		clear(e.consumers)
		drops = append(drops, pending{name, e, m.beginRetireLocked(e)})
	}
	m.mu.Unlock()
	for _, d := range drops {
		m.finishRetire(ctx, d.name, d.e, d.op)
	}
}
