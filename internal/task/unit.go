// Package task runs filter units on a bounded worker pool: per-unit state
// machine, bounded retry, and callbacks that never keep their controller alive.
package task

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mohammed-shakir/geofilter/internal/core/observability"
)

var (
	// ErrControllerGone is returned by callbacks whose controller was torn down.
	ErrControllerGone = errors.New("controller gone")
	ErrTimedOut       = errors.New("timed out")
)

type State int32

const (
	Queued State = iota
	Running
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

func (s State) Terminal() bool { return s >= Completed }

// Unit is one target layer's work. Terminal hooks run exactly once, before
// Done is closed.
type Unit struct {
	ID    string
	Label string

	run    func(context.Context) error
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	err     error
	hooks   []func(*Unit)
	started time.Time
	done    chan struct{}
}

func NewUnit(ctx context.Context, id, label string, run func(context.Context) error) *Unit {
	uctx, cancel := context.WithCancel(ctx)
	return &Unit{ID: id, Label: label, run: run, ctx: uctx, cancel: cancel, done: make(chan struct{})}
}

// OnTerminal registers a hook; on an already terminal unit it runs at once.
func (u *Unit) OnTerminal(f func(*Unit)) {
	u.mu.Lock()
	if u.state.Terminal() {
		u.mu.Unlock()
		f(u)
		return
	}
	u.hooks = append(u.hooks, f)
	u.mu.Unlock()
}

func (u *Unit) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *Unit) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

func (u *Unit) Done() <-chan struct{} { return u.done }

// Cancel moves a non-terminal unit to Cancelled and interrupts its run.
func (u *Unit) Cancel() bool { return u.finish(Cancelled, context.Canceled) }

// Fail moves a non-terminal unit to Failed with err.
func (u *Unit) Fail(err error) bool { return u.finish(Failed, err) }

// Execute runs a Queued unit to its terminal state. Units cancelled while
// queued are skipped.
func (u *Unit) Execute() {
	u.mu.Lock()
	if u.state != Queued {
		u.mu.Unlock()
		return
	}
	u.state = Running
	u.started = time.Now()
	u.mu.Unlock()

	err := u.run(u.ctx)
	switch {
	case err == nil:
		u.finish(Completed, nil)
	case u.ctx.Err() != nil && errors.Is(err, context.Canceled):
		u.finish(Cancelled, err)
	default:
		u.finish(Failed, err)
	}
}

func (u *Unit) finish(s State, err error) bool {
	u.mu.Lock()
	if u.state.Terminal() {
		u.mu.Unlock()
		return false
	}
	u.state = s
	u.err = err
	hooks := u.hooks
	u.hooks = nil
	var dur float64
	if !u.started.IsZero() {
		dur = time.Since(u.started).Seconds()
	}
	u.mu.Unlock()

	u.cancel()
	observability.ObserveUnit(u.Label, s.String(), dur)
	for _, h := range hooks {
		h(u)
	}
	close(u.done)
	return true
}
