package task

import (
	"context"
	"log/slog"
	"time"
	"weak"
)

// Retry bounds a deferred retry: up to Max ordinary attempts spaced by
// Interval, then exactly one forced attempt, then stop.
type Retry struct {
	Max      int
	Interval time.Duration
	Log      *slog.Logger
}

// Do calls attempt until it succeeds or fails with an error retryable
// rejects. The last call has force set; its result is final.
func (r Retry) Do(ctx context.Context, retryable func(error) bool, attempt func(ctx context.Context, force bool) error) error {
	n := max(r.Max, 1)
	var err error
	for i := range n {
		if err = attempt(ctx, false); err == nil || !retryable(err) {
			return err
		}
		if r.Log != nil {
			r.Log.WarnContext(ctx, "attempt deferred", "attempt", i+1, "max", n, "err", err)
		}
		if err := sleep(ctx, r.Interval); err != nil {
			return err
		}
	}
	if r.Log != nil {
		r.Log.WarnContext(ctx, "retries exhausted; forcing final attempt", "err", err)
	}
	return attempt(ctx, true)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Controller is implemented by owners that can be torn down while
// callbacks are still pending.
type Controller interface {
	Closed() bool
}

// Ref is a non-owning reference to a controller. Callbacks built on it
// degrade to a no-op once the controller is closed or collected.
type Ref[T any] struct {
	p   weak.Pointer[T]
	log *slog.Logger
}

func NewRef[T any](v *T, log *slog.Logger) Ref[T] {
	if log == nil {
		log = slog.Default()
	}
	return Ref[T]{p: weak.Make(v), log: log}
}

// Call runs fn on the live controller. A gone controller yields
// ErrControllerGone, logged at debug only.
func (r Ref[T]) Call(ctx context.Context, what string, fn func(*T) error) error {
	v := r.p.Value()
	if v == nil {
		r.log.DebugContext(ctx, "callback after controller teardown ignored", "callback", what)
		return ErrControllerGone
	}
	if c, ok := any(v).(Controller); ok && c.Closed() {
		r.log.DebugContext(ctx, "callback after controller close ignored", "callback", what)
		return ErrControllerGone
	}
	return fn(v)
}
