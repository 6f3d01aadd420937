package task

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitDone(t *testing.T, u *Unit) {
	t.Helper()
	select {
	case <-u.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("unit %s not terminal, state=%s", u.ID, u.State())
	}
}

func TestUnit_TerminalHooksRunOnce(t *testing.T) {
	var hooks atomic.Int32
	u := NewUnit(context.Background(), "u1", "test", func(ctx context.Context) error { return nil })
	u.OnTerminal(func(*Unit) { hooks.Add(1) })

	u.Execute()
	u.Execute()
	u.Cancel()
	u.Fail(errors.New("late"))

	if u.State() != Completed || u.Err() != nil {
		t.Fatalf("state=%s err=%v", u.State(), u.Err())
	}
	if hooks.Load() != 1 {
		t.Fatalf("hooks=%d", hooks.Load())
	}
	// registering on a terminal unit runs immediately
	u.OnTerminal(func(*Unit) { hooks.Add(1) })
	if hooks.Load() != 2 {
		t.Fatalf("late hook not run")
	}
}

func TestUnit_CancelWhileQueuedSkipsRun(t *testing.T) {
	ran := false
	u := NewUnit(context.Background(), "u", "test", func(context.Context) error { ran = true; return nil })
	if !u.Cancel() {
		t.Fatal("cancel of queued unit refused")
	}
	u.Execute()
	if ran || u.State() != Cancelled {
		t.Fatalf("ran=%v state=%s", ran, u.State())
	}
}

func TestUnit_CancelWhileRunning(t *testing.T) {
	started := make(chan struct{})
	u := NewUnit(context.Background(), "u", "test", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	var seen State
	u.OnTerminal(func(u *Unit) { seen = u.State() })
	go u.Execute()
	<-started
	u.Cancel()
	waitDone(t, u)
	if seen != Cancelled || u.State() != Cancelled {
		t.Fatalf("seen=%s state=%s", seen, u.State())
	}
}

func TestPool_RunsAllAndCloseCancelsQueued(t *testing.T) {
	p := NewPool(2, 16, nil)
	var ran atomic.Int32
	block := make(chan struct{})
	var units []*Unit
	for i := range 6 {
		u := NewUnit(context.Background(), string(rune('a'+i)), "test", func(context.Context) error {
			ran.Add(1)
			<-block
			return nil
		})
		units = append(units, u)
		if err := p.Submit(context.Background(), u); err != nil {
			t.Fatal(err)
		}
	}
	// let both workers pick a unit
	deadline := time.Now().Add(2 * time.Second)
	for ran.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(block)
	for _, u := range units {
		waitDone(t, u)
		if u.State() != Completed {
			t.Fatalf("unit %s state=%s", u.ID, u.State())
		}
	}

	p2 := NewPool(1, 4, nil)
	hold := make(chan struct{})
	first := NewUnit(context.Background(), "first", "test", func(context.Context) error { <-hold; return nil })
	queued := NewUnit(context.Background(), "queued", "test", func(context.Context) error { return nil })
	_ = p2.Submit(context.Background(), first)
	deadline = time.Now().Add(2 * time.Second)
	for first.State() != Running && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	_ = p2.Submit(context.Background(), queued)
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(hold)
	}()
	p2.Close()
	waitDone(t, queued)
	if queued.State() != Cancelled {
		t.Fatalf("queued state=%s", queued.State())
	}
	if err := p2.Submit(context.Background(), NewUnit(context.Background(), "x", "test", nil)); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("err=%v", err)
	}
	p.Close()
}

var errBusy = errors.New("busy")

func TestRetry_BoundedThenOneForcedAttempt(t *testing.T) {
	var calls []bool
	r := Retry{Max: 3, Interval: time.Millisecond}
	err := r.Do(context.Background(), func(err error) bool { return errors.Is(err, errBusy) },
		func(_ context.Context, force bool) error {
			calls = append(calls, force)
			return errBusy
		})
	if !errors.Is(err, errBusy) {
		t.Fatalf("err=%v", err)
	}
	want := []bool{false, false, false, true}
	if len(calls) != len(want) {
		t.Fatalf("calls=%v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls=%v", calls)
		}
	}
}

func TestRetry_StopsOnSuccessAndFatalErrors(t *testing.T) {
	n := 0
	err := Retry{Max: 5}.Do(context.Background(), func(error) bool { return true },
		func(context.Context, bool) error {
			n++
			if n == 2 {
				return nil
			}
			return errBusy
		})
	if err != nil || n != 2 {
		t.Fatalf("err=%v n=%d", err, n)
	}

	fatal := errors.New("fatal")
	n = 0
	err = Retry{Max: 5}.Do(context.Background(), func(err error) bool { return err == errBusy },
		func(context.Context, bool) error { n++; return fatal })
	if !errors.Is(err, fatal) || n != 1 {
		t.Fatalf("err=%v n=%d", err, n)
	}
}

type controller struct {
	mu     sync.Mutex
	closed bool
	hits   int
}

func (c *controller) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestRef_NoOpAfterCloseOrCollection(t *testing.T) {
	c := &controller{}
	ref := NewRef(c, nil)
	hit := func(c *controller) error { c.hits++; return nil }

	if err := ref.Call(context.Background(), "hit", hit); err != nil || c.hits != 1 {
		t.Fatalf("err=%v hits=%d", err, c.hits)
	}
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	if err := ref.Call(context.Background(), "hit", hit); !errors.Is(err, ErrControllerGone) || c.hits != 1 {
		t.Fatalf("closed controller: err=%v hits=%d", err, c.hits)
	}

	gone := NewRef(&controller{}, nil)
	runtime.GC()
	runtime.GC()
	err := gone.Call(context.Background(), "hit", hit)
	if err != nil && !errors.Is(err, ErrControllerGone) {
		t.Fatalf("err=%v", err)
	}
}
