package artifact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeDDL struct{}

func (fakeDDL) Create(schema, name, sel string) []string {
	return []string{"CREATE " + schema + "." + name + " AS " + sel}
}

func (fakeDDL) Drop(schema, name string) []string {
	return []string{"DROP " + schema + "." + name}
}

type recordingExec struct {
	mu      sync.Mutex
	stmts   []string
	creates atomic.Int32
	drops   atomic.Int32
	failOn  string
	gate    chan struct{}
	onDrop  func()
}

func (r *recordingExec) ExecContext(_ context.Context, q string, _ ...any) (sql.Result, error) {
	if strings.HasPrefix(q, "CREATE") {
		if r.gate != nil {
			<-r.gate
		}
		r.creates.Add(1)
	}
	if strings.HasPrefix(q, "DROP") {
		r.drops.Add(1)
		if r.onDrop != nil {
			r.onDrop()
		}
	}
	r.mu.Lock()
	r.stmts = append(r.stmts, q)
	r.mu.Unlock()
	if r.failOn != "" && strings.HasPrefix(q, r.failOn) {
		return nil, errors.New("boom")
	}
	return nil, nil
}

func consumers(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = ConsumerID("req-1", fmt.Sprintf("layer-%d", i))
	}
	return out
}

func TestEightConcurrentReleases_DropExactlyOnce(t *testing.T) {
	for round := range 20 {
		ex := &recordingExec{}
		m := NewManager(fakeDDL{}, nil)
		spec := Spec{ConnectionKey: "pg", Schema: "filter", Select: fmt.Sprintf("SELECT %d", round), Exec: ex}

		cs := consumers(8)
		name, err := m.Acquire(context.Background(), spec, cs...)
		if err != nil {
			t.Fatal(err)
		}
		if got := m.Refs(name); got != 8 {
			t.Fatalf("refs=%d want 8", got)
		}

		var early atomic.Bool
		ex.onDrop = func() {
			if m.Refs(name) != 0 || m.State(name) != Retiring {
				early.Store(true)
			}
		}

		rand.Shuffle(len(cs), func(i, j int) { cs[i], cs[j] = cs[j], cs[i] })
		var wg sync.WaitGroup
		start := make(chan struct{})
		for _, c := range cs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				m.Release(context.Background(), name, c)
				// repeated release must not push the count below zero
				m.Release(context.Background(), name, c)
			}()
		}
		close(start)
		wg.Wait()

		if d := ex.drops.Load(); d != 1 {
			t.Fatalf("round %d: drops=%d want 1", round, d)
		}
		if early.Load() {
			t.Fatalf("round %d: dropped while consumers were still registered", round)
		}
		if m.Refs(name) != 0 || m.State(name) != Absent {
			t.Fatalf("round %d: refs=%d state=%s", round, m.Refs(name), m.State(name))
		}
	}
}

func TestConcurrentAcquire_CreatesOnce(t *testing.T) {
	ex := &recordingExec{gate: make(chan struct{})}
	m := NewManager(fakeDDL{}, nil)
	spec := Spec{ConnectionKey: "pg", Schema: "filter", Select: "SELECT 1", Exec: ex}

	var wg sync.WaitGroup
	names := make([]string, 4)
	errs := make([]error, 4)
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			names[i], errs[i] = m.Acquire(context.Background(), spec, ConsumerID(fmt.Sprintf("req-%d", i), "roads"))
		}()
	}
	deadline := time.Now().Add(2 * time.Second)
	for m.Refs(spec.Name()) < 4 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(ex.gate)
	wg.Wait()

	for i := range 4 {
		if errs[i] != nil || names[i] != spec.Name() {
			t.Fatalf("acquire %d: name=%q err=%v", i, names[i], errs[i])
		}
	}
	if c := ex.creates.Load(); c != 1 {
		t.Fatalf("creates=%d want 1", c)
	}
	if m.Refs(spec.Name()) != 4 {
		t.Fatalf("refs=%d want 4 (additive across requests)", m.Refs(spec.Name()))
	}
}

func TestAcquire_CreateFailureLeavesNothing(t *testing.T) {
	ex := &recordingExec{failOn: "CREATE"}
	m := NewManager(fakeDDL{}, nil)
	spec := Spec{ConnectionKey: "pg", Schema: "s", Select: "SELECT 2", Exec: ex}

	if _, err := m.Acquire(context.Background(), spec, "a", "b"); err == nil {
		t.Fatal("expected error")
	}
	if m.Refs(spec.Name()) != 0 || m.State(spec.Name()) != Absent {
		t.Fatalf("refs=%d state=%s", m.Refs(spec.Name()), m.State(spec.Name()))
	}
	if ex.drops.Load() != 0 {
		t.Fatal("nothing was created, nothing to drop")
	}
}

func TestAcquire_AfterRetireRecreates(t *testing.T) {
	ex := &recordingExec{}
	m := NewManager(fakeDDL{}, nil)
	spec := Spec{ConnectionKey: "pg", Schema: "s", Select: "SELECT 3", Exec: ex}

	name, err := m.Acquire(context.Background(), spec, "a")
	if err != nil {
		t.Fatal(err)
	}
	m.Release(context.Background(), name, "a")
	m.Release(context.Background(), "fm_src_unknown", "a")

	if _, err := m.Acquire(context.Background(), spec, "b"); err != nil {
		t.Fatal(err)
	}
	if ex.creates.Load() != 2 || ex.drops.Load() != 1 {
		t.Fatalf("creates=%d drops=%d", ex.creates.Load(), ex.drops.Load())
	}
}

func TestRecreate(t *testing.T) {
	ex := &recordingExec{}
	m := NewManager(fakeDDL{}, nil)
	spec := Spec{ConnectionKey: "pg", Schema: "s", Select: "SELECT 4", Exec: ex}

	if err := m.Recreate(context.Background(), spec.Name()); !errors.Is(err, ErrMissing) {
		t.Fatalf("err=%v want ErrMissing", err)
	}
	name, _ := m.Acquire(context.Background(), spec, "a")
	if err := m.Recreate(context.Background(), name); err != nil {
		t.Fatal(err)
	}
	if ex.creates.Load() != 2 {
		t.Fatalf("creates=%d", ex.creates.Load())
	}
	m.Close(context.Background())
	if m.State(name) != Absent || ex.drops.Load() != 1 {
		t.Fatalf("close left state=%s drops=%d", m.State(name), ex.drops.Load())
	}
}

func TestName_StableAndWhitespaceInsensitive(t *testing.T) {
	a := Name("pg", "s", "SELECT  1\n FROM t")
	b := Name("pg", "s", "SELECT 1 FROM t")
	c := Name("pg", "s", "SELECT 1 FROM  'x  y'")
	d := Name("pg", "s", "SELECT 1 FROM 'x y'")
	if a != b {
		t.Fatalf("%s != %s", a, b)
	}
	if c == d {
		t.Fatal("whitespace inside literals must matter")
	}
	if !strings.HasPrefix(a, Prefix) || len(a) != len(Prefix)+16 {
		t.Fatalf("name=%s", a)
	}
	if Name("other", "s", "SELECT 1 FROM t") == a {
		t.Fatal("connection key must be part of the name")
	}
}
