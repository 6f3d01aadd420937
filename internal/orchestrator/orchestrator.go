// Package orchestrator runs filter requests: it resolves every layer,
// prepares the source once per dialect, registers shared artifacts, and
// dispatches one unit per target to the task pool.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/geofilter/internal/backend"
	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/geoprep"
	"github.com/mohammed-shakir/geofilter/internal/host"
	"github.com/mohammed-shakir/geofilter/internal/logger"
	"github.com/mohammed-shakir/geofilter/internal/notify"
	"github.com/mohammed-shakir/geofilter/internal/task"
)

var (
	ErrClosed          = errors.New("orchestrator closed")
	ErrUnknownRequest  = errors.New("unknown request")
	errPipelineBusy    = errors.New("pipeline busy")
	errStillInProgress = errors.New("units still in progress")
)

type Config struct {
	// RequestTimeout arms the safety timer; zero disables it.
	RequestTimeout time.Duration
	// Apply retries a busy layer; the last attempt is forced.
	Apply task.Retry
	// Safety bounds the recovery after RequestTimeout before pending
	// units are failed.
	Safety task.Retry
	// Finished keeps results of completed requests for Status.
	Finished int
	// Overrides force a dialect for layers the request does not override.
	Overrides map[string]model.Dialect
}

func (c Config) withDefaults() Config {
	if c.Apply.Max <= 0 {
		c.Apply.Max = 3
	}
	if c.Apply.Interval <= 0 {
		c.Apply.Interval = 500 * time.Millisecond
	}
	if c.Safety.Max <= 0 {
		c.Safety.Max = 3
	}
	if c.Safety.Interval <= 0 {
		c.Safety.Interval = time.Second
	}
	if c.Finished <= 0 {
		c.Finished = 256
	}
	return c
}

type Deps struct {
	Host      host.Host
	Selector  *backend.Selector
	Preparer  *geoprep.Preparer
	Pool      *task.Pool
	Publisher notify.Publisher
	Log       *slog.Logger

	// OnProgress receives the consolidated event of each request.
	OnProgress func(notify.Event)
	OnComplete func(model.Result)
}

type pair struct{ source, target string }

type Orchestrator struct {
	deps Deps
	cfg  Config
	log  *slog.Logger

	mu        sync.Mutex
	closed    bool
	active    map[string]*run
	pipelines map[pair]string
	finished  *lru.Cache[string, model.Result]
}

func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Host == nil || deps.Selector == nil || deps.Pool == nil {
		return nil, errors.New("orchestrator: host, selector and pool are required")
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Preparer == nil {
		deps.Preparer = geoprep.NewPreparer(nil, deps.Log)
	}
	cfg = cfg.withDefaults()
	finished, err := lru.New[string, model.Result](cfg.Finished)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: result cache: %w", err)
	}
	return &Orchestrator{
		deps:      deps,
		cfg:       cfg,
		log:       deps.Log.With("component", "orchestrator"),
		active:    map[string]*run{},
		pipelines: map[pair]string{},
		finished:  finished,
	}, nil
}

// Handle is the caller's view of one submitted request.
type Handle struct {
	ID string
	r  *run
}

// Wait blocks until the request finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (model.Result, error) {
	select {
	case <-h.r.done:
		return h.r.result(), nil
	case <-ctx.Done():
		return h.r.result(), ctx.Err()
	}
}

func (h *Handle) Cancel() { h.r.cancelAll() }

func (h *Handle) Done() <-chan struct{} { return h.r.done }

// Submit validates req and starts it in the background. The request is
// copied; later changes by the caller have no effect.
func (o *Orchestrator) Submit(ctx context.Context, req model.FilterRequest) (*Handle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	id := logger.RequestID(ctx)
	if id == "" || o.active[id] != nil {
		id = logger.NewID()
	}
	rctx, cancel := context.WithCancel(logger.WithRequestID(context.WithoutCancel(ctx), id))
	r := newRun(rctx, o, cancel, id, req.Clone())
	o.active[id] = r
	o.mu.Unlock()

	go r.coordinate()
	return &Handle{ID: id, r: r}, nil
}

// Start submits req without keeping a handle; progress is followed with
// Status.
func (o *Orchestrator) Start(ctx context.Context, req model.FilterRequest) (string, error) {
	h, err := o.Submit(ctx, req)
	if err != nil {
		return "", err
	}
	return h.ID, nil
}

// Cancel cancels an active request. Units already terminal keep their outcome.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	r := o.active[id]
	o.mu.Unlock()
	if r == nil {
		if _, ok := o.finished.Get(id); ok {
			return nil
		}
		return ErrUnknownRequest
	}
	r.cancelAll()
	return nil
}

// Status reports the current or final result of a request.
func (o *Orchestrator) Status(id string) (model.Result, error) {
	o.mu.Lock()
	r := o.active[id]
	o.mu.Unlock()
	if r != nil {
		return r.result(), nil
	}
	if res, ok := o.finished.Get(id); ok {
		return res, nil
	}
	return model.Result{}, ErrUnknownRequest
}

// Close cancels every active request and waits for them to finish or ctx
// to expire.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	runs := make([]*run, 0, len(o.active))
	for _, r := range o.active {
		runs = append(runs, r)
	}
	o.mu.Unlock()
	for _, r := range runs {
		r.cancelAll()
	}
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (o *Orchestrator) claim(p pair, requestID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if owner, ok := o.pipelines[p]; ok && owner != requestID {
		return false
	}
	o.pipelines[p] = requestID
	return true
}

func (o *Orchestrator) finish(r *run, res model.Result, claimed []pair) {
	o.finished.Add(r.id, res)
	o.mu.Lock()
	for _, p := range claimed {
		if o.pipelines[p] == r.id {
			delete(o.pipelines, p)
		}
	}
	delete(o.active, r.id)
	o.mu.Unlock()
}
