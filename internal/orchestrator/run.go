package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mohammed-shakir/geofilter/internal/backend"
	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/core/observability"
	"github.com/mohammed-shakir/geofilter/internal/expr/bufexpr"
	"github.com/mohammed-shakir/geofilter/internal/host"
	"github.com/mohammed-shakir/geofilter/internal/logger"
	"github.com/mohammed-shakir/geofilter/internal/notify"
	"github.com/mohammed-shakir/geofilter/internal/task"
)

// run is the controller of one request. Unit callbacks reach it only
// through a task.Ref.
type run struct {
	o      *Orchestrator
	id     string
	req    model.FilterRequest
	layers []string
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger
	batch  *notify.Batcher
	done   chan struct{}

	mu        sync.Mutex
	closed    bool
	cancelled bool
	outcomes  map[string]model.LayerOutcome
	units     []*task.Unit
	final     *model.Result
}

type group struct {
	handle  backend.Handle
	prep    backend.Prepared
	targets []*backend.Target
	failed  bool
}

func newRun(ctx context.Context, o *Orchestrator, cancel context.CancelFunc, id string, req model.FilterRequest) *run {
	r := &run{
		o:        o,
		id:       id,
		req:      req,
		layers:   layerIDs(req),
		ctx:      ctx,
		cancel:   cancel,
		log:      o.log.With("request_id", id),
		done:     make(chan struct{}),
		outcomes: map[string]model.LayerOutcome{},
	}
	pub := o.deps.Publisher
	r.batch = notify.NewBatcher(id, o.deps.OnProgress, func(ev notify.Event) {
		if pub != nil {
			pub.Publish(ctx, ev)
		}
	})
	return r
}

// layerIDs lists every layer the request filters, source first when it
// is filtered too.
func layerIDs(req model.FilterRequest) []string {
	seen := map[string]bool{}
	var out []string
	if req.FilterSource {
		seen[req.SourceLayerID] = true
		out = append(out, req.SourceLayerID)
	}
	for _, id := range req.TargetLayerIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func (r *run) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *run) set(o model.LayerOutcome) {
	r.mu.Lock()
	r.outcomes[o.LayerID] = o
	r.mu.Unlock()
	r.batch.Add(o)
}

// settlePending gives every still pending layer the same outcome.
func (r *run) settlePending(status model.LayerStatus, reason string) {
	r.mu.Lock()
	var pending []model.LayerOutcome
	for _, o := range r.outcomes {
		if o.Status == model.StatusPending {
			o.Status, o.Reason = status, reason
			pending = append(pending, o)
		}
	}
	r.mu.Unlock()
	for _, o := range pending {
		r.set(o)
	}
}

func (r *run) stopped() bool {
	if r.ctx.Err() == nil {
		return false
	}
	r.settlePending(model.StatusCancelled, "cancelled")
	return true
}

func (r *run) result() model.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final != nil {
		return *r.final
	}
	return model.Aggregate(r.id, r.outcomes)
}

func (r *run) cancelAll() {
	r.mu.Lock()
	r.cancelled = true
	units := r.units
	r.mu.Unlock()
	r.cancel()
	for _, u := range units {
		u.Cancel()
	}
}

func (r *run) coordinate() {
	r.batch.Begin()
	claimed, units := r.dispatch()
	stop := r.armSafety(len(units) > 0)
	for _, u := range units {
		<-u.Done()
	}
	stop()

	r.mu.Lock()
	res := model.Aggregate(r.id, r.outcomes)
	r.final = &res
	r.closed = true
	r.mu.Unlock()

	r.batch.End()
	r.o.finish(r, res, claimed)
	observability.IncRequest(string(res.Status))
	r.log.InfoContext(r.ctx, "filter request finished", "status", string(res.Status), "summary", res.Summary())
	if r.o.deps.OnComplete != nil {
		r.o.deps.OnComplete(res)
	}
	r.cancel()
	close(r.done)
}

// dispatch runs the request steps up to handing units to the pool.
func (r *run) dispatch() ([]pair, []*task.Unit) {
	ctx, o, req := r.ctx, r.o, r.req
	for _, id := range r.layers {
		r.set(model.LayerOutcome{LayerID: id, Status: model.StatusPending})
	}

	srcInfo, err := o.deps.Host.Layer(ctx, req.SourceLayerID)
	if err != nil {
		r.settlePending(model.StatusFailed, "source layer: "+err.Error())
		return nil, nil
	}
	srcHandle, srcDesc, err := o.deps.Selector.Resolve(ctx, srcInfo, r.override(req.SourceLayerID))
	if err != nil {
		r.settlePending(model.StatusFailed, "source layer: "+err.Error())
		return nil, nil
	}
	feats, err := o.deps.Host.Features(ctx, req.SourceLayerID, req.SourceFeatureIDs)
	if err != nil {
		r.settlePending(model.StatusFailed, "source features: "+err.Error())
		return nil, nil
	}
	prepared, err := o.deps.Preparer.Prepare(feats, srcDesc.SRID, srcDesc.Geographic, req.Buffer)
	if err != nil {
		r.settlePending(model.StatusFailed, "source geometry: "+err.Error())
		return nil, nil
	}
	plan := &backend.Plan{
		RequestID: r.id,
		Request:   req,
		Source:    srcDesc,
		SourceIDs: featureIDs(feats),
		Prepared:  prepared,
	}
	if req.Buffer.Kind == model.BufferExpression {
		if plan.BufferExpr, err = bufexpr.Parse(req.Buffer.Expression); err != nil {
			r.settlePending(model.StatusFailed, "buffer expression: "+err.Error())
			return nil, nil
		}
	}
	if r.stopped() {
		return nil, nil
	}

	var claimed []pair
	groups := map[model.Dialect]*group{}
	var order []model.Dialect
	for _, id := range r.layers {
		if r.stopped() {
			return claimed, nil
		}
		p := pair{req.SourceLayerID, id}
		if !o.claim(p, r.id) {
			r.set(model.LayerOutcome{LayerID: id, Status: model.StatusSkipped, Reason: errPipelineBusy.Error()})
			continue
		}
		claimed = append(claimed, p)

		h, d := srcHandle, srcDesc
		isSource := id == req.SourceLayerID
		if !isSource {
			info, err := o.deps.Host.Layer(ctx, id)
			if err != nil {
				r.set(model.LayerOutcome{LayerID: id, Status: model.StatusSkipped, Reason: err.Error()})
				continue
			}
			if h, d, err = o.deps.Selector.Resolve(ctx, info, r.override(id)); err != nil {
				r.log.WarnContext(ctx, "layer skipped", "layer", id, "err", err)
				r.set(model.LayerOutcome{LayerID: id, Dialect: d.Dialect, Status: model.StatusSkipped, Reason: err.Error()})
				continue
			}
		}
		g := groups[h.Dialect()]
		if g == nil {
			g = &group{handle: h}
			groups[h.Dialect()] = g
			order = append(order, h.Dialect())
		}
		g.targets = append(g.targets, &backend.Target{Layer: d, IsSource: isSource})
	}

	// one literal per dialect, then artifacts for every target before
	// anything is dispatched
	for _, dialect := range order {
		g := groups[dialect]
		prep, err := g.handle.Prepare(ctx, plan)
		if err != nil {
			g.failed = true
			for _, t := range g.targets {
				r.set(model.LayerOutcome{LayerID: t.Layer.ID, Dialect: dialect, Status: model.StatusFailed, Reason: err.Error()})
			}
			continue
		}
		g.prep = prep
		if au, ok := g.handle.(backend.ArtifactUser); ok {
			if err := au.Artifacts(ctx, plan, prep, g.targets); err != nil && ctx.Err() == nil {
				r.log.WarnContext(ctx, "artifact registration failed; continuing inline", "dialect", string(dialect), "err", err)
			}
		}
	}

	ref := task.NewRef(r, r.log)
	var units []*task.Unit
	for _, dialect := range order {
		g := groups[dialect]
		if g.failed {
			continue
		}
		au, _ := g.handle.(backend.ArtifactUser)
		for _, t := range g.targets {
			w := &work{
				handle: g.handle,
				host:   o.deps.Host,
				plan:   plan,
				prep:   g.prep,
				target: t,
				retry:  o.cfg.Apply,
				log:    r.log,
			}
			w.retry.Log = r.log
			u := task.NewUnit(ctx, r.id+"/"+t.Layer.ID, string(dialect), w.run)
			u.OnTerminal(terminalHook(ref, au, plan, t, w))
			units = append(units, u)
		}
	}

	r.mu.Lock()
	r.units = units
	cancelled := r.cancelled
	r.mu.Unlock()
	if cancelled {
		// cancellation raced dispatch; hooks still release what was registered
		for _, u := range units {
			u.Cancel()
		}
		return claimed, units
	}
	for _, u := range units {
		if err := o.deps.Pool.Submit(ctx, u); err != nil {
			if errors.Is(err, context.Canceled) {
				u.Cancel()
			} else {
				u.Fail(fmt.Errorf("dispatch: %w", err))
			}
		}
	}
	return claimed, units
}

// terminalHook releases the unit's artifact reference, then reports the
// outcome to the controller if it is still around.
func terminalHook(ref task.Ref[run], au backend.ArtifactUser, plan *backend.Plan, t *backend.Target, w *work) func(*task.Unit) {
	return func(u *task.Unit) {
		ctx := logger.WithLayer(logger.WithRequestID(context.Background(), plan.RequestID), t.Layer.ID)
		if au != nil && t.Artifact != "" {
			au.ReleaseArtifact(ctx, plan, *t)
		}
		_ = ref.Call(ctx, "unit terminal", func(r *run) error {
			r.set(outcome(u, t, w))
			return nil
		})
	}
}

func outcome(u *task.Unit, t *backend.Target, w *work) model.LayerOutcome {
	o := model.LayerOutcome{LayerID: t.Layer.ID, Dialect: t.Layer.Dialect}
	switch u.State() {
	case task.Completed:
		o.Status = model.StatusFiltered
		o.Expression = w.expression
		o.FeatureCount = w.count
	case task.Cancelled:
		o.Status, o.Reason = model.StatusCancelled, "cancelled"
	default:
		o.Status = model.StatusFailed
		if err := u.Err(); err != nil {
			o.Reason = err.Error()
		}
	}
	return o
}

// armSafety fails units still running after RequestTimeout, after a
// bounded grace period. The timer holds only a weak reference to r.
func (r *run) armSafety(active bool) func() {
	timeout := r.o.cfg.RequestTimeout
	if !active || timeout <= 0 {
		return func() {}
	}
	ref := task.NewRef(r, r.log)
	retry := r.o.cfg.Safety
	retry.Log = r.log
	id := r.id
	quit := make(chan struct{})
	t := time.AfterFunc(timeout, func() {
		ctx, cancel := context.WithCancel(logger.WithRequestID(context.Background(), id))
		defer cancel()
		go func() {
			select {
			case <-quit:
				cancel()
			case <-ctx.Done():
			}
		}()
		_ = retry.Do(ctx, func(err error) bool { return errors.Is(err, errStillInProgress) },
			func(_ context.Context, force bool) error {
				return ref.Call(ctx, "safety timer", func(r *run) error { return r.expire(force, timeout) })
			})
	})
	return func() {
		t.Stop()
		close(quit)
	}
}

func (r *run) expire(force bool, timeout time.Duration) error {
	r.mu.Lock()
	units := r.units
	r.mu.Unlock()
	var pending []*task.Unit
	for _, u := range units {
		if !u.State().Terminal() {
			pending = append(pending, u)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	if !force {
		return errStillInProgress
	}
	r.log.WarnContext(r.ctx, "request timed out; failing pending units", "pending", len(pending), "timeout", timeout.String())
	for _, u := range pending {
		u.Fail(fmt.Errorf("%w after %s", task.ErrTimedOut, timeout))
	}
	return nil
}

// override returns the forced dialect of a layer: the request's own, else
// the configured default.
func (r *run) override(layerID string) *model.Dialect {
	if d, ok := r.req.Override(layerID); ok {
		return &d
	}
	if d, ok := r.o.cfg.Overrides[layerID]; ok && d != model.DialectUnknown {
		return &d
	}
	return nil
}

func featureIDs(feats []host.Feature) []int64 {
	out := make([]int64, 0, len(feats))
	for _, f := range feats {
		out = append(out, f.ID)
	}
	return out
}
