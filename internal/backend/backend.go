// Package backend classifies layers into storage dialects and turns prepared
// source geometry into filter expressions each dialect can evaluate.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/geofilter/internal/artifact"
	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/expr"
	"github.com/mohammed-shakir/geofilter/internal/expr/bufexpr"
	"github.com/mohammed-shakir/geofilter/internal/geoprep"
	"github.com/mohammed-shakir/geofilter/internal/host"
)

var (
	// ErrUnresolved reports a layer whose dialect or required fields could not be resolved.
	ErrUnresolved = errors.New("layer unresolved")
	// ErrExecution wraps a backend rejecting an expression; the native message is kept.
	ErrExecution = errors.New("backend execution")
	// ErrUnsupported is returned by Supports when a handle cannot serve a layer.
	ErrUnsupported = errors.New("layer not supported by backend")
)

// Options tune expression emission.
type Options struct {
	UseArtifacts    bool
	ArtifactSchema  string
	IDSet           expr.IDSetOptions
	Segments        int
	LiteralMaxBytes int
}

func (o Options) segments() int {
	if o.Segments <= 0 {
		return model.DefaultBufferSegments
	}
	return o.Segments
}

// Plan is the request-level input shared by every unit of one request.
type Plan struct {
	RequestID  string
	Request    model.FilterRequest
	Source     model.LayerDescriptor
	SourceIDs  []int64
	Prepared   geoprep.Source
	BufferExpr *bufexpr.Expr
}

// Segments is the quadrant segment count used for every buffer of the plan.
func (p *Plan) Segments(o Options) int {
	if p.Request.Buffer.Segments > 0 {
		return p.Request.Buffer.Segments
	}
	return o.segments()
}

// Prepared is the native source literal of one dialect, built once per request.
type Prepared struct {
	Dialect model.Dialect
	Literal expr.SourceLiteral
	// buffered reference in the source SRID, for client-side matching
	Geometry orb.Geometry
}

// Target is one layer a unit filters.
type Target struct {
	Layer model.LayerDescriptor
	// IsSource marks the source layer itself; it gets subset combination.
	IsSource bool
	// Artifact is the held artifact relation name, empty when none.
	Artifact string
}

// Handle is one dialect's view of the filter pipeline.
type Handle interface {
	Dialect() model.Dialect
	// Supports is the handle's own check whether it can serve the layer.
	Supports(info host.LayerInfo) error
	// Describe resolves connection, table, geometry column and row identity
	// from the live layer info, re-querying the store where needed.
	Describe(ctx context.Context, info host.LayerInfo) (model.LayerDescriptor, error)
	// Prepare builds the dialect's source literal. Called once per request.
	Prepare(ctx context.Context, plan *Plan) (Prepared, error)
	// Expression derives the match expression for one target.
	Expression(ctx context.Context, plan *Plan, prep Prepared, t Target) (string, error)
	// Combine merges the new expression with the layer's current filter.
	Combine(t Target, current, next string, op model.CombineOp) (string, error)
	// Apply hands the final expression to the host, first letting the store
	// reject it where it can.
	Apply(ctx context.Context, t Target, expression string, force bool) error
}

// ArtifactUser is implemented by handles that share materialized artifacts
// across targets. Artifacts acquires and registers every target before any
// unit is dispatched and sets Target.Artifact.
type ArtifactUser interface {
	Artifacts(ctx context.Context, plan *Plan, prep Prepared, targets []*Target) error
	ReleaseArtifact(ctx context.Context, plan *Plan, t Target)
	RecreateArtifact(ctx context.Context, t Target) error
}

// Deps are shared by every handle.
type Deps struct {
	Host      host.Host
	Conns     *Connections
	Artifacts *artifact.Manager
	Preparer  *geoprep.Preparer
	Options   Options
	Log       *slog.Logger
}

type Factory func(Deps) Handle

var (
	regMu sync.RWMutex
	reg   = map[model.Dialect]Factory{}
)

func Register(d model.Dialect, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	reg[d] = f
}

// New builds the handle for a dialect, falling back to ogr.
func New(d model.Dialect, deps Deps) (Handle, error) {
	regMu.RLock()
	f, ok := reg[d]
	regMu.RUnlock()
	if ok {
		return f(deps), nil
	}
	if deps.Log != nil {
		deps.Log.Warn("unknown dialect; falling back to ogr", "dialect", string(d))
	}
	regMu.RLock()
	f, ok = reg[model.DialectOGR]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no handle for %q and no ogr fallback", ErrUnresolved, d)
	}
	return f(deps), nil
}

func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(reg))
	for d := range reg {
		out = append(out, string(d))
	}
	sort.Strings(out)
	return out
}
