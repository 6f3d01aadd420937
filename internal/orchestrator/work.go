package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mohammed-shakir/geofilter/internal/artifact"
	"github.com/mohammed-shakir/geofilter/internal/backend"
	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/host"
	"github.com/mohammed-shakir/geofilter/internal/logger"
	"github.com/mohammed-shakir/geofilter/internal/task"
)

// work is what one unit executes. It holds no reference to the request
// controller.
type work struct {
	handle backend.Handle
	host   host.Host
	plan   *backend.Plan
	prep   backend.Prepared
	target *backend.Target
	retry  task.Retry
	log    *slog.Logger

	// set on success, read only after the unit completed
	expression string
	count      int64
}

func (w *work) run(ctx context.Context) error {
	t := w.target
	ctx = logger.WithDialect(logger.WithLayer(ctx, t.Layer.ID), string(t.Layer.Dialect))

	final, err := w.attempt(ctx)
	if errors.Is(err, artifact.ErrMissing) {
		au, ok := w.handle.(backend.ArtifactUser)
		if !ok {
			return err
		}
		w.log.WarnContext(ctx, "artifact missing; recreating once", "artifact", t.Artifact, "err", err)
		if rerr := au.RecreateArtifact(ctx, *t); rerr != nil {
			return fmt.Errorf("%w; recreate failed: %v", err, rerr)
		}
		final, err = w.attempt(ctx)
	}
	if err != nil {
		return err
	}

	w.expression = final
	n, err := w.host.FeatureCount(ctx, t.Layer.ID)
	if err != nil {
		w.log.WarnContext(ctx, "feature count unavailable; reporting 0", "err", err)
		n = 0
	}
	w.count = n
	return nil
}

// attempt builds the target's expression, combines it with the current
// filter and applies it.
func (w *work) attempt(ctx context.Context) (string, error) {
	t := w.target
	next, err := w.handle.Expression(ctx, w.plan, w.prep, *t)
	if err != nil {
		return "", err
	}
	final := next
	if op := w.plan.Request.Combine; op != model.CombineReplace {
		current, err := w.host.CurrentFilter(ctx, t.Layer.ID)
		if err != nil {
			return "", fmt.Errorf("current filter: %w", err)
		}
		if final, err = w.handle.Combine(*t, current, next, op); err != nil {
			return "", err
		}
	}
	return final, w.apply(ctx, final)
}

func (w *work) apply(ctx context.Context, expression string) error {
	return w.retry.Do(ctx,
		func(err error) bool { return errors.Is(err, host.ErrLayerBusy) },
		func(ctx context.Context, force bool) error {
			return w.handle.Apply(ctx, *w.target, expression, force)
		})
}
