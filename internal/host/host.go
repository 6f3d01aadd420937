// Package host declares the vector-data collaborator the filter engine runs
// against: layer metadata, feature reads, and filter application.
package host

import (
	"context"
	"errors"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
)

var (
	ErrLayerNotFound = errors.New("layer not found")
	// the layer is being edited or refreshed; applying a filter now would be lost
	ErrLayerBusy = errors.New("layer busy")
)

type Field struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// LayerInfo is the live signature of a layer as reported by the host.
type LayerInfo struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Provider       string  `json:"provider"`
	Source         string  `json:"source"`
	Table          string  `json:"table,omitempty"`
	Schema         string  `json:"schema,omitempty"`
	GeometryColumn string  `json:"geometry_column,omitempty"`
	PrimaryKey     string  `json:"primary_key,omitempty"`
	SRID           int     `json:"srid"`
	Geographic     bool    `json:"geographic"`
	Fields         []Field `json:"fields,omitempty"`
}

func (l LayerInfo) Field(name string) (Field, bool) {
	for _, f := range l.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

type Feature struct {
	ID         int64
	Geometry   orb.Geometry
	Attributes map[string]any
}

// Host is the vector-data collaborator. Implementations must be safe for
// concurrent use.
type Host interface {
	Layer(ctx context.Context, id string) (LayerInfo, error)
	// Features reads features by id; no ids means every feature visible
	// under the layer's current filter.
	Features(ctx context.Context, id string, ids []int64) ([]Feature, error)
	// MatchingIDs returns ids of features whose geometry satisfies any of
	// preds against ref. ref is expressed in the layer's SRID.
	MatchingIDs(ctx context.Context, id string, ref orb.Geometry, preds []model.Predicate) ([]int64, error)
	CurrentFilter(ctx context.Context, id string) (string, error)
	// ApplyFilter restricts the layer's visible rows. force skips the
	// busy check and is used for the last attempt of a bounded retry.
	ApplyFilter(ctx context.Context, id, expression string, force bool) error
	FeatureCount(ctx context.Context, id string) (int64, error)
}
