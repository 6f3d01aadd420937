// Package ogr builds filter expressions for file-based layers without SQL
// sub-select support. Matching is resolved to row ids and emitted as a
// compressed id set over the synthesized feature id.
package ogr

import (
	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/expr"
)

// DefaultIDField is the sequential id the file driver synthesizes.
const DefaultIDField = "fid"

// IDFilter emits the id-set expression for matched rows. An empty match set
// yields an expression that matches nothing.
func IDFilter(rid model.RowIdentity, ids []int64, opts expr.IDSetOptions) string {
	field := rid.Field
	if field == "" {
		field = DefaultIDField
	}
	if rid.Kind == model.RowIDText {
		opts.CastAs = "INTEGER"
	}
	return expr.IntSet(expr.Ident(field), ids, opts)
}

// TextFilter matches rows keyed by text values.
func TextFilter(rid model.RowIdentity, ids []string, opts expr.IDSetOptions) string {
	return expr.TextSet(expr.Ident(rid.Field), ids, opts)
}

// Combine merges with the layer's current filter using boolean connectives;
// the driver cannot evaluate set operators.
func Combine(old, next string, op model.CombineOp) string {
	return expr.CombineSubset(old, next, op)
}
