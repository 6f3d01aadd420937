package expr

import (
	"fmt"
	"strings"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
)

// CombineSubset merges old and new with the boolean connective of op.
// Used for the source layer and for targets without sub-select support.
func CombineSubset(old, next string, op model.CombineOp) string {
	old = strings.TrimSpace(old)
	if op == model.CombineReplace || old == "" {
		return next
	}
	return Paren(old) + " " + op.Connective() + " " + Paren(next)
}

// RemoteSet describes the relation both sides of a remote-set combination select from.
type RemoteSet struct {
	// quoted, possibly qualified relation name
	Relation string
	// quoted row identity field
	RowID string
}

// CombineRemote merges old and new as a set operation over matching row ids.
func CombineRemote(rs RemoteSet, old, next string, op model.CombineOp) (string, error) {
	old = strings.TrimSpace(old)
	if op == model.CombineReplace || old == "" {
		return next, nil
	}
	if rs.Relation == "" || rs.RowID == "" {
		return "", fmt.Errorf("%w: remote-set combination needs relation and row identity", ErrBuild)
	}
	sel := func(where string) string {
		return fmt.Sprintf("SELECT %s FROM %s WHERE %s", rs.RowID, rs.Relation, Paren(where))
	}
	return fmt.Sprintf("%s IN (%s %s %s)", rs.RowID, sel(old), op.SetOperator(), sel(next)), nil
}
