package expr

import (
	"fmt"
	"strings"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
)

// PredicateCall renders ST_<pred>(candidate, reference).
func PredicateCall(p model.Predicate, candidate, reference string) (string, error) {
	fn := p.Function()
	if fn == "" {
		return "", fmt.Errorf("%w: unknown predicate %q", ErrBuild, p)
	}
	return fmt.Sprintf("%s(%s, %s)", fn, candidate, reference), nil
}

// AnyPredicate ORs one call per predicate; a row matches if any holds.
func AnyPredicate(preds []model.Predicate, candidate, reference string) (string, error) {
	if len(preds) == 0 {
		return "", fmt.Errorf("%w: no predicates", ErrBuild)
	}
	calls := make([]string, 0, len(preds))
	seen := make(map[model.Predicate]struct{}, len(preds))
	for _, p := range preds {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		c, err := PredicateCall(p, candidate, reference)
		if err != nil {
			return "", err
		}
		calls = append(calls, c)
	}
	if len(calls) == 1 {
		return calls[0], nil
	}
	return "(" + strings.Join(calls, " OR ") + ")", nil
}

// SplitDisjoint separates disjoint from the positive predicates.
func SplitDisjoint(preds []model.Predicate) (positive []model.Predicate, disjoint bool) {
	for _, p := range preds {
		if p == model.Disjoint {
			disjoint = true
			continue
		}
		positive = append(positive, p)
	}
	return positive, disjoint
}
