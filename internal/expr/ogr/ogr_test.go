package ogr

import (
	"strings"
	"testing"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/expr"
)

func TestIDFilter_DefaultsToSynthesizedField(t *testing.T) {
	got := IDFilter(model.RowIdentity{Kind: model.RowIDSynthesized}, []int64{3, 1, 2}, expr.IDSetOptions{})
	if got != `"fid" IN (1, 2, 3)` {
		t.Fatalf("got %s", got)
	}
	if got := IDFilter(model.RowIdentity{Field: "fid"}, nil, expr.IDSetOptions{}); got != "1 = 0" {
		t.Fatalf("empty=%s", got)
	}
}

func TestIDFilter_LargeSetsNeverSubSelect(t *testing.T) {
	ids := make([]int64, 0, 2000)
	for i := int64(0); i < 2000; i++ {
		ids = append(ids, i*3)
	}
	got := IDFilter(model.RowIdentity{Field: "fid", Kind: model.RowIDSynthesized}, ids, expr.IDSetOptions{})
	if strings.Contains(strings.ToUpper(got), "SELECT") {
		t.Fatalf("id set must not use a sub-select")
	}
	if n := strings.Count(got, " IN ("); n != 2 {
		t.Fatalf("want 2 IN chunks, got %d", n)
	}
}

func TestCombineUsesConnectives(t *testing.T) {
	if got := Combine(`"kind" = 'a'`, `"fid" IN (1)`, model.CombineOr); got != `("kind" = 'a') OR ("fid" IN (1))` {
		t.Fatalf("got %s", got)
	}
	if got := TextFilter(model.RowIdentity{Field: "Code"}, []string{"b", "a'"}, expr.IDSetOptions{}); got != `"Code" IN ('a''', 'b')` {
		t.Fatalf("text=%s", got)
	}
}
