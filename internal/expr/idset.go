package expr

import (
	"fmt"
	"slices"
	"strings"
)

const (
	DefaultInlineMax = 500
	DefaultChunkSize = 1000
	DefaultMinRun    = 10
	maxChunkSize     = 1000
)

// IDSetOptions controls how large identifier sets are emitted.
type IDSetOptions struct {
	// sets up to this size are emitted as one IN list
	InlineMax int
	// upper bound on values per IN chunk, capped at 1000
	ChunkSize int
	// minimum length of a consecutive run emitted as BETWEEN
	MinRun int
	// optional explicit cast around the identifier, e.g. BIGINT
	CastAs string
}

func (o IDSetOptions) normalized() IDSetOptions {
	if o.InlineMax <= 0 {
		o.InlineMax = DefaultInlineMax
	}
	if o.ChunkSize <= 0 || o.ChunkSize > maxChunkSize {
		o.ChunkSize = DefaultChunkSize
	}
	if o.MinRun < 2 {
		o.MinRun = DefaultMinRun
	}
	return o
}

// Run is an inclusive range of consecutive identifiers.
type Run struct {
	Lo, Hi int64
}

func (r Run) Len() int64 { return r.Hi - r.Lo + 1 }

// Partition sorts and dedupes ids, then splits them into maximal consecutive runs
// of at least minRun values and the remaining scattered values.
func Partition(ids []int64, minRun int) ([]Run, []int64) {
	if len(ids) == 0 {
		return nil, nil
	}
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	var runs []Run
	rest := make([]int64, 0, len(sorted))
	start := 0
	for i := 1; i <= len(sorted); i++ {
		if i < len(sorted) && sorted[i] == sorted[i-1]+1 {
			continue
		}
		// sorted[start:i] is a maximal consecutive block
		if i-start >= minRun {
			runs = append(runs, Run{Lo: sorted[start], Hi: sorted[i-1]})
		} else {
			rest = append(rest, sorted[start:i]...)
		}
		start = i
	}
	return runs, rest
}

// IntSet emits a predicate matching exactly the given integer ids on field.
// field must already be a quoted or qualified identifier.
func IntSet(field string, ids []int64, opts IDSetOptions) string {
	opts = opts.normalized()
	col := field
	if opts.CastAs != "" {
		col = fmt.Sprintf("CAST(%s AS %s)", field, opts.CastAs)
	}
	if len(ids) == 0 {
		return "1 = 0"
	}
	if len(ids) <= opts.InlineMax {
		sorted := slices.Clone(ids)
		slices.Sort(sorted)
		sorted = slices.Compact(sorted)
		return col + " IN (" + joinInts(sorted) + ")"
	}

	runs, rest := Partition(ids, opts.MinRun)
	clauses := make([]string, 0, len(runs)+len(rest)/opts.ChunkSize+1)
	for _, r := range runs {
		clauses = append(clauses, fmt.Sprintf("%s BETWEEN %d AND %d", col, r.Lo, r.Hi))
	}
	for chunk := range slices.Chunk(rest, opts.ChunkSize) {
		clauses = append(clauses, col+" IN ("+joinInts(chunk)+")")
	}
	if len(clauses) == 1 {
		return clauses[0]
	}
	return "(" + strings.Join(clauses, " OR ") + ")"
}

// TextSet emits a predicate matching the given text ids, chunked but never range-compressed.
func TextSet(field string, ids []string, opts IDSetOptions) string {
	opts = opts.normalized()
	if len(ids) == 0 {
		return "1 = 0"
	}
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	var clauses []string
	for chunk := range slices.Chunk(sorted, opts.ChunkSize) {
		lits := make([]string, len(chunk))
		for i, s := range chunk {
			lits[i] = Literal(s)
		}
		clauses = append(clauses, field+" IN ("+strings.Join(lits, ", ")+")")
	}
	if len(clauses) == 1 {
		return clauses[0]
	}
	return "(" + strings.Join(clauses, " OR ") + ")"
}

func joinInts(ids []int64) string {
	var b strings.Builder
	b.Grow(len(ids) * 6)
	for i, id := range ids {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(Int(id))
	}
	return b.String()
}
