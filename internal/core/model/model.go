// Package model defines core domain types shared across the service.
package model

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidRequest = errors.New("invalid filter request")

// Dialect is the storage dialect a layer resolves to.
type Dialect string

const (
	DialectUnknown    Dialect = ""
	DialectPostgres   Dialect = "postgresql"
	DialectSpatialite Dialect = "spatialite"
	DialectOGR        Dialect = "ogr"
)

func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgresql", "postgres", "postgis", "pg":
		return DialectPostgres, nil
	case "spatialite", "sqlite", "gpkg", "geopackage":
		return DialectSpatialite, nil
	case "ogr", "file", "generic":
		return DialectOGR, nil
	}
	return DialectUnknown, fmt.Errorf("unknown dialect %q", s)
}

// SQL reports whether the dialect can evaluate sub-selects.
func (d Dialect) SQL() bool {
	return d == DialectPostgres || d == DialectSpatialite
}

type Predicate string

const (
	Intersects Predicate = "intersects"
	Contains   Predicate = "contains"
	Within     Predicate = "within"
	Overlaps   Predicate = "overlaps"
	Touches    Predicate = "touches"
	Crosses    Predicate = "crosses"
	Disjoint   Predicate = "disjoint"
)

func (p Predicate) Valid() bool {
	switch p {
	case Intersects, Contains, Within, Overlaps, Touches, Crosses, Disjoint:
		return true
	}
	return false
}

// Function returns the OGC function name, e.g. ST_Intersects.
func (p Predicate) Function() string {
	if !p.Valid() {
		return ""
	}
	s := string(p)
	return "ST_" + strings.ToUpper(s[:1]) + s[1:]
}

type BufferKind string

const (
	BufferNone       BufferKind = ""
	BufferStatic     BufferKind = "static"
	BufferExpression BufferKind = "expression"
)

const DefaultBufferSegments = 8

type BufferSpec struct {
	Kind       BufferKind `json:"kind,omitempty"`
	Distance   float64    `json:"distance,omitempty"`
	Expression string     `json:"expression,omitempty"`
	Segments   int        `json:"segments,omitempty"`
}

func (b BufferSpec) Active() bool {
	switch b.Kind {
	case BufferStatic:
		return b.Distance != 0
	case BufferExpression:
		return strings.TrimSpace(b.Expression) != ""
	}
	return false
}

func (b BufferSpec) QuadSegments() int {
	if b.Segments <= 0 {
		return DefaultBufferSegments
	}
	return b.Segments
}

// CombineOp merges a newly computed match set with a layer's existing filter.
type CombineOp string

const (
	CombineReplace CombineOp = ""
	CombineAnd     CombineOp = "and"
	CombineAndNot  CombineOp = "and_not"
	CombineOr      CombineOp = "or"
)

func ParseCombineOp(s string) (CombineOp, error) {
	switch strings.ToLower(strings.Join(strings.Fields(s), "_")) {
	case "", "replace", "none":
		return CombineReplace, nil
	case "and":
		return CombineAnd, nil
	case "and_not", "andnot", "not":
		return CombineAndNot, nil
	case "or":
		return CombineOr, nil
	}
	return CombineReplace, fmt.Errorf("unknown combine operator %q", s)
}

// Connective is the boolean form used for source-subset combination.
func (c CombineOp) Connective() string {
	switch c {
	case CombineAnd:
		return "AND"
	case CombineAndNot:
		return "AND NOT"
	case CombineOr:
		return "OR"
	}
	return ""
}

// SetOperator is the set form used for remote-set combination.
func (c CombineOp) SetOperator() string {
	switch c {
	case CombineAnd:
		return "INTERSECT"
	case CombineAndNot:
		return "EXCEPT"
	case CombineOr:
		return "UNION"
	}
	return ""
}

type FilterRequest struct {
	SourceLayerID    string             `json:"source_layer_id"`
	SourceFeatureIDs []int64            `json:"source_feature_ids,omitempty"`
	Predicates       []Predicate        `json:"predicates"`
	Buffer           BufferSpec         `json:"buffer"`
	Combine          CombineOp          `json:"combine,omitempty"`
	TargetLayerIDs   []string           `json:"target_layer_ids"`
	FilterSource     bool               `json:"filter_source,omitempty"`
	Overrides        map[string]Dialect `json:"overrides,omitempty"`
}

func (r FilterRequest) Validate() error {
	if strings.TrimSpace(r.SourceLayerID) == "" {
		return fmt.Errorf("%w: source layer is required", ErrInvalidRequest)
	}
	if len(r.Predicates) == 0 {
		return fmt.Errorf("%w: at least one predicate is required", ErrInvalidRequest)
	}
	for _, p := range r.Predicates {
		if !p.Valid() {
			return fmt.Errorf("%w: unknown predicate %q", ErrInvalidRequest, p)
		}
	}
	switch r.Buffer.Kind {
	case BufferNone, BufferStatic:
	case BufferExpression:
		if strings.TrimSpace(r.Buffer.Expression) == "" {
			return fmt.Errorf("%w: buffer expression is empty", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown buffer kind %q", ErrInvalidRequest, r.Buffer.Kind)
	}
	switch r.Combine {
	case CombineReplace, CombineAnd, CombineAndNot, CombineOr:
	default:
		return fmt.Errorf("%w: unknown combine operator %q", ErrInvalidRequest, r.Combine)
	}
	if len(r.TargetLayerIDs) == 0 && !r.FilterSource {
		return fmt.Errorf("%w: no target layers and source filtering disabled", ErrInvalidRequest)
	}
	for id, d := range r.Overrides {
		switch d {
		case DialectPostgres, DialectSpatialite, DialectOGR:
		default:
			return fmt.Errorf("%w: override for %q has unknown dialect %q", ErrInvalidRequest, id, d)
		}
	}
	return nil
}

// Clone returns a deep copy so a submitted request cannot be mutated by the caller.
func (r FilterRequest) Clone() FilterRequest {
	out := r
	out.SourceFeatureIDs = append([]int64(nil), r.SourceFeatureIDs...)
	out.Predicates = append([]Predicate(nil), r.Predicates...)
	out.TargetLayerIDs = append([]string(nil), r.TargetLayerIDs...)
	if r.Overrides != nil {
		out.Overrides = make(map[string]Dialect, len(r.Overrides))
		for k, v := range r.Overrides {
			out.Overrides[k] = v
		}
	}
	return out
}

// Override returns the forced dialect for a layer, if any.
func (r FilterRequest) Override(layerID string) (Dialect, bool) {
	d, ok := r.Overrides[layerID]
	return d, ok && d != DialectUnknown
}
