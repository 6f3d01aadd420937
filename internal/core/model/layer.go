package model

import "fmt"

type RowIdentityKind string

const (
	// declared unique integer column
	RowIDInteger RowIdentityKind = "integer"
	// declared unique column holding text
	RowIDText RowIdentityKind = "text"
	// store-native row locator (ctid, rowid); valid only inside the backend's own SQL
	RowIDLocator RowIdentityKind = "locator"
	// sequential id synthesized by the file driver
	RowIDSynthesized RowIdentityKind = "synthesized"
)

type RowIdentity struct {
	Field string          `json:"field"`
	Kind  RowIdentityKind `json:"kind"`
}

func (r RowIdentity) Numeric() bool {
	return r.Kind == RowIDInteger || r.Kind == RowIDSynthesized
}

// Declared reports whether the identity is a real declared key.
func (r RowIdentity) Declared() bool {
	return r.Kind == RowIDInteger || r.Kind == RowIDText
}

type LayerDescriptor struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Provider       string      `json:"provider"`
	Source         string      `json:"source"`
	Dialect        Dialect     `json:"dialect"`
	ConnectionKey  string      `json:"connection_key,omitempty"`
	Schema         string      `json:"schema,omitempty"`
	Table          string      `json:"table,omitempty"`
	GeometryColumn string      `json:"geometry_column"`
	SRID           int         `json:"srid"`
	Geographic     bool        `json:"geographic"`
	RowIdentity    RowIdentity `json:"row_identity"`
	Forced         bool        `json:"forced,omitempty"`
}

// Missing lists required fields that are still unresolved for the dialect.
func (d LayerDescriptor) Missing() []string {
	var out []string
	if d.Dialect == DialectUnknown {
		out = append(out, "dialect")
	}
	if d.GeometryColumn == "" && d.Dialect != DialectOGR {
		out = append(out, "geometry_column")
	}
	if d.RowIdentity.Field == "" {
		out = append(out, "row_identity")
	}
	if d.Dialect.SQL() && d.Table == "" {
		out = append(out, "table")
	}
	if d.SRID <= 0 {
		out = append(out, "srid")
	}
	return out
}

func (d LayerDescriptor) String() string {
	if d.Table != "" {
		return fmt.Sprintf("%s(%s:%s)", d.ID, d.Dialect, d.Table)
	}
	return fmt.Sprintf("%s(%s)", d.ID, d.Dialect)
}
