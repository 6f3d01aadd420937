// Package catalog is a host backed by a YAML layer catalog. GeoJSON layers
// are read into memory, SQLite and PostgreSQL layers are read through the
// shared connections, and applied filters are kept in a filter-state store.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mohammed-shakir/geofilter/internal/backend"
	"github.com/mohammed-shakir/geofilter/internal/host"
)

// LayerSpec is one catalog entry.
type LayerSpec struct {
	ID             string       `yaml:"id"`
	Name           string       `yaml:"name"`
	Provider       string       `yaml:"provider"`
	Source         string       `yaml:"source"`
	Schema         string       `yaml:"schema"`
	Table          string       `yaml:"table"`
	GeometryColumn string       `yaml:"geometry_column"`
	PrimaryKey     string       `yaml:"primary_key"`
	SRID           int          `yaml:"srid"`
	Geographic     bool         `yaml:"geographic"`
	Fields         []host.Field `yaml:"fields"`
}

func (l LayerSpec) info() host.LayerInfo {
	return host.LayerInfo{
		ID:             l.ID,
		Name:           l.Name,
		Provider:       l.Provider,
		Source:         l.Source,
		Table:          l.Table,
		Schema:         l.Schema,
		GeometryColumn: l.GeometryColumn,
		PrimaryKey:     l.PrimaryKey,
		SRID:           l.SRID,
		Geographic:     l.Geographic,
		Fields:         append([]host.Field(nil), l.Fields...),
	}
}

type Catalog struct {
	Layers []LayerSpec `yaml:"layers"`

	byID map[string]*LayerSpec
}

// Load reads a catalog file. Relative file sources resolve against the
// catalog's directory.
func Load(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(b, filepath.Dir(path))
}

func Parse(data []byte, baseDir string) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("catalog: parse: %w", err)
	}
	c.byID = make(map[string]*LayerSpec, len(c.Layers))
	for i := range c.Layers {
		l := &c.Layers[i]
		if l.ID == "" {
			return nil, fmt.Errorf("catalog: layer %d has no id", i)
		}
		if _, dup := c.byID[l.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate layer id %q", l.ID)
		}
		if l.Source == "" {
			return nil, fmt.Errorf("catalog: layer %q has no source", l.ID)
		}
		if l.Name == "" {
			l.Name = l.ID
		}
		l.Source = resolveSource(l.Source, baseDir)
		c.byID[l.ID] = l
	}
	return &c, nil
}

func resolveSource(src, baseDir string) string {
	if baseDir == "" || backend.LooksLikePostgres(src) || strings.Contains(src, "://") {
		return src
	}
	path, layer := backend.FileSource(src)
	if filepath.IsAbs(path) {
		return src
	}
	joined := filepath.Join(baseDir, path)
	if layer != "" {
		return joined + "|layername=" + layer
	}
	return joined
}

func (c *Catalog) layer(id string) (*LayerSpec, error) {
	l, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", host.ErrLayerNotFound, id)
	}
	return l, nil
}
