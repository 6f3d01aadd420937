package config

import (
	"testing"
	"time"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
)

func TestFromEnv_Defaults(t *testing.T) {
	c := FromEnv()
	if c.Addr != ":8090" || c.Workers != 8 || c.IDSetInlineMax != 500 || c.IDSetChunk != 1000 || c.IDSetMinRun != 10 {
		t.Fatalf("defaults=%+v", c)
	}
	if c.BufferSegments != model.DefaultBufferSegments || !c.UseArtifacts || c.Events.Enabled || c.Edits.Enabled || c.Edits.Topic != "layer-edits" {
		t.Fatalf("defaults=%+v", c)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("WORKERS", "3")
	t.Setenv("REQUEST_TIMEOUT", "45s")
	t.Setenv("USE_ARTIFACTS", "no")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("BACKEND_OVERRIDES", "roads=postgres, stops = ogr,bad=nope,=spatialite,lonely")
	t.Setenv("H3_RES", "99")

	c := FromEnv()
	if c.Workers != 3 || c.RequestTimeout != 45*time.Second || c.UseArtifacts {
		t.Fatalf("cfg=%+v", c)
	}
	if len(c.Events.Brokers) != 2 || c.Events.Brokers[1] != "k2:9092" {
		t.Fatalf("brokers=%v", c.Events.Brokers)
	}
	want := map[string]model.Dialect{"roads": model.DialectPostgres, "stops": model.DialectOGR}
	if len(c.BackendOverrides) != len(want) {
		t.Fatalf("overrides=%v", c.BackendOverrides)
	}
	for k, v := range want {
		if c.BackendOverrides[k] != v {
			t.Fatalf("overrides=%v", c.BackendOverrides)
		}
	}
	if c.H3Res != 8 {
		t.Fatalf("h3 res=%d", c.H3Res)
	}
}
