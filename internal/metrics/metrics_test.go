package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mohammed-shakir/geofilter/internal/core/observability"
)

func TestProvider_ExposesFilterCollectorsAndBuildInfo(t *testing.T) {
	p := Init(Config{Enabled: true, Build: BuildInfo{Version: "1.4.0", Revision: "abc123", Branch: "main", BuildDate: "2026-10-01"}})

	extra := prometheus.NewGauge(prometheus.GaugeOpts{Name: "filter_registered_gauge", Help: "Registered through the provider."})
	p.Register(extra)
	extra.Set(3)
	if n := testutil.CollectAndCount(extra); n != 1 {
		t.Fatalf("filter_registered_gauge samples=%d", n)
	}

	observability.IncBackendSelection("spatialite", "provider")
	observability.IncEditEvent("update", "applied")

	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	body := rr.Body.String()

	for _, s := range []string{
		"go_goroutines",
		`app_build_info{branch="main",build_date="2026-10-01",revision="abc123",version="1.4.0"} 1`,
		`filter_build_info{version="1.4.0"} 1`,
		"filter_registered_gauge 3",
		`filter_backend_selections_total{dialect="spatialite",reason="provider"} `,
		`filter_layer_edit_events_total{op="update",outcome="applied"} `,
	} {
		if !strings.Contains(body, s) {
			t.Fatalf("expected %q in payload; got:\n%s", s, body)
		}
	}
}
