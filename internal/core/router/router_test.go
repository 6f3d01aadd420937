package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/host"
	"github.com/mohammed-shakir/geofilter/internal/orchestrator"
)

type fakeFilters struct {
	last      model.FilterRequest
	cancelled []string
	results   map[string]model.Result
}

func (f *fakeFilters) Start(_ context.Context, req model.FilterRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	f.last = req
	return "req-1", nil
}

func (f *fakeFilters) Status(id string) (model.Result, error) {
	res, ok := f.results[id]
	if !ok {
		return model.Result{}, orchestrator.ErrUnknownRequest
	}
	return res, nil
}

func (f *fakeFilters) Cancel(id string) error {
	if _, ok := f.results[id]; !ok {
		return orchestrator.ErrUnknownRequest
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

type fakeLayers struct{}

func (fakeLayers) Layers() []host.LayerInfo {
	return []host.LayerInfo{{ID: "roads", Provider: "ogr", SRID: 3857}}
}

func (fakeLayers) CurrentFilter(_ context.Context, id string) (string, error) {
	if id != "roads" {
		return "", fmt.Errorf("%w: %s", host.ErrLayerNotFound, id)
	}
	return `"fid" IN (1, 2)`, nil
}

func (fakeLayers) History(context.Context, string) ([]string, error) { return nil, nil }

func newTestRouter(f *fakeFilters) http.Handler {
	r := chi.NewRouter()
	Mount(r, slog.New(slog.NewTextHandler(io.Discard, nil)), f, fakeLayers{})
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rr
}

func TestSubmit(t *testing.T) {
	f := &fakeFilters{}
	h := newTestRouter(f)

	rr := do(t, h, http.MethodPost, "/v1/filters", `{
		"source_layer_id": "zones",
		"source_feature_ids": [3, 4],
		"predicates": ["intersects", "within"],
		"buffer": {"kind": "static", "distance": 25},
		"combine": "and",
		"target_layer_ids": ["roads"]
	}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if loc := rr.Header().Get("Location"); loc != "/v1/filters/req-1" {
		t.Fatalf("location=%q", loc)
	}
	if f.last.SourceLayerID != "zones" || len(f.last.Predicates) != 2 || f.last.Buffer.Distance != 25 ||
		f.last.Combine != model.CombineAnd || f.last.TargetLayerIDs[0] != "roads" {
		t.Fatalf("decoded=%+v", f.last)
	}
}

func TestSubmit_Rejections(t *testing.T) {
	h := newTestRouter(&fakeFilters{})
	cases := []struct {
		name, body string
	}{
		{"malformed", `{"source_layer_id":`},
		{"unknown field", `{"source_layer_id":"zones","predicates":["intersects"],"target_layer_ids":["roads"],"colour":"red"}`},
		{"trailing object", `{"source_layer_id":"zones"} {}`},
		{"invalid request", `{"source_layer_id":"zones","predicates":["near"],"target_layer_ids":["roads"]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(t, h, http.MethodPost, "/v1/filters", tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
			}
			var body errorBody
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil || body.Error == "" {
				t.Fatalf("error body=%+v err=%v", body, err)
			}
		})
	}
}

func TestStatusAndCancel(t *testing.T) {
	f := &fakeFilters{results: map[string]model.Result{
		"req-1": {RequestID: "req-1", Status: model.RequestPartial, Layers: []model.LayerOutcome{
			{LayerID: "roads", Status: model.StatusFiltered, Expression: `"fid" IN (1)`, FeatureCount: 1},
			{LayerID: "rail", Status: model.StatusSkipped, Reason: "pipeline busy"},
		}},
	}}
	h := newTestRouter(f)

	rr := do(t, h, http.MethodGet, "/v1/filters/req-1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	var body struct {
		RequestID string               `json:"request_id"`
		Status    string               `json:"status"`
		Layers    []model.LayerOutcome `json:"layers"`
		Summary   string               `json:"summary"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "partial" || len(body.Layers) != 2 ||
		body.Summary != "1 filtered, 1 skipped, 0 failed, 0 cancelled (rail: pipeline busy)" {
		t.Fatalf("body=%+v", body)
	}

	if rr := do(t, h, http.MethodGet, "/v1/filters/nope", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown status=%d", rr.Code)
	}
	if rr := do(t, h, http.MethodDelete, "/v1/filters/req-1", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("cancel status=%d", rr.Code)
	}
	if len(f.cancelled) != 1 || f.cancelled[0] != "req-1" {
		t.Fatalf("cancelled=%v", f.cancelled)
	}
	if rr := do(t, h, http.MethodDelete, "/v1/filters/nope", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown cancel status=%d", rr.Code)
	}
}

func TestLayerEndpoints(t *testing.T) {
	h := newTestRouter(&fakeFilters{})

	rr := do(t, h, http.MethodGet, "/v1/layers", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"id":"roads"`) {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}

	rr = do(t, h, http.MethodGet, "/v1/layers/roads/filter", "")
	var st filterState
	if err := json.NewDecoder(rr.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Filter != `"fid" IN (1, 2)` || st.History == nil {
		t.Fatalf("state=%+v", st)
	}

	if rr := do(t, h, http.MethodGet, "/v1/layers/ghost/filter", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rr.Code)
	}
}
