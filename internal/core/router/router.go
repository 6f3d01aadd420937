package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/core/observability"
	"github.com/mohammed-shakir/geofilter/internal/host"
	"github.com/mohammed-shakir/geofilter/internal/orchestrator"
)

// request bodies above this are rejected before decoding
const maxBody = 1 << 20

// Filters starts, inspects and cancels filter requests.
type Filters interface {
	Start(ctx context.Context, req model.FilterRequest) (string, error)
	Status(id string) (model.Result, error)
	Cancel(id string) error
}

// Layers exposes the host's layers and their applied filters.
type Layers interface {
	Layers() []host.LayerInfo
	CurrentFilter(ctx context.Context, id string) (string, error)
	History(ctx context.Context, id string) ([]string, error)
}

type submitted struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

type statusBody struct {
	model.Result
	Summary string `json:"summary"`
}

type filterState struct {
	LayerID string   `json:"layer_id"`
	Filter  string   `json:"filter"`
	History []string `json:"history"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Mount registers the filter API on r.
func Mount(r chi.Router, logger *slog.Logger, f Filters, l Layers) {
	r.Post("/v1/filters", observe("/v1/filters", submit(logger, f)))
	r.Get("/v1/filters/{id}", observe("/v1/filters/{id}", status(f)))
	r.Delete("/v1/filters/{id}", observe("/v1/filters/{id}", cancel(logger, f)))
	if l != nil {
		r.Get("/v1/layers", observe("/v1/layers", listLayers(l)))
		r.Get("/v1/layers/{id}/filter", observe("/v1/layers/{id}/filter", layerFilter(l)))
	}
}

func observe(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next(sw, r)
		observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func submit(logger *slog.Logger, f Filters) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := DecodeFilterRequest(http.MaxBytesReader(w, r.Body, maxBody))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
		id, err := f.Start(r.Context(), req)
		if err != nil {
			logger.WarnContext(r.Context(), "filter request rejected", "err", err)
			writeError(w, err)
			return
		}
		w.Header().Set("Location", "/v1/filters/"+id)
		writeJSON(w, http.StatusAccepted, submitted{RequestID: id, Status: string(model.RequestRunning)})
	}
}

func status(f Filters) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := f.Status(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, statusBody{Result: res, Summary: res.Summary()})
	}
}

func cancel(logger *slog.Logger, f Filters) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := f.Cancel(id); err != nil {
			writeError(w, err)
			return
		}
		logger.InfoContext(r.Context(), "filter request cancelled", "request", id)
		w.WriteHeader(http.StatusNoContent)
	}
}

func listLayers(l Layers) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, l.Layers())
	}
}

func layerFilter(l Layers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		cur, err := l.CurrentFilter(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		hist, err := l.History(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		if hist == nil {
			hist = []string{}
		}
		writeJSON(w, http.StatusOK, filterState{LayerID: id, Filter: cur, History: hist})
	}
}

// DecodeFilterRequest reads one JSON filter request; unknown fields are
// rejected.
func DecodeFilterRequest(r io.Reader) (model.FilterRequest, error) {
	var req model.FilterRequest
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return model.FilterRequest{}, fmt.Errorf("decode filter request: %w", err)
	}
	if dec.More() {
		return model.FilterRequest{}, errors.New("decode filter request: trailing data after object")
	}
	return req, nil
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrInvalidRequest):
		code = http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrUnknownRequest), errors.Is(err, host.ErrLayerNotFound):
		code = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrClosed):
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
