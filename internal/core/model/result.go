package model

import (
	"fmt"
	"sort"
	"strings"
)

type LayerStatus string

const (
	StatusPending   LayerStatus = "pending"
	StatusFiltered  LayerStatus = "filtered"
	StatusSkipped   LayerStatus = "skipped"
	StatusFailed    LayerStatus = "failed"
	StatusCancelled LayerStatus = "cancelled"
)

type LayerOutcome struct {
	LayerID      string      `json:"layer_id"`
	Dialect      Dialect     `json:"dialect,omitempty"`
	Status       LayerStatus `json:"status"`
	Reason       string      `json:"reason,omitempty"`
	Expression   string      `json:"expression,omitempty"`
	FeatureCount int64       `json:"feature_count,omitempty"`
}

type RequestStatus string

const (
	RequestRunning   RequestStatus = "running"
	RequestSucceeded RequestStatus = "succeeded"
	RequestPartial   RequestStatus = "partial"
	RequestFailed    RequestStatus = "failed"
	RequestCancelled RequestStatus = "cancelled"
)

type Result struct {
	RequestID string         `json:"request_id"`
	Status    RequestStatus  `json:"status"`
	Layers    []LayerOutcome `json:"layers"`
}

// Aggregate derives the request status from its layer outcomes.
func Aggregate(id string, outcomes map[string]LayerOutcome) Result {
	res := Result{RequestID: id, Layers: make([]LayerOutcome, 0, len(outcomes))}
	for _, o := range outcomes {
		res.Layers = append(res.Layers, o)
	}
	sort.Slice(res.Layers, func(i, j int) bool { return res.Layers[i].LayerID < res.Layers[j].LayerID })

	var filtered, failed, cancelled, pending int
	for _, o := range res.Layers {
		switch o.Status {
		case StatusFiltered:
			filtered++
		case StatusFailed:
			failed++
		case StatusCancelled:
			cancelled++
		case StatusPending:
			pending++
		}
	}
	switch {
	case pending > 0:
		res.Status = RequestRunning
	case cancelled > 0 && filtered == 0:
		res.Status = RequestCancelled
	case filtered == 0:
		res.Status = RequestFailed
	case failed > 0 || cancelled > 0 || filtered < len(res.Layers):
		res.Status = RequestPartial
	default:
		res.Status = RequestSucceeded
	}
	return res
}

// Summary is the single consolidated user-facing message for a request.
func (r Result) Summary() string {
	counts := map[LayerStatus]int{}
	var problems []string
	for _, o := range r.Layers {
		counts[o.Status]++
		if o.Status == StatusFailed || o.Status == StatusSkipped {
			problems = append(problems, fmt.Sprintf("%s: %s", o.LayerID, o.Reason))
		}
	}
	msg := fmt.Sprintf("%d filtered, %d skipped, %d failed, %d cancelled",
		counts[StatusFiltered], counts[StatusSkipped], counts[StatusFailed], counts[StatusCancelled])
	if len(problems) > 0 {
		msg += " (" + strings.Join(problems, "; ") + ")"
	}
	return msg
}

func (r Result) Outcome(layerID string) (LayerOutcome, bool) {
	for _, o := range r.Layers {
		if o.LayerID == layerID {
			return o, true
		}
	}
	return LayerOutcome{}, false
}
