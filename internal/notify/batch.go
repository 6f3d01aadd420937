// Package notify consolidates per-layer progress into one event per batch
// scope and fans it out to callbacks and publishers.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
)

// Event is the consolidated notification for one request.
type Event struct {
	RequestID string               `json:"request_id"`
	Status    model.RequestStatus  `json:"status"`
	Summary   string               `json:"summary"`
	Layers    []model.LayerOutcome `json:"layers"`
	Final     bool                 `json:"final"`
	TS        time.Time            `json:"ts"`
}

// Publisher delivers events outside the process. Publish must not block
// the request path.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
	Close() error
}

// Batcher collects outcomes inside nested Begin/End scopes. Only the
// outermost End emits, and only if something was added since the last emit.
type Batcher struct {
	requestID string
	sinks     []func(Event)

	mu       sync.Mutex
	depth    int
	dirty    bool
	outcomes map[string]model.LayerOutcome
	now      func() time.Time
}

func NewBatcher(requestID string, sinks ...func(Event)) *Batcher {
	return &Batcher{
		requestID: requestID,
		sinks:     sinks,
		outcomes:  make(map[string]model.LayerOutcome),
		now:       time.Now,
	}
}

func (b *Batcher) Begin() {
	b.mu.Lock()
	b.depth++
	b.mu.Unlock()
}

// Add records o; a later outcome for the same layer replaces the earlier one.
// Outside any scope it emits immediately.
func (b *Batcher) Add(o model.LayerOutcome) {
	b.mu.Lock()
	b.outcomes[o.LayerID] = o
	b.dirty = true
	if b.depth > 0 {
		b.mu.Unlock()
		return
	}
	ev := b.snapshotLocked()
	b.mu.Unlock()
	b.emit(ev)
}

// End closes a scope. Unbalanced calls are ignored.
func (b *Batcher) End() {
	b.mu.Lock()
	if b.depth == 0 {
		b.mu.Unlock()
		return
	}
	b.depth--
	if b.depth > 0 || !b.dirty {
		b.mu.Unlock()
		return
	}
	ev := b.snapshotLocked()
	b.mu.Unlock()
	b.emit(ev)
}

// Flush emits pending outcomes regardless of open scopes.
func (b *Batcher) Flush() {
	b.mu.Lock()
	if !b.dirty {
		b.mu.Unlock()
		return
	}
	ev := b.snapshotLocked()
	b.mu.Unlock()
	b.emit(ev)
}

func (b *Batcher) snapshotLocked() Event {
	b.dirty = false
	res := model.Aggregate(b.requestID, b.outcomes)
	return Event{
		RequestID: b.requestID,
		Status:    res.Status,
		Summary:   res.Summary(),
		Layers:    res.Layers,
		Final:     res.Status != model.RequestRunning,
		TS:        b.now().UTC(),
	}
}

func (b *Batcher) emit(ev Event) {
	for _, s := range b.sinks {
		if s != nil {
			s(ev)
		}
	}
}
