package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
)

type recorder struct {
	mu  sync.Mutex
	evs []Event
}

func (r *recorder) sink(ev Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func (r *recorder) events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.evs...)
}

func TestBatcher_NestedScopesEmitOnce(t *testing.T) {
	var rec recorder
	b := NewBatcher("req-1", rec.sink)

	b.Begin()
	b.Add(model.LayerOutcome{LayerID: "roads", Status: model.StatusPending})
	b.Begin()
	b.Add(model.LayerOutcome{LayerID: "rail", Status: model.StatusFailed, Reason: "boom"})
	b.End()
	if n := len(rec.events()); n != 0 {
		t.Fatalf("inner End emitted %d events", n)
	}
	b.Add(model.LayerOutcome{LayerID: "roads", Status: model.StatusFiltered})
	b.End()

	evs := rec.events()
	if len(evs) != 1 {
		t.Fatalf("events=%d want 1", len(evs))
	}
	ev := evs[0]
	if ev.RequestID != "req-1" || ev.Status != model.RequestPartial || !ev.Final || len(ev.Layers) != 2 {
		t.Fatalf("event=%+v", ev)
	}
	if ev.Summary != "1 filtered, 0 skipped, 1 failed, 0 cancelled (rail: boom)" {
		t.Fatalf("summary=%q", ev.Summary)
	}

	// nothing new: no second event; unbalanced End ignored
	b.Begin()
	b.End()
	b.End()
	if len(rec.events()) != 1 {
		t.Fatalf("empty scope emitted")
	}
}

func TestBatcher_PendingIsNotFinal(t *testing.T) {
	var rec recorder
	b := NewBatcher("req-2", rec.sink, nil)
	b.Add(model.LayerOutcome{LayerID: "a", Status: model.StatusPending})
	evs := rec.events()
	if len(evs) != 1 || evs[0].Final || evs[0].Status != model.RequestRunning {
		t.Fatalf("events=%+v", evs)
	}
}

func TestKafkaPublisher_KeysByRequest(t *testing.T) {
	prod := mocks.NewAsyncProducer(t, nil)
	prod.ExpectInputWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, _ := msg.Key.Encode()
		if string(key) != "req-9" || msg.Topic != "filter-results" {
			return errors.New("unexpected key or topic")
		}
		raw, _ := msg.Value.Encode()
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return err
		}
		if ev.Status != model.RequestSucceeded || len(ev.Layers) != 1 {
			return errors.New("unexpected payload")
		}
		return nil
	})

	p := newKafkaPublisher(prod, "filter-results", 4, nil)
	p.Publish(context.Background(), Event{
		RequestID: "req-9", Status: model.RequestSucceeded, Final: true,
		Layers: []model.LayerOutcome{{LayerID: "roads", Status: model.StatusFiltered}},
	})
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	// after close, publishing is a silent no-op
	p.Publish(context.Background(), Event{RequestID: "late"})
}
