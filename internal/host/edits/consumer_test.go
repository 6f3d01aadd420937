package edits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/geofilter/internal/host"
)

type fakeTarget struct {
	mu         sync.Mutex
	busy       map[string]bool
	reloads    []string
	failReload int
}

func newFakeTarget() *fakeTarget { return &fakeTarget{busy: map[string]bool{}} }

func (f *fakeTarget) Layer(_ context.Context, id string) (host.LayerInfo, error) {
	if id == "ghost" {
		return host.LayerInfo{}, fmt.Errorf("%w: %s", host.ErrLayerNotFound, id)
	}
	return host.LayerInfo{ID: id}, nil
}

func (f *fakeTarget) SetBusy(id string, busy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busy[id] = busy
}

func (f *fakeTarget) Reload(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReload > 0 {
		f.failReload--
		return errors.New("source unreadable")
	}
	f.reloads = append(f.reloads, id)
	return nil
}

type sess struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *sess) Claims() map[string][]int32 { return nil }
func (s *sess) MemberID() string           { return "" }
func (s *sess) GenerationID() int32        { return 0 }
func (s *sess) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, m.Offset)
	s.mu.Unlock()
}
func (s *sess) ResetOffset(string, int32, int64, string) {}
func (s *sess) MarkOffset(string, int32, int64, string)  {}
func (s *sess) Context() context.Context                 { return s.ctx }
func (s *sess) Errors() <-chan error                     { return nil }
func (s *sess) Commit()                                  {}

type claim struct {
	msgs chan *sarama.ConsumerMessage
}

func (c *claim) Topic() string                            { return "layer-edits" }
func (c *claim) Partition() int32                         { return 0 }
func (c *claim) InitialOffset() int64                     { return 0 }
func (c *claim) HighWaterMarkOffset() int64               { return 0 }
func (c *claim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func message(t *testing.T, off int64, ev Event) *sarama.ConsumerMessage {
	t.Helper()
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	return &sarama.ConsumerMessage{Topic: "layer-edits", Offset: off, Value: b}
}

func consume(t *testing.T, c *Consumer, msgs ...*sarama.ConsumerMessage) (*sess, error) {
	t.Helper()
	s := &sess{ctx: t.Context()}
	ch := make(chan *sarama.ConsumerMessage, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	err := (&groupHandler{process: c.ProcessOne}).ConsumeClaim(s, &claim{msgs: ch})
	return s, err
}

func newTestConsumer(tg Target) *Consumer {
	return New(Config{Brokers: []string{"x"}}, slog.New(slog.NewTextHandler(io.Discard, nil)), tg)
}

func TestEditSession_BusyUntilCommit(t *testing.T) {
	tg := newFakeTarget()
	c := newTestConsumer(tg)

	s, err := consume(t, c, message(t, 1, Event{Version: 1, Op: OpBegin, Layer: "roads"}))
	if err != nil {
		t.Fatal(err)
	}
	if !tg.busy["roads"] || len(s.marked) != 1 {
		t.Fatalf("busy=%v marked=%v", tg.busy, s.marked)
	}

	s, err = consume(t, c, message(t, 2, Event{Version: 2, Op: OpCommit, Layer: "roads"}))
	if err != nil {
		t.Fatal(err)
	}
	if tg.busy["roads"] || len(tg.reloads) != 1 || len(s.marked) != 1 {
		t.Fatalf("busy=%v reloads=%v marked=%v", tg.busy, tg.reloads, s.marked)
	}
}

func TestSkippedEventsStillCommitOffsets(t *testing.T) {
	tg := newFakeTarget()
	c := newTestConsumer(tg)

	s, err := consume(t, c,
		&sarama.ConsumerMessage{Offset: 1, Value: []byte("{not json")},
		message(t, 2, Event{Version: 1, Op: "truncate", Layer: "roads"}),
		message(t, 3, Event{Version: 1, Op: OpBegin, Layer: "ghost"}),
		message(t, 4, Event{Version: 5, Op: OpRollback, Layer: "roads"}),
		message(t, 5, Event{Version: 4, Op: OpBegin, Layer: "roads"}),
	)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.marked) != 5 {
		t.Fatalf("marked=%v", s.marked)
	}
	// the begin at version 4 is older than the rollback at 5
	if tg.busy["roads"] {
		t.Fatal("stale begin marked the layer busy")
	}
}

func TestFailedReload_NotMarkedThenRetried(t *testing.T) {
	tg := newFakeTarget()
	tg.failReload = 1
	c := newTestConsumer(tg)
	tg.SetBusy("roads", true)

	msg := message(t, 9, Event{Version: 3, Op: OpCommit, Layer: "roads"})
	s, err := consume(t, c, msg)
	if err == nil || len(s.marked) != 0 {
		t.Fatalf("err=%v marked=%v", err, s.marked)
	}
	if !tg.busy["roads"] {
		t.Fatal("layer released before its reload succeeded")
	}

	s, err = consume(t, c, msg)
	if err != nil || len(s.marked) != 1 || tg.busy["roads"] {
		t.Fatalf("err=%v marked=%v busy=%v", err, s.marked, tg.busy)
	}
}

func TestEventValidate(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		ev   Event
		ok   bool
	}{
		{"valid", Event{Version: 1, Op: OpBegin, Layer: "roads", TS: now}, true},
		{"no version", Event{Op: OpBegin, Layer: "roads", TS: now}, false},
		{"bad op", Event{Version: 1, Op: "insert", Layer: "roads", TS: now}, false},
		{"no layer", Event{Version: 1, Op: OpCommit, Layer: " ", TS: now}, false},
		{"no ts", Event{Version: 1, Op: OpCommit, Layer: "roads"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.ev.Validate(); (err == nil) != tc.ok {
				t.Fatalf("err=%v ok=%v", err, tc.ok)
			}
		})
	}
}
