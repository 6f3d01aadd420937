package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"
)

// KafkaPublisher writes result events to a topic, keyed by request id.
type KafkaPublisher struct {
	topic   string
	events  chan Event
	prod    sarama.AsyncProducer
	log     *slog.Logger
	stopped chan struct{}
	errs    chan struct{}
	once    sync.Once

	mu     sync.RWMutex
	closed bool
}

func NewKafkaPublisher(brokers []string, topic string, queueSize int, log *slog.Logger) (*KafkaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("notify: create async producer: %w", err)
	}
	return newKafkaPublisher(prod, topic, queueSize, log), nil
}

func newKafkaPublisher(prod sarama.AsyncProducer, topic string, queueSize int, log *slog.Logger) *KafkaPublisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	p := &KafkaPublisher{
		topic:   topic,
		events:  make(chan Event, queueSize),
		prod:    prod,
		log:     log.With("component", "notify.kafka", "topic", topic),
		stopped: make(chan struct{}),
		errs:    make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.log.Error("marshal event", "request_id", ev.RequestID, "err", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.RequestID),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		defer close(p.errs)
		for err := range p.prod.Errors() {
			if err != nil {
				p.log.Warn("producer error", "err", err)
			}
		}
	}()

	return p
}

// Publish enqueues ev; a full queue drops it.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		p.log.WarnContext(ctx, "event queue full; dropping", "request_id", ev.RequestID)
	}
}

func (p *KafkaPublisher) Close() error {
	var err error
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.events)
		p.mu.Unlock()
		<-p.stopped

		if cerr := p.prod.Close(); cerr != nil {
			err = fmt.Errorf("notify: close producer: %w", cerr)
		}
		<-p.errs
	})
	return err
}

// LogPublisher writes events to the log; used when Kafka is disabled.
type LogPublisher struct {
	Log *slog.Logger
}

func (l LogPublisher) Publish(ctx context.Context, ev Event) {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	log.InfoContext(ctx, "filter progress",
		"request_id", ev.RequestID, "status", string(ev.Status), "final", ev.Final, "summary", ev.Summary)
}

func (LogPublisher) Close() error { return nil }
