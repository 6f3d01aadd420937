package edits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/geofilter/internal/core/observability"
	"github.com/mohammed-shakir/geofilter/internal/host"
	"github.com/mohammed-shakir/geofilter/internal/logger"
)

// Target is the host whose layers are edited.
type Target interface {
	Layer(ctx context.Context, id string) (host.LayerInfo, error)
	SetBusy(id string, busy bool)
	Reload(ctx context.Context, id string) error
}

type Consumer struct {
	cfg    Config
	log    *slog.Logger
	target Target
	seen   *versionDedupe
}

func New(cfg Config, log *slog.Logger, target Target) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Consumer{
		cfg:    cfg,
		log:    log.With("component", "edits"),
		target: target,
		seen:   newVersionDedupe(cfg.DedupeSize),
	}
}

// Start consumes edit events until ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	if c.target == nil {
		return errors.New("edits: missing target host")
	}
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := &groupHandler{process: c.ProcessOne}
	c.log.Info("layer edit consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		select {
		case <-ctx.Done():
			c.log.Info("layer edit consumer shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.log.Error("consumer error", "err", err, "topic", c.cfg.Topic)
				select {
				case <-ctx.Done():
				case <-time.After(2 * time.Second):
				}
			}
		}
	}
}

// ProcessOne applies a single edit event. Malformed, stale and unknown-layer
// events are skipped so they never block the partition; only a failed
// reload is returned as an error.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		observability.IncEditEvent("unknown", "ignored")
		c.log.WarnContext(ctx, "undecodable edit event skipped",
			"partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		observability.IncEditEvent(ev.Op, "ignored")
		c.log.WarnContext(ctx, "invalid edit event skipped", "offset", msg.Offset, "err", err)
		return nil
	}
	ctx = logger.WithLayer(ctx, ev.Layer)
	if _, err := c.target.Layer(ctx, ev.Layer); err != nil {
		observability.IncEditEvent(ev.Op, "ignored")
		c.log.DebugContext(ctx, "edit event for unknown layer", "err", err)
		return nil
	}
	if !c.seen.fresh(ev.Layer, ev.Version) {
		observability.IncEditEvent(ev.Op, "stale")
		c.log.DebugContext(ctx, "stale edit event", "version", ev.Version)
		return nil
	}

	switch ev.Op {
	case OpBegin:
		c.target.SetBusy(ev.Layer, true)
	case OpCommit:
		if err := c.target.Reload(ctx, ev.Layer); err != nil {
			observability.IncEditEvent(ev.Op, "error")
			return fmt.Errorf("reload %s: %w", ev.Layer, err)
		}
		c.target.SetBusy(ev.Layer, false)
	case OpRollback:
		c.target.SetBusy(ev.Layer, false)
	}
	c.seen.record(ev.Layer, ev.Version)
	observability.IncEditEvent(ev.Op, "applied")
	c.log.InfoContext(ctx, "layer edit applied", "op", ev.Op, "version", ev.Version)
	return nil
}
