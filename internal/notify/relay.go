// ABOUTME: Redis pub/sub relay that mirrors notifier events between civic-desk nodes.
// ABOUTME: Delivery is at-least-once; event IDs are deduplicated before local fan-out.

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/civic-desk/internal/dedupe"
)

// RedisClient is the subset of *redis.Client the relay uses.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// RelayConfig configures a Relay.
type RelayConfig struct {
	Channel        string
	NodeID         string
	OutboxSize     int
	PublishTimeout time.Duration
	DedupeTTL      time.Duration
}

// Relay publishes locally and forwards every local event to Redis; events
// from other nodes are published to the local broadcaster.
type Relay struct {
	local  *Broadcaster
	rdb    RedisClient
	cfg    RelayConfig
	seen   *dedupe.Seen
	outbox chan *Event
	logger *slog.Logger

	stopOnce sync.Once
	stopped  chan struct{}
}

var _ Publisher = (*Relay)(nil)

// NewRelay creates a relay. Call Run to start forwarding.
func NewRelay(local *Broadcaster, rdb RedisClient, cfg RelayConfig, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Channel == "" {
		cfg.Channel = "civic-desk:events"
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 1024
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 10 * time.Minute
	}
	return &Relay{
		local:   local,
		rdb:     rdb,
		cfg:     cfg,
		seen:    dedupe.NewSeen(cfg.DedupeTTL, 100_000),
		outbox:  make(chan *Event, cfg.OutboxSize),
		logger:  logger.With("component", "relay", "node", cfg.NodeID),
		stopped: make(chan struct{}),
	}
}

// Publish fans out locally and queues the event for Redis. It never blocks;
// when the outbox is full the remote copy is dropped.
func (r *Relay) Publish(event *Event) {
	if event.Origin == "" {
		event.Origin = r.cfg.NodeID
	}
	r.seen.CheckAndMark(event.ID)
	r.local.Publish(event)

	select {
	case r.outbox <- event:
	default:
		r.logger.Warn("relay outbox full, remote delivery dropped", "event_id", event.ID, "type", event.Type)
	}
}

// Run forwards events in both directions until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.cfg.Channel)
	defer sub.Close()

	// Subscribe is lazy; Receive confirms the subscription.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", r.cfg.Channel, err)
	}
	r.logger.Info("relay subscribed", "channel", r.cfg.Channel)

	var wg sync.WaitGroup
	wg.Go(func() { r.drainOutbox(ctx) })
	defer wg.Wait()

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.stopped:
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			r.handleRemote(msg.Payload)
		}
	}
}

// Stop ends Run.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopped)
		r.seen.Close()
	})
}

func (r *Relay) drainOutbox(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopped:
			return
		case event := <-r.outbox:
			r.forward(ctx, event)
		}
	}
}

func (r *Relay) forward(ctx context.Context, event *Event) {
	data, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("encoding event for relay", "event_id", event.ID, "error", err)
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()

	if err := r.rdb.Publish(pubCtx, r.cfg.Channel, data).Err(); err != nil {
		r.logger.Warn("relay publish failed", "event_id", event.ID, "error", err)
	}
}

// handleRemote publishes a relayed event locally unless it originated here
// or was already delivered.
func (r *Relay) handleRemote(payload string) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		r.logger.Warn("discarding malformed relay payload", "error", err)
		return
	}
	if event.Origin == r.cfg.NodeID {
		return
	}
	if event.ID == "" || r.seen.CheckAndMark(event.ID) {
		return
	}
	r.local.Publish(&event)
}
