package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/argus-siem/argus/internal/metrics"
)

const redisChannel = "argus:events"

// RedisBus distributes events across server pods via Redis Pub/Sub so a
// dashboard connected to any pod sees every event. Locally it also fans out
// through an embedded LocalBus for zero-latency delivery.
type RedisBus struct {
	rdb   *redis.Client
	local *LocalBus
	stop  context.CancelFunc
}

// NewRedisBus connects to Redis and starts the receive loop. The connection
// is verified up front; callers fall back to the local bus on error.
func NewRedisBus(addr, password string, db int, met *metrics.Server) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	loopCtx, stop := context.WithCancel(context.Background())
	b := &RedisBus{rdb: rdb, local: NewLocalBus(met), stop: stop}
	go b.receive(loopCtx)
	slog.Info("[Bus] redis fan-out active", "addr", addr)
	return b, nil
}

// Publish sends the event through Redis; every pod (including this one)
// delivers it to local subscribers from the receive loop.
func (b *RedisBus) Publish(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.rdb.Publish(ctx, redisChannel, payload).Err()
}

func (b *RedisBus) receive(ctx context.Context) {
	sub := b.rdb.Subscribe(ctx, redisChannel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				slog.Warn("[Bus] dropping undecodable redis event", "error", err)
				continue
			}
			_ = b.local.Publish(ctx, &event)
		}
	}
}

// Subscribe attaches to the local fan-out.
func (b *RedisBus) Subscribe() (<-chan *Event, func()) {
	return b.local.Subscribe()
}

// Close stops the receive loop and releases the client.
func (b *RedisBus) Close() error {
	b.stop()
	b.local.Close()
	return b.rdb.Close()
}
