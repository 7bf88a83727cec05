// Package bus relays broadcast events between broker instances over
// redis pub/sub, so clients of one process see chat events published on
// another. Presence and typing stay instance-local; they describe
// connections the local broker owns.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/colloquyhq/colloquy-live/broker"
)

// Message is the wire envelope on the redis channel. Origin identifies
// the publishing instance so subscribers can drop their own messages.
type Message struct {
	RoomID string          `json:"roomId"`
	Origin string          `json:"origin"`
	Event  json.RawMessage `json:"event"`
}

type Bus struct {
	rdb    *redis.Client
	origin string
	logger *slog.Logger
}

// New connects to redis and verifies connectivity.
func New(ctx context.Context, addr string, db int, logger *slog.Logger) (*Bus, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bus{rdb: rdb, origin: uuid.NewString(), logger: logger}, nil
}

// Publish sends e to the room's channel for other instances to relay.
func (b *Bus) Publish(ctx context.Context, roomID string, e *broker.Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	m := Message{RoomID: roomID, Origin: b.origin, Event: raw}
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal bus message: %w", err)
	}
	return b.rdb.Publish(ctx, channel(roomID), payload).Err()
}

// Subscribe listens on every room channel and invokes fn for messages
// published by other instances. It blocks until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, fn func(roomID string, e *broker.Event)) {
	pubsub := b.rdb.PSubscribe(ctx, channel("*"))
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			_ = pubsub.Close()
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var m Message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				b.logger.Warn("bad bus message", slog.String("err", err.Error()))
				continue
			}
			if m.RoomID == "" || m.Origin == b.origin {
				continue
			}
			var e broker.Event
			if err := json.Unmarshal(m.Event, &e); err != nil {
				b.logger.Warn("bad bus event", slog.String("err", err.Error()))
				continue
			}
			fn(m.RoomID, &e)
		}
	}
}

// Close shuts down the redis connection.
func (b *Bus) Close() { _ = b.rdb.Close() }

func channel(roomID string) string { return "room:" + roomID }
