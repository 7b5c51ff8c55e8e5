package internal

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"
)

// EventBus shares events between relay instances over a Redis channel.
type EventBus struct {
	rdb     *redis.Client
	channel string
	origin  string
}

func NewEventBus(rdb *redis.Client, channel, origin string) *EventBus {
	return &EventBus{rdb: rdb, channel: channel, origin: origin}
}

func (b *EventBus) Publish(ctx context.Context, typ EventType, binary bool, payload []byte) error {
	event := Event{
		Type:    typ,
		Origin:  b.origin,
		Binary:  binary,
		Payload: base64.RawURLEncoding.EncodeToString(payload),
	}

	bEvent, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return b.rdb.Publish(ctx, b.channel, string(bEvent)).Err()
}

// PublishAlert matches the publish hook AlertRoute expects.
func (b *EventBus) PublishAlert(ctx context.Context, payload []byte) error {
	return b.Publish(ctx, EventTypeAlert, false, payload)
}

// AlertPublisher publishes to the cluster and mirrors the alert from this
// instance only.
func (b *EventBus) AlertPublisher(router *Router) func(ctx context.Context, payload []byte) error {
	return func(ctx context.Context, payload []byte) error {
		if err := b.PublishAlert(ctx, payload); err != nil {
			return err
		}

		router.Mirror(KindAlert, payload)
		return nil
	}
}

// Subscribe waits for the subscription to be confirmed and then dispatches
// events in the background until ctx is done.
func (b *EventBus) Subscribe(ctx context.Context, logger *slog.Logger, router *Router) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}

	go func() {
		ch := sub.Channel()

		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				event := Event{}
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					logger.Error("failed to unmarshal cluster event", err)
					continue
				}

				b, err := base64.RawURLEncoding.DecodeString(event.Payload)
				if err != nil {
					logger.Warn("failed to decode payload", slog.String("origin", event.Origin))
					continue
				}

				switch event.Type {
				case EventTypeAlert:
					delivered := router.Broadcast(b)
					logger.Debug("alert relayed", slog.String("origin", event.Origin), slog.Int("observers", delivered))
				default:
					logger.Warn("unknown event type", slog.String("event", string(event.Type)))
				}
			}
		}
	}()

	return nil
}
