package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// envelope is the wire form of a relayed message.
type envelope struct {
	Origin  string  `json:"origin"`
	Message Message `json:"message"`
}

// DefaultRelayRetry is the delay between attempts to (re)attach to Redis.
const DefaultRelayRetry = 5 * time.Second

// Relay mirrors bus traffic through a Redis pub/sub channel so several
// processes share one event stream. Messages carry the publishing process id
// and are not re-delivered to their origin.
type Relay struct {
	client  redis.UniversalClient
	channel string
	origin  string
	retry   time.Duration
}

// NewRelay creates a relay on channel.
func NewRelay(client redis.UniversalClient, channel string) *Relay {
	return &Relay{client: client, channel: channel, origin: uuid.NewString(), retry: DefaultRelayRetry}
}

// Publish sends msg to the other processes.
func (r *Relay) Publish(ctx context.Context, msg Message) error {
	b, err := json.Marshal(envelope{Origin: r.origin, Message: msg})
	if err != nil {
		return fmt.Errorf("encoding relay message: %w", err)
	}
	return r.client.Publish(ctx, r.channel, b).Err()
}

// Run attaches the relay to bus and re-broadcasts remote messages locally
// until ctx is cancelled. While Redis is unreachable the bus keeps serving
// local subscribers and Run retries; it only returns ctx.Err().
func (r *Relay) Run(ctx context.Context, bus *Bus) error {
	for {
		err := r.session(ctx, bus)
		if ctx.Err() != nil {
			slog.Info("event relay stopped")
			return ctx.Err()
		}
		slog.Error("event relay detached, retrying", "channel", r.channel, "retry", r.retry, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.retry):
		}
	}
}

// session subscribes once and relays until ctx ends or the subscription fails.
func (r *Relay) session(ctx context.Context, bus *Bus) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed before publishing.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", r.channel, err)
	}
	bus.SetPublisher(r)
	defer bus.SetPublisher(nil)
	slog.Info("event relay started", "channel", r.channel, "origin", r.origin)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %s closed", r.channel)
			}
			r.handle(bus, []byte(m.Payload))
		}
	}
}

func (r *Relay) handle(bus *Bus, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("dropping malformed relay message", "error", err)
		return
	}
	if env.Origin == r.origin {
		return
	}
	bus.deliver(env.Message)
}
