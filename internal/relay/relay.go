// Package relay implements an optional cross-process fan-out for the
// Connection Registry (C3). A single hub process's in-memory Registry is
// sufficient for spec §4.3's guarantees, but a horizontally-scaled
// deployment behind a load balancer needs every process serving a room
// to see the same broadcasts. Relay republishes local broadcasts onto a
// shared channel so peers connected to other processes converge too,
// grounded in sumanthd032-CollabText/server/main.go's Redis pub/sub
// relay (subscribe per document, publish every inbound message).
package relay

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "whiteboard-hub:room:"

// OutboundRelay republishes a room's broadcast frames to other hub
// processes and delivers frames published by them back into this
// process's Registry. The single-process in-memory case (no Redis
// configured) uses Noop, which makes every call a no-op so the Hub and
// tests never need to special-case "relay not configured".
type OutboundRelay interface {
	Publish(roomID string, frame []byte)
	// Subscribe runs until ctx is cancelled, invoking onFrame for every
	// frame published by another process. It must not be called more than
	// once per OutboundRelay.
	Subscribe(ctx context.Context, onFrame func(roomID string, frame []byte))
	Close() error
}

// Noop is the zero-config relay: a single hub process's Registry already
// sees every local broadcast directly, so there is nothing to relay.
type Noop struct{}

func (Noop) Publish(string, []byte)                                  {}
func (Noop) Subscribe(context.Context, func(roomID string, frame []byte)) {}
func (Noop) Close() error                                            { return nil }

// Redis relays broadcasts through a Redis server's pub/sub, keyed by room
// id, so any number of hub processes can share a Registry's worth of
// convergence without a shared in-memory structure.
type Redis struct {
	client *redis.Client
	log    *zap.Logger
	origin string // random per-process id, so Subscribe can ignore our own Publish
}

// envelope wraps a relayed frame with its originating process id, so a
// process subscribed to its own publishes can ignore them — the local
// Registry already delivered the frame to this process's peers directly.
type envelope struct {
	Origin string `json:"origin"`
	Frame  []byte `json:"frame"`
}

// NewRedis creates a Redis-backed relay connected to addr.
func NewRedis(addr string, log *zap.Logger) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{Addr: addr}), log: log, origin: uuid.New().String()}
}

// Publish fans a local broadcast out to every other subscribed process.
// Failures are logged and swallowed: a broadcast already delivered to this
// process's local Registry members must never be blocked or rolled back
// by a relay hiccup (spec §4.3's "never blocks the broadcast" extends to
// the relay).
func (r *Redis) Publish(roomID string, frame []byte) {
	b, err := json.Marshal(envelope{Origin: r.origin, Frame: frame})
	if err != nil {
		r.log.Warn("relay envelope marshal failed", zap.Error(err))
		return
	}
	if err := r.client.Publish(context.Background(), channelPrefix+roomID, b).Err(); err != nil {
		r.log.Warn("relay publish failed", zap.String("room_id", roomID), zap.Error(err))
	}
}

// Subscribe listens on every room channel via a pattern subscription and
// invokes onFrame for each message published by another process, until
// ctx is cancelled.
func (r *Redis) Subscribe(ctx context.Context, onFrame func(roomID string, frame []byte)) {
	sub := r.client.PSubscribe(ctx, channelPrefix+"*")
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
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Warn("relay envelope unmarshal failed", zap.Error(err))
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			roomID := strings.TrimPrefix(msg.Channel, channelPrefix)
			onFrame(roomID, env.Frame)
		}
	}
}

// Close releases the underlying Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}
