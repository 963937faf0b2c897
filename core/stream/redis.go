package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cypjiji-star/edusphere-kenya-sub002/core"
)

const defaultRedisChannel = "edusphere:stream"

// envelope is the message shape stored in Redis Pub/Sub. Origin lets an
// instance skip events it published itself (they were already fanned out
// locally).
type envelope struct {
	Origin string    `json:"origin"`
	Event  Event     `json:"event"`
	SentAt time.Time `json:"sent_at"`
}

// RedisBridge connects the local in-process Hub with a Redis Pub/Sub channel
// so every API instance sees every other instance's writes. If Redis is
// unavailable the app still works in single-instance mode via the Hub alone.
type RedisBridge struct {
	client  *redis.Client
	channel string
	origin  string
	hub     *Hub
	logger  core.Logger
	cancel  context.CancelFunc
}

var _ Bridge = (*RedisBridge)(nil)

// AttachRedisBridge wires the hub to a Redis Pub/Sub channel and starts the
// subscriber loop. origin must be unique per instance (e.g. hostname+pid).
func AttachRedisBridge(hub *Hub, client *redis.Client, channel, origin string, logger core.Logger) *RedisBridge {
	if channel == "" {
		channel = defaultRedisChannel
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBridge{
		client:  client,
		channel: channel,
		origin:  origin,
		hub:     hub,
		logger:  logger,
		cancel:  cancel,
	}
	hub.SetBridge(b)
	go b.runSubscriber(ctx)
	return b
}

func (b *RedisBridge) Forward(ev Event) {
	env := envelope{Origin: b.origin, Event: ev, SentAt: time.Now().UTC()}
	data, err := json.Marshal(env)
	if err != nil {
		b.logger.Error(fmt.Sprintf("stream: marshalling envelope: %v", err), err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err = b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		// best-effort: local subscribers were already served
		b.logger.Warn(fmt.Sprintf("stream: publishing to redis: %v", err), err)
	}
}

func (b *RedisBridge) Close() {
	b.cancel()
}

func (b *RedisBridge) runSubscriber(ctx context.Context) {
	sub := b.client.Subscribe(ctx, b.channel)
	defer func() { _ = sub.Close() }()

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
				b.logger.Warn(fmt.Sprintf("stream: decoding envelope: %v", err), err)
				continue
			}
			if env.Origin == b.origin {
				continue
			}
			b.hub.publishLocal(env.Event)
		}
	}
}
