package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes every event as JSON on a pub/sub channel and on a
// per-order channel ("<channel>:order:<id>") for clients tracking one order.
type RedisSink struct {
	client  *redis.Client
	channel string
}

func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	if channel == "" {
		channel = "marketplace:events"
	}
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Deliver(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	for _, ch := range s.channels(e) {
		pipe.Publish(ctx, ch, payload)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisSink) channels(e Event) []string {
	out := []string{s.channel}
	if e.OrderID != "" {
		out = append(out, s.channel+":order:"+string(e.OrderID))
	}
	return out
}
