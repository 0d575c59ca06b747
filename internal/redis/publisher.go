package redisclient

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Publisher fans change events out to every API instance over Redis pub/sub.
// Each tenant has its own channel, "<prefix>:<tenant>".
type Publisher struct {
	client *redis.Client
	prefix string
}

func NewPublisher(client *redis.Client, prefix string) *Publisher {
	return &Publisher{client: client, prefix: prefix}
}

func (p *Publisher) Channel(tenant string) string {
	return p.prefix + ":" + tenant
}

func (p *Publisher) Publish(ctx context.Context, tenant string, payload []byte) error {
	if err := p.client.Publish(ctx, p.Channel(tenant), payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", p.Channel(tenant), err)
	}
	return nil
}

// Subscribe delivers every message published for any tenant to handle until
// ctx is cancelled.
func (p *Publisher) Subscribe(ctx context.Context, handle func(tenant string, payload []byte)) error {
	sub := p.client.PSubscribe(ctx, p.prefix+":*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s:*: %w", p.prefix, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			tenant := strings.TrimPrefix(msg.Channel, p.prefix+":")
			handle(tenant, []byte(msg.Payload))
		}
	}
}
