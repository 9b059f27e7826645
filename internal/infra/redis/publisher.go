package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"circle_cycle_engine/internal/domain/cycle"

	goredis "github.com/redis/go-redis/v9"
)

// EventPublisher streams cycle transition events to a redis channel as JSON.
type EventPublisher struct {
	rdb     *goredis.Client
	channel string
}

func NewEventPublisher(rdb *goredis.Client, channel string) *EventPublisher {
	return &EventPublisher{rdb: rdb, channel: channel}
}

func (p *EventPublisher) Publish(ctx context.Context, e cycle.Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cycle event: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish cycle event: %w", err)
	}
	return nil
}
