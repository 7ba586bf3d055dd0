package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"versekeep/internal/domain"
	"versekeep/internal/logger"
)

// Publisher forwards committed notifications to an outside channel.
type Publisher interface {
	Publish(ctx context.Context, n domain.Notification) error
	Close() error
}

// NopPublisher drops everything.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, domain.Notification) error { return nil }
func (NopPublisher) Close() error                                       { return nil }

// RedisPublisher publishes notifications as JSON on a pub/sub channel.
type RedisPublisher struct {
	log     *logger.Logger
	rdb     *redis.Client
	channel string
}

func NewRedisPublisher(ctx context.Context, log *logger.Logger, addr, channel string) (*RedisPublisher, error) {
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	if channel == "" {
		channel = "versekeep.notifications"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RedisPublisher{log: log.With("component", "RedisPublisher"), rdb: rdb, channel: channel}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, n domain.Notification) error {
	raw, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, p.channel, raw).Err()
}

// Subscribe forwards published notifications to onMsg until ctx is done.
func (p *RedisPublisher) Subscribe(ctx context.Context, onMsg func(domain.Notification)) error {
	sub := p.rdb.Subscribe(ctx, p.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok || m == nil {
				return nil
			}
			var n domain.Notification
			if err := json.Unmarshal([]byte(m.Payload), &n); err != nil {
				p.log.Warn("bad notification payload", "error", err)
				continue
			}
			onMsg(n)
		}
	}
}

func (p *RedisPublisher) Close() error {
	if p == nil || p.rdb == nil {
		return nil
	}
	return p.rdb.Close()
}
