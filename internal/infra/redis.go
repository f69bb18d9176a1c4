// Package infra connects kanri to Redis for cross-instance event fan-out.
package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gunshikin/kanri/internal/config"
)

// DefaultChannelPrefix namespaces kanri channels in a shared Redis.
const DefaultChannelPrefix = "kanri:events:"

var errNoAddr = errors.New("redis address not configured")

// RedisPubSub implements events.PubSubClient. Channel names passed in are
// bare event types; the configured prefix is added here so every instance
// of one deployment meets on the same channels.
type RedisPubSub struct {
	rdb    *redis.Client
	prefix string

	mu   sync.Mutex
	subs map[*redis.PubSub]struct{}
}

// OpenRedis connects using the redis section of the config and pings the
// server. The caller falls back to another bus on error.
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*RedisPubSub, error) {
	if cfg.Addr == "" {
		return nil, errNoAddr
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	p := NewRedisPubSub(rdb, cfg.ChannelPrefix)
	slog.Info("[Redis] Connected", "addr", cfg.Addr, "db", cfg.DB, "prefix", p.prefix)
	return p, nil
}

// NewRedisPubSub wraps an existing client. An empty prefix means
// DefaultChannelPrefix.
func NewRedisPubSub(rdb *redis.Client, prefix string) *RedisPubSub {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisPubSub{rdb: rdb, prefix: prefix, subs: make(map[*redis.PubSub]struct{})}
}

// Channel returns the Redis channel carrying the named events.
func (p *RedisPubSub) Channel(name string) string { return p.prefix + name }

func (p *RedisPubSub) Publish(ctx context.Context, channel string, message []byte) error {
	return p.rdb.Publish(ctx, p.Channel(channel), message).Err()
}

// Subscribe waits for the server to confirm the subscription, then hands
// each payload to handler from a dedicated goroutine.
func (p *RedisPubSub) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	name := p.Channel(channel)
	sub := p.rdb.Subscribe(ctx, name)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}

	p.mu.Lock()
	p.subs[sub] = struct{}{}
	p.mu.Unlock()

	go func() {
		for msg := range sub.Channel() {
			handler([]byte(msg.Payload))
		}
		slog.Debug("[Redis] Subscription ended", "channel", name)
	}()

	var once sync.Once
	return func() { once.Do(func() { p.release(sub) }) }, nil
}

func (p *RedisPubSub) release(sub *redis.PubSub) {
	p.mu.Lock()
	delete(p.subs, sub)
	p.mu.Unlock()
	if err := sub.Close(); err != nil {
		slog.Warn("[Redis] Unsubscribe failed", "error", err)
	}
}

// Subscriptions reports how many channels are currently open.
func (p *RedisPubSub) Subscriptions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Close drops every open subscription, then the client.
func (p *RedisPubSub) Close() error {
	p.mu.Lock()
	subs := make([]*redis.PubSub, 0, len(p.subs))
	for s := range p.subs {
		subs = append(subs, s)
	}
	p.subs = make(map[*redis.PubSub]struct{})
	p.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	return p.rdb.Close()
}
