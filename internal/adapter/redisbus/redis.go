// Package redisbus adapts go-redis pub/sub to the relay's PubSub port.
package redisbus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Client publishes and subscribes over a single Redis connection pool.
type Client struct {
	rdb *redis.Client
}

// Dial parses a redis:// URL and verifies the server answers.
func Dial(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Publish sends payload on channel.
func (c *Client) Publish(ctx context.Context, channel, payload string) error {
	return c.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe listens on channel until ctx ends or the returned stop func is
// called. The message channel closes when the subscription ends.
func (c *Client) Subscribe(ctx context.Context, channel string) (<-chan string, func() error, error) {
	ps := c.rdb.Subscribe(ctx, channel)
	// Receive blocks until the server confirms the subscription.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan string)
	msgs := ps.Channel()
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- m.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, ps.Close, nil
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close shuts the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
