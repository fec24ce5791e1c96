// Package redis persists computed metric results in Redis.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/m-lab/lantern/computed"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "lantern:"

// Client is a computed.Store backed by a Redis server.
type Client struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewClient creates a new Redis client connected to the given address.
// Stored values expire after ttl, or never when ttl is zero.
func NewClient(addr string, ttl time.Duration) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr, // e.g., "localhost:6379"
	})
	return &Client{rdb: rdb, ttl: ttl}
}

// Ping checks that the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Get returns the value at key, or computed.ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.rdb.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, computed.ErrNotFound
	}
	return data, err
}

// Put stores value at key.
func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	return c.rdb.Set(ctx, keyPrefix+key, value, c.ttl).Err()
}

// Close closes the Redis client connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

var _ computed.Store = &Client{}
