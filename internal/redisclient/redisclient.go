// Package redisclient adapts github.com/redis/go-redis/v9 to the small,
// per-consumer Redis interfaces defined by postingest, datserve,
// persistworker, fanout, ratelimit, and authtoken, so every component
// depends on the narrow slice of Redis it actually uses rather than a
// concrete client type.
package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps a *redis.Client and implements every Redis-facing interface
// in this module: postingest.RedisOps, datserve.RedisOps,
// persistworker.RedisOps, fanout.PubSub, ratelimit.SpanStore, and
// authtoken.OneTimeTokenStore.
type Client struct {
	rdb *redis.Client
}

// New builds a Client from a redis:// connection URL.
func New(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redisclient: parse url: %w", err)
	}
	return &Client{rdb: redis.NewClient(opts)}, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// RPush appends value to the list at key and returns the list's new
// length, used by postingest to derive res_order.
func (c *Client) RPush(ctx context.Context, key string, value []byte) (int64, error) {
	return c.rdb.RPush(ctx, key, value).Result()
}

// Expire refreshes key's TTL, used to keep the 7-day dat list cache alive
// on every write.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

// Publish emits payload on channel for cross-process subscribers.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.rdb.Publish(ctx, channel, payload).Err()
}

const recoveryBufferKey = "bbs:db_failed_cache:res"

// RPushFailure pushes a failed SQL write onto the recovery buffer C9
// drains, per the stable key named in spec.md §6.
func (c *Client) RPushFailure(ctx context.Context, payload []byte) error {
	return c.rdb.RPush(ctx, recoveryBufferKey, payload).Err()
}

// LRange returns every element of the list at key, used both by the
// dat-serving hot path and the persistence worker's recovery-buffer drain.
func (c *Client) LRange(ctx context.Context, key string) ([][]byte, error) {
	vals, err := c.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// Delete removes key entirely.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// Subscribe opens a Redis pubsub subscription on channel and returns a
// channel of raw message payloads that closes when ctx is cancelled or the
// subscription ends.
func (c *Client) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ps := c.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redisclient: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer ps.Close() //nolint:errcheck
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Exists reports whether key is currently set, used by the rate-limit span
// gate.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetEX sets key to value with the given expiry, used by both the
// rate-limit span gate and the one-time user-registration-link token
// store.
func (c *Client) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// PersistenceOps adapts Client to persistworker.RedisOps, whose RPush
// returns only an error where the write-through path's RPush (Client's own
// method, above) also needs the list's new length for res_order. Two
// distinct types avoid a same-name, different-signature method clash on
// one receiver.
type PersistenceOps struct {
	c *Client
}

// Persistence builds a PersistenceOps view over c.
func (c *Client) Persistence() *PersistenceOps {
	return &PersistenceOps{c: c}
}

// RPush appends value to the list at key, discarding the new length.
func (p *PersistenceOps) RPush(ctx context.Context, key string, value []byte) error {
	_, err := p.c.RPush(ctx, key, value)
	return err
}

// LRange delegates to Client.LRange.
func (p *PersistenceOps) LRange(ctx context.Context, key string) ([][]byte, error) {
	return p.c.LRange(ctx, key)
}

// Delete delegates to Client.Delete.
func (p *PersistenceOps) Delete(ctx context.Context, key string) error {
	return p.c.Delete(ctx, key)
}

// Subscribe delegates to Client.Subscribe.
func (p *PersistenceOps) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return p.c.Subscribe(ctx, channel)
}
