package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meshmeet/meshmeet/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisChannel is a Channel over one Redis pub/sub topic per session.
type RedisChannel struct {
	rdb   *redis.Client
	topic string

	mu     sync.Mutex
	sub    *redis.PubSub
	down   bool
	closed bool
	cancel context.CancelFunc
}

func SignalTopic(session domain.SessionID) string {
	return fmt.Sprintf("meet:%s:signal", session)
}

func NewRedisChannel(rdb *redis.Client, session domain.SessionID) *RedisChannel {
	return &RedisChannel{rdb: rdb, topic: SignalTopic(session)}
}

func (c *RedisChannel) Publish(ctx context.Context, env Envelope) error {
	c.mu.Lock()
	down, closed := c.down, c.closed
	c.mu.Unlock()
	if closed || down {
		// Tolerated by the protocol; the coordinator must survive loss.
		return ErrChannelDown
	}
	b, err := Encode(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return c.rdb.Publish(ctx, c.topic, b).Err()
}

func (c *RedisChannel) Subscribe(ctx context.Context, h Handler) error {
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return ErrChannelDown
	}
	c.cancel = cancel
	c.sub = c.rdb.Subscribe(ctx, c.topic)
	c.mu.Unlock()

	// Force the SUBSCRIBE round trip so "published after subscription
	// began" holds from the moment Subscribe returns.
	if _, err := c.sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", c.topic, err)
	}

	go c.receiveLoop(ctx, h)
	return nil
}

func (c *RedisChannel) receiveLoop(ctx context.Context, h Handler) {
	for {
		c.mu.Lock()
		sub := c.sub
		c.mu.Unlock()
		if sub == nil {
			return
		}

		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("module", "signaling.redis").Str("topic", c.topic).Msg("receive error, resubscribing")
			if !c.resubscribe(ctx) {
				return
			}
			continue
		}

		env, err := Decode([]byte(msg.Payload))
		if err != nil {
			log.Error().Err(err).Str("module", "signaling.redis").Msg("bad envelope")
			continue
		}
		h(env)
	}
}

// resubscribe retries the subscription with bounded exponential
// backoff. While down, publishes fail silently.
func (c *RedisChannel) resubscribe(ctx context.Context) bool {
	c.mu.Lock()
	if c.sub != nil {
		_ = c.sub.Close()
		c.sub = nil
	}
	c.down = true
	c.mu.Unlock()

	for attempt := 1; attempt <= maxResubscribes; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoffDelay(attempt)):
		}

		sub := c.rdb.Subscribe(ctx, c.topic)
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			log.Warn().Err(err).Str("module", "signaling.redis").Int("attempt", attempt).Msg("resubscribe failed")
			continue
		}

		c.mu.Lock()
		c.sub = sub
		c.down = false
		c.mu.Unlock()
		log.Info().Str("module", "signaling.redis").Str("topic", c.topic).Int("attempt", attempt).Msg("resubscribed")
		return true
	}
	log.Error().Str("module", "signaling.redis").Str("topic", c.topic).Msg("resubscribe attempts exhausted")
	return false
}

func (c *RedisChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	if c.sub != nil {
		_ = c.sub.Close()
		c.sub = nil
	}
	return nil
}
