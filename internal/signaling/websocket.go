package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPingPeriod = 54 * time.Second
	wsSendBuffer = 32
)

// WSChannel is a Channel over one client websocket to a signaling
// relay. The relay fans every frame out to the rest of the session.
type WSChannel struct {
	url string

	mu     sync.Mutex
	conn   *websocket.Conn
	send   chan []byte
	down   bool
	closed bool
	cancel context.CancelFunc
}

func NewWSChannel(url string) *WSChannel {
	return &WSChannel{url: url, send: make(chan []byte, wsSendBuffer)}
}

func (c *WSChannel) Publish(_ context.Context, env Envelope) error {
	c.mu.Lock()
	down, closed := c.down, c.closed
	c.mu.Unlock()
	if closed || down {
		return ErrChannelDown
	}
	b, err := Encode(env)
	if err != nil {
		return err
	}
	select {
	case c.send <- b:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *WSChannel) Subscribe(ctx context.Context, h Handler) error {
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return ErrChannelDown
	}
	c.cancel = cancel
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		cancel()
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.writePump(ctx)
	go c.readPump(ctx, h)
	return nil
}

func (c *WSChannel) writePump(ctx context.Context) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signaling.ws").Msg("write error")
			}
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("module", "signaling.ws").Msg("ping failed")
			}
		}
	}
}

func (c *WSChannel) readPump(ctx context.Context, h Handler) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("module", "signaling.ws").Msg("read error, redialing")
			if !c.redial(ctx) {
				return
			}
			continue
		}

		env, err := Decode(data)
		if err != nil {
			log.Error().Err(err).Str("module", "signaling.ws").Msg("bad envelope")
			continue
		}
		h(env)
	}
}

// redial reconnects with bounded exponential backoff. While down,
// publishes fail silently.
func (c *WSChannel) redial(ctx context.Context) bool {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.down = true
	c.mu.Unlock()

	for attempt := 1; attempt <= maxResubscribes; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoffDelay(attempt)):
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			log.Warn().Err(err).Str("module", "signaling.ws").Int("attempt", attempt).Msg("redial failed")
			continue
		}
		c.mu.Lock()
		c.conn = conn
		c.down = false
		c.mu.Unlock()
		log.Info().Str("module", "signaling.ws").Int("attempt", attempt).Msg("redialed")
		return true
	}
	log.Error().Str("module", "signaling.ws").Msg("redial attempts exhausted")
	return false
}

func (c *WSChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	return nil
}
