package signaling

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrChannelDown means the transport is resubscribing; the send
	// was dropped. Callers tolerate loss by design of the protocol.
	ErrChannelDown = errors.New("signaling channel down")
	// ErrBackpressure means the outbound buffer was full.
	ErrBackpressure = errors.New("backpressure")
)

// Handler receives every envelope published after subscription began.
type Handler func(Envelope)

// Channel is a best-effort pub/sub transport scoped to one session.
// Transport errors are recovered internally with bounded backoff;
// until resubscribed, publishes fail silently.
type Channel interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

const (
	backoffBase     = 500 * time.Millisecond
	backoffCap      = 10 * time.Second
	maxResubscribes = 6
)

// backoffDelay is the wait before resubscribe attempt n (1-based),
// doubling from backoffBase up to backoffCap.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase << (attempt - 1)
	if d > backoffCap || d <= 0 {
		return backoffCap
	}
	return d
}
