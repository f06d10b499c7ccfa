package meeting

import (
	"time"

	"github.com/meshmeet/meshmeet/internal/core"
	"github.com/meshmeet/meshmeet/internal/domain"
)

// NegotiationState is the phase of the offer/answer exchange a peer
// connection is in. Transitions happen only under the coordinator
// lock; every handler re-checks the state before mutating, because no
// ordering is guaranteed between signaling messages.
type NegotiationState int

const (
	StateIdle NegotiationState = iota
	StateOffering
	StateAnswering
	StateConnected
	StateDisconnected
	StateReconnecting
	StateFailed
	StateClosed
)

func (s NegotiationState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// peerRecord is the coordinator's exclusive per-peer state. At most
// one live record exists per peer id at any time.
type peerRecord struct {
	id         domain.ParticipantID
	name       string
	link       core.MediaLink
	state      NegotiationState
	lastChange time.Time
	graceTimer *time.Timer
}

func (r *peerRecord) setState(s NegotiationState) {
	r.state = s
	r.lastChange = time.Now()
}

func (r *peerRecord) stopTimers() {
	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
	}
}
