// Package signaling carries typed negotiation messages over a
// session-scoped publish/subscribe topic. Delivery is fire-and-forget:
// no acknowledgment and no ordering guarantee between messages of
// different types or origins.
package signaling

import (
	"encoding/json"
	"time"

	"github.com/meshmeet/meshmeet/internal/domain"
	"github.com/pion/webrtc/v4"
)

type Type string

const (
	TypeOffer      Type = "offer"
	TypeAnswer     Type = "answer"
	TypeCandidate  Type = "candidate"
	TypeUserJoined Type = "user_joined"
	TypeUserLeft   Type = "user_left"
	TypeHandRaised Type = "hand_raised"
	TypeMediaState Type = "media_state"
)

// Envelope is the wire form of every signaling message. Roster events
// (user_joined, user_left) carry no addressee; everything else is
// directed. SentAt is diagnostic only and never drives logic.
type Envelope struct {
	Type      Type                     `json:"type"`
	From      domain.ParticipantID     `json:"from"`
	To        domain.ParticipantID     `json:"to,omitempty"`
	Name      string                   `json:"name,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Raised    *bool                    `json:"raised,omitempty"`
	Audio     *bool                    `json:"audio,omitempty"`
	Video     *bool                    `json:"video,omitempty"`
	SentAt    time.Time                `json:"sent_at"`
}

// AddressedToOther reports whether env is directed at someone else
// and must be discarded unprocessed by self.
func (env Envelope) AddressedToOther(self domain.ParticipantID) bool {
	return env.To != "" && env.To != self
}

func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func Decode(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}

// Bool is a pointer helper for the optional flag fields.
func Bool(v bool) *bool { return &v }
