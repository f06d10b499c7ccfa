package core

import (
	"time"

	"github.com/meshmeet/meshmeet/internal/domain"
	"github.com/pion/webrtc/v4"
)

// MediaLink is the coordinator-facing surface of one peer transport.
// Owned by the coordinator's registry; the registry must Close() it.
// Implemented by adapters/rtc; tests substitute fakes.
type MediaLink interface {
	// CreateOffer produces and installs a local offer. iceRestart
	// requests an in-place renegotiation of the existing transport.
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	// ApplyAnswer installs a remote answer. Returns
	// ErrNegotiationState unless a local offer is pending.
	ApplyAnswer(webrtc.SessionDescription) error
	// ApplyOfferAndCreateAnswer installs a remote offer and returns
	// the local answer. Returns ErrNegotiationState unless the link
	// is stable or already holds this remote offer.
	ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (webrtc.SessionDescription, error)
	AddICECandidate(webrtc.ICECandidateInit) error

	AttachTracks(video, audio webrtc.TrackLocal) error
	ReplaceVideoTrack(webrtc.TrackLocal) error

	Stats() (StatsReport, error)

	OnICECandidate(func(webrtc.ICECandidateInit))
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnICEFailure(func())

	Close()
}

// LinkFactory opens a fresh MediaLink for a remote peer.
type LinkFactory func(peer domain.ParticipantID) (MediaLink, error)

// LinkSet is the read view the media pipeline uses to substitute
// outgoing tracks across every live connection.
type LinkSet interface {
	Links() []MediaLink
}

// StatsReport is one peer's transport-level statistics snapshot.
type StatsReport struct {
	PeerID          string        `json:"peerId"`
	ConnectionState string        `json:"connectionState"`
	BytesSent       uint64        `json:"bytesSent"`
	BytesReceived   uint64        `json:"bytesReceived"`
	CollectedAt     time.Time     `json:"collectedAt"`
	RoundTrip       time.Duration `json:"roundTrip,omitempty"`
}

// RosterStore is the authoritative participant roster, queried
// read-only by the presence poll path. MarkLeft is the single write
// the client performs, on exit.
type RosterStore interface {
	ListActive(session domain.SessionID) ([]domain.PresenceEntry, error)
	Heartbeat(session domain.SessionID, entry domain.PresenceEntry) error
	MarkLeft(session domain.SessionID, id domain.ParticipantID) error
}
