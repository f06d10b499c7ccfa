// Package rtc adapts pion PeerConnections to the core MediaLink
// surface the coordinator drives.
package rtc

import (
	"fmt"
	"sync"
	"time"

	"github.com/meshmeet/meshmeet/internal/core"
	"github.com/meshmeet/meshmeet/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Config struct {
	ICEServers []string
	VideoKbps  int
	AudioKbps  int
}

func DefaultConfig() Config {
	return Config{
		ICEServers: []string{"stun:stun.l.google.com:19302"},
		VideoKbps:  2500,
		AudioKbps:  128,
	}
}

// Link wraps one pion PeerConnection for a single remote peer.
type Link struct {
	pc   *webrtc.PeerConnection
	peer domain.ParticipantID
	cfg  Config

	mu          sync.Mutex
	videoSender *webrtc.RTPSender
	audioSender *webrtc.RTPSender

	onICE     func(webrtc.ICECandidateInit)
	onTrack   func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onState   func(webrtc.PeerConnectionState)
	onICEFail func()
}

// NewLinkFactory returns a core.LinkFactory bound to cfg.
func NewLinkFactory(cfg Config) core.LinkFactory {
	return func(peer domain.ParticipantID) (core.MediaLink, error) {
		return NewLink(cfg, peer)
	}
}

func NewLink(cfg Config, peer domain.ParticipantID) (*Link, error) {
	iceServers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, u := range cfg.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	l := &Link{pc: pc, peer: peer, cfg: cfg}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		if fn := l.onICE; fn != nil {
			fn(cand.ToJSON())
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("peer", string(peer)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		if fn := l.onTrack; fn != nil {
			fn(track, receiver)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer", string(peer)).Str("state", s.String()).Msg("peer state")
		if fn := l.onState; fn != nil {
			fn(s)
		}
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("peer", string(peer)).Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateFailed {
			if fn := l.onICEFail; fn != nil {
				fn()
			}
		}
	})

	return l, nil
}

func (l *Link) OnICECandidate(fn func(webrtc.ICECandidateInit)) { l.onICE = fn }
func (l *Link) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	l.onTrack = fn
}
func (l *Link) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) { l.onState = fn }
func (l *Link) OnICEFailure(fn func())                                      { l.onICEFail = fn }

func (l *Link) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := l.pc.CreateOffer(opts)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	offer.SDP = capBandwidth(offer.SDP, l.cfg.VideoKbps, l.cfg.AudioKbps)
	return offer, nil
}

func (l *Link) ApplyAnswer(answer webrtc.SessionDescription) error {
	if l.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return core.ErrNegotiationState
	}
	if err := l.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (l *Link) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	switch l.pc.SignalingState() {
	case webrtc.SignalingStateStable, webrtc.SignalingStateHaveRemoteOffer:
	default:
		return webrtc.SessionDescription{}, core.ErrNegotiationState
	}
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	answer.SDP = capBandwidth(answer.SDP, l.cfg.VideoKbps, l.cfg.AudioKbps)
	return answer, nil
}

func (l *Link) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(ci)
}

func (l *Link) AttachTracks(video, audio webrtc.TrackLocal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if video != nil {
		sender, err := l.pc.AddTrack(video)
		if err != nil {
			return fmt.Errorf("add video track: %w", err)
		}
		l.videoSender = sender
	}
	if audio != nil {
		sender, err := l.pc.AddTrack(audio)
		if err != nil {
			return fmt.Errorf("add audio track: %w", err)
		}
		l.audioSender = sender
	}
	return nil
}

// ReplaceVideoTrack swaps the outgoing video track in place via the
// sender, avoiding a renegotiation round trip.
func (l *Link) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	l.mu.Lock()
	sender := l.videoSender
	l.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("no video sender for peer %s", l.peer)
	}
	return sender.ReplaceTrack(track)
}

func (l *Link) Stats() (core.StatsReport, error) {
	report := l.pc.GetStats()
	out := core.StatsReport{
		PeerID:          string(l.peer),
		ConnectionState: l.pc.ConnectionState().String(),
		CollectedAt:     time.Now(),
	}
	for _, s := range report {
		switch v := s.(type) {
		case webrtc.TransportStats:
			out.BytesSent += v.BytesSent
			out.BytesReceived += v.BytesReceived
		case webrtc.ICECandidatePairStats:
			if v.Nominated {
				out.RoundTrip = time.Duration(v.CurrentRoundTripTime * float64(time.Second))
			}
		}
	}
	return out, nil
}

func (l *Link) Close() {
	if err := l.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("peer", string(l.peer)).Msg("close error")
		return
	}
	log.Info().Str("module", "rtc").Str("peer", string(l.peer)).Msg("closed")
}
