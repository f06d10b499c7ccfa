package meeting

import (
	"context"
	"sync"
	"time"

	"github.com/meshmeet/meshmeet/internal/core"
	"github.com/meshmeet/meshmeet/internal/domain"
	"github.com/meshmeet/meshmeet/internal/media"
	"github.com/meshmeet/meshmeet/internal/presence"
	"github.com/meshmeet/meshmeet/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Session is the public surface of the core: one local participant in
// one meeting. It wires presence discovery into the coordinator,
// routes signaling, and exposes media controls.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	id       domain.SessionID
	self     domain.Participant
	ch       signaling.Channel
	tracker  *presence.Tracker
	coord    *Coordinator
	pipeline *media.Pipeline

	onHandRaised func(id domain.ParticipantID, name string, raised bool)

	mu     sync.Mutex
	joined bool
	left   bool
}

type SessionDeps struct {
	Channel   signaling.Channel
	Roster    core.RosterStore
	Device    core.CaptureDevice
	NewLink   core.LinkFactory
	Transform core.FrameTransform
	Presence  presence.Config
	Peers     Config
	Video     core.VideoProfile
	Audio     core.AudioProfile
}

func NewSession(ctx context.Context, id domain.SessionID, self domain.Participant, deps SessionDeps) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ctx:    ctx,
		cancel: cancel,
		id:     id,
		self:   self,
		ch:     deps.Channel,
	}

	s.coord = NewCoordinator(ctx, self, deps.Channel, deps.NewLink, s, deps.Peers)
	s.pipeline = media.NewPipeline(deps.Device, s.coord, deps.Video, deps.Audio, deps.Transform, s.broadcastMediaState)

	s.tracker = presence.NewTracker(id, self, deps.Roster, deps.Presence)
	s.tracker.OnJoin(s.coord.HandlePeerJoined)
	s.tracker.OnLeave(s.coord.HandlePeerLeft)

	return s
}

// CurrentTracks implements TrackProvider for the coordinator.
func (s *Session) CurrentTracks() (video, audio webrtc.TrackLocal) {
	return s.pipeline.CurrentTracks()
}

// InitializeMedia acquires local capture. Device failures propagate
// to the caller; everything else in the session recovers internally.
func (s *Session) InitializeMedia(video, audio bool) (*media.LocalStream, error) {
	return s.pipeline.InitializeCapture(s.ctx, video, audio)
}

// JoinMeeting subscribes to the session topic, announces self, and
// starts both presence paths.
func (s *Session) JoinMeeting() error {
	s.mu.Lock()
	if s.joined || s.left {
		s.mu.Unlock()
		return nil
	}
	s.joined = true
	s.mu.Unlock()

	if err := s.ch.Subscribe(s.ctx, s.dispatch); err != nil {
		return err
	}
	s.publish(signaling.Envelope{Type: signaling.TypeUserJoined, Name: s.self.Name})
	s.tracker.Track(s.ctx)
	log.Info().Str("module", "meeting").Str("session", string(s.id)).Str("self", string(s.self.ID)).Msg("joined meeting")
	return nil
}

// dispatch routes one envelope. Own echoes and messages addressed to
// other participants are discarded unprocessed.
func (s *Session) dispatch(env signaling.Envelope) {
	if env.From == s.self.ID || env.AddressedToOther(s.self.ID) {
		return
	}
	switch env.Type {
	case signaling.TypeOffer, signaling.TypeAnswer, signaling.TypeCandidate:
		s.coord.HandleEnvelope(env)
	case signaling.TypeUserJoined:
		s.tracker.HandleJoin(env.From, env.Name)
	case signaling.TypeUserLeft:
		s.tracker.HandleLeave(env.From)
	case signaling.TypeHandRaised:
		if fn := s.onHandRaised; fn != nil && env.Raised != nil {
			fn(env.From, env.Name, *env.Raised)
		}
	case signaling.TypeMediaState:
		// Informational only; nothing is enforced on the receiving side.
		log.Debug().Str("module", "meeting").Str("peer", string(env.From)).Msg("media state changed")
	}
}

func (s *Session) ToggleAudio(enabled bool) { s.pipeline.ToggleAudio(enabled) }
func (s *Session) ToggleVideo(enabled bool) { s.pipeline.ToggleVideo(enabled) }

func (s *Session) StartScreenShare() (*media.LocalStream, error) {
	return s.pipeline.StartScreenShare(s.ctx)
}

func (s *Session) ToggleBackgroundBlur(enabled bool) error {
	return s.pipeline.ToggleBackgroundBlur(s.ctx, enabled)
}

func (s *Session) RaiseHand(raised bool) {
	s.publish(signaling.Envelope{
		Type:   signaling.TypeHandRaised,
		Name:   s.self.Name,
		Raised: signaling.Bool(raised),
	})
}

func (s *Session) OnStream(fn func(domain.ParticipantID, *webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	s.coord.OnStream(fn)
}

func (s *Session) OnPeerLeft(fn func(domain.ParticipantID)) { s.coord.OnPeerLeft(fn) }

func (s *Session) OnHandRaised(fn func(domain.ParticipantID, string, bool)) { s.onHandRaised = fn }

// RefreshConnection forces a fresh negotiation with every peer.
func (s *Session) RefreshConnection() { s.coord.Refresh() }

// GetConnectionStats returns a per-peer transport statistics
// snapshot; peers whose collection failed are omitted.
func (s *Session) GetConnectionStats() map[domain.ParticipantID]core.StatsReport {
	return s.coord.Health().Snapshot()
}

// Participants is the current presence view including self.
func (s *Session) Participants() []domain.PresenceEntry {
	return s.tracker.Snapshot()
}

// LeaveMeeting tears the session down: stops timers, closes every
// connection, removes self from the roster, and unsubscribes. Safe to
// invoke more than once.
func (s *Session) LeaveMeeting() {
	s.mu.Lock()
	if s.left {
		s.mu.Unlock()
		return
	}
	s.left = true
	s.mu.Unlock()

	s.tracker.Untrack()
	s.coord.Leave()
	s.pipeline.Close()
	if err := s.ch.Close(); err != nil {
		log.Warn().Err(err).Str("module", "meeting").Msg("channel close failed")
	}
	s.cancel()
	log.Info().Str("module", "meeting").Str("session", string(s.id)).Msg("left meeting")
}

// broadcastMediaState emits the informational MediaStateChanged
// notice after a local mute toggle.
func (s *Session) broadcastMediaState(audio, video bool) {
	s.publish(signaling.Envelope{
		Type:  signaling.TypeMediaState,
		Audio: signaling.Bool(audio),
		Video: signaling.Bool(video),
	})
}

func (s *Session) publish(env signaling.Envelope) {
	env.From = s.self.ID
	env.SentAt = time.Now()
	if err := s.ch.Publish(s.ctx, env); err != nil {
		log.Debug().Err(err).Str("module", "meeting").Str("type", string(env.Type)).Msg("publish failed")
	}
}
