// Package meeting is the peer-connection signaling and lifecycle
// coordinator: one record per remote peer, offer/answer/candidate
// exchange with deterministic glare resolution, and bounded
// reconnection. Correctness rests entirely on explicit state checks,
// never on delivery order.
package meeting

import (
	"context"
	"sync"
	"time"

	"github.com/meshmeet/meshmeet/internal/core"
	"github.com/meshmeet/meshmeet/internal/domain"
	"github.com/meshmeet/meshmeet/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Config struct {
	ReconnectBase   time.Duration
	MaxReconnects   int
	DisconnectGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReconnectBase:   2 * time.Second,
		MaxReconnects:   5,
		DisconnectGrace: 5 * time.Second,
	}
}

// TrackProvider supplies the current outgoing tracks for a fresh link.
type TrackProvider interface {
	CurrentTracks() (video, audio webrtc.TrackLocal)
}

// Coordinator owns the per-session peer registry. It is instantiated
// once per session and passed by reference, never a package singleton,
// so multiple sessions coexist safely.
type Coordinator struct {
	ctx     context.Context
	self    domain.Participant
	ch      signaling.Channel
	newLink core.LinkFactory
	tracks  TrackProvider
	cfg     Config
	health  *HealthMonitor

	onPeerLeft func(domain.ParticipantID)
	onStream   func(domain.ParticipantID, *webrtc.TrackRemote, *webrtc.RTPReceiver)

	mu      sync.Mutex
	records map[domain.ParticipantID]*peerRecord
	retries map[domain.ParticipantID]int
	pending map[domain.ParticipantID]*time.Timer
	closed  bool
}

func NewCoordinator(ctx context.Context, self domain.Participant, ch signaling.Channel, newLink core.LinkFactory, tracks TrackProvider, cfg Config) *Coordinator {
	c := &Coordinator{
		ctx:     ctx,
		self:    self,
		ch:      ch,
		newLink: newLink,
		tracks:  tracks,
		cfg:     cfg,
		records: make(map[domain.ParticipantID]*peerRecord),
		retries: make(map[domain.ParticipantID]int),
		pending: make(map[domain.ParticipantID]*time.Timer),
	}
	c.health = &HealthMonitor{coord: c}
	return c
}

func (c *Coordinator) Health() *HealthMonitor { return c.health }

func (c *Coordinator) OnPeerLeft(fn func(domain.ParticipantID)) { c.onPeerLeft = fn }
func (c *Coordinator) OnStream(fn func(domain.ParticipantID, *webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	c.onStream = fn
}

// Links implements core.LinkSet for the media pipeline.
func (c *Coordinator) Links() []core.MediaLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.MediaLink, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, rec.link)
	}
	return out
}

// PeerState reports a record's negotiation state, if a record exists.
func (c *Coordinator) PeerState(id domain.ParticipantID) (NegotiationState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok {
		return StateClosed, false
	}
	return rec.state, true
}

// HandlePeerJoined reacts to a join event from either presence path.
// A known peer is a no-op; a brand-new join resets the retry budget.
func (c *Coordinator) HandlePeerJoined(id domain.ParticipantID, name string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, ok := c.records[id]; ok {
		c.mu.Unlock()
		return
	}
	c.retries[id] = 0
	c.mu.Unlock()
	c.openPeer(id, name)
}

// openPeer creates the record, attaches the current outgoing tracks,
// and sends a local offer. Used by join handling and by the
// reconnection backoff path (which must not reset the retry budget).
func (c *Coordinator) openPeer(id domain.ParticipantID, name string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, ok := c.records[id]; ok {
		c.mu.Unlock()
		return
	}
	link, err := c.newLink(id)
	if err != nil {
		c.mu.Unlock()
		log.Error().Err(err).Str("module", "meeting").Str("peer", string(id)).Msg("open link failed")
		return
	}
	rec := &peerRecord{id: id, name: name, link: link, state: StateIdle, lastChange: time.Now()}
	c.records[id] = rec
	c.mu.Unlock()

	c.wireLink(rec)
	c.attachTracks(link, id)

	offer, err := link.CreateOffer(false)
	if err != nil {
		log.Error().Err(err).Str("module", "meeting").Str("peer", string(id)).Msg("create offer failed")
		// A remote offer may have been answered on this record while
		// CreateOffer was in flight; only an unadvanced record is torn
		// down.
		c.mu.Lock()
		cur, ok := c.records[id]
		if ok && cur == rec && rec.state != StateAnswering {
			rec.stopTimers()
			delete(c.records, id)
			c.mu.Unlock()
			link.Close()
			return
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	cur, ok := c.records[id]
	if !ok || cur != rec || rec.state == StateAnswering {
		c.mu.Unlock()
		return
	}
	rec.setState(StateOffering)
	c.mu.Unlock()

	log.Info().Str("module", "meeting").Str("peer", string(id)).Msg("offering")
	c.send(signaling.Envelope{Type: signaling.TypeOffer, To: id, Name: c.self.Name, SDP: offer.SDP})
}

func (c *Coordinator) attachTracks(link core.MediaLink, id domain.ParticipantID) {
	video, audio := c.tracks.CurrentTracks()
	if video == nil && audio == nil {
		return
	}
	if err := link.AttachTracks(video, audio); err != nil {
		log.Error().Err(err).Str("module", "meeting").Str("peer", string(id)).Msg("attach tracks failed")
	}
}

func (c *Coordinator) wireLink(rec *peerRecord) {
	id := rec.id
	rec.link.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		c.send(signaling.Envelope{Type: signaling.TypeCandidate, To: id, Candidate: &ci})
	})
	rec.link.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if fn := c.onStream; fn != nil {
			fn(id, track, receiver)
		}
	})
	rec.link.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.health.Observe(id, s)
	})
	rec.link.OnICEFailure(func() {
		c.restartNegotiation(id)
	})
}

// HandleEnvelope dispatches one signaling message. Anything addressed
// to a different participant is discarded unprocessed.
func (c *Coordinator) HandleEnvelope(env signaling.Envelope) {
	if env.From == c.self.ID || env.AddressedToOther(c.self.ID) {
		return
	}
	switch env.Type {
	case signaling.TypeOffer:
		c.handleOffer(env.From, env.Name, env.SDP)
	case signaling.TypeAnswer:
		c.handleAnswer(env.From, env.SDP)
	case signaling.TypeCandidate:
		c.handleCandidate(env.From, env.Candidate)
	}
}

// handleOffer resolves glare deterministically: when both sides have
// an offer in flight, the side whose own id is lexicographically
// larger concedes, closing its attempt and answering the incoming
// offer; the smaller side ignores the incoming offer. Exactly one
// connection survives per peer pair regardless of arrival order.
func (c *Coordinator) handleOffer(from domain.ParticipantID, name, sdp string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if rec, ok := c.records[from]; ok && rec.state == StateOffering {
		if c.self.ID <= from {
			c.mu.Unlock()
			log.Info().Str("module", "meeting").Str("peer", string(from)).Msg("glare: keeping own offer")
			return
		}
		log.Info().Str("module", "meeting").Str("peer", string(from)).Msg("glare: conceding to remote offer")
		rec.stopTimers()
		rec.link.Close()
		delete(c.records, from)
	}
	c.mu.Unlock()
	c.answerOffer(from, name, sdp)
}

// answerOffer creates or reuses the record and applies the remote
// offer. In any state that cannot accept it, the message and the
// record are discarded: no inline recovery, a fresh offer will
// arrive later.
func (c *Coordinator) answerOffer(from domain.ParticipantID, name, sdp string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	rec, ok := c.records[from]
	if !ok {
		link, err := c.newLink(from)
		if err != nil {
			c.mu.Unlock()
			log.Error().Err(err).Str("module", "meeting").Str("peer", string(from)).Msg("open link failed")
			return
		}
		rec = &peerRecord{id: from, name: name, link: link, state: StateIdle, lastChange: time.Now()}
		c.records[from] = rec
		c.mu.Unlock()
		c.wireLink(rec)
		c.attachTracks(link, from)
	} else {
		c.mu.Unlock()
	}

	answer, err := rec.link.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
	if err != nil {
		log.Debug().Err(err).Str("module", "meeting").Str("peer", string(from)).Msg("offer dropped, record discarded")
		c.discardRecord(from)
		return
	}

	c.mu.Lock()
	if cur, ok := c.records[from]; ok && cur == rec {
		rec.setState(StateAnswering)
	}
	c.mu.Unlock()

	c.send(signaling.Envelope{Type: signaling.TypeAnswer, To: from, Name: c.self.Name, SDP: answer.SDP})
}

// handleAnswer applies a remote answer only while our own offer is
// pending; anything else is a stale or duplicate message and is
// ignored without error.
func (c *Coordinator) handleAnswer(from domain.ParticipantID, sdp string) {
	c.mu.Lock()
	rec, ok := c.records[from]
	if !ok || rec.state != StateOffering {
		c.mu.Unlock()
		log.Debug().Str("module", "meeting").Str("peer", string(from)).Msg("stale answer ignored")
		return
	}
	link := rec.link
	c.mu.Unlock()

	if err := link.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		log.Debug().Err(err).Str("module", "meeting").Str("peer", string(from)).Msg("answer ignored")
	}
}

// handleCandidate applies a candidate whenever a record exists. A
// redundant or late candidate is expected and harmless.
func (c *Coordinator) handleCandidate(from domain.ParticipantID, ci *webrtc.ICECandidateInit) {
	if ci == nil {
		return
	}
	c.mu.Lock()
	rec, ok := c.records[from]
	c.mu.Unlock()
	if !ok {
		log.Debug().Str("module", "meeting").Str("peer", string(from)).Msg("candidate without record")
		return
	}
	if err := rec.link.AddICECandidate(*ci); err != nil {
		log.Warn().Err(err).Str("module", "meeting").Str("peer", string(from)).Msg("add candidate failed")
	}
}

// markConnected confirms the connection and resets the retry budget.
func (c *Coordinator) markConnected(id domain.ParticipantID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok {
		return
	}
	rec.stopTimers()
	rec.setState(StateConnected)
	c.retries[id] = 0
	log.Info().Str("module", "meeting").Str("peer", string(id)).Msg("connected")
}

// markDisconnected starts the grace timer; if the peer is still
// disconnected when it fires, the failure path takes over. Only an
// established connection gets the grace window; transient transport
// states during negotiation are ignored.
func (c *Coordinator) markDisconnected(id domain.ParticipantID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok || rec.state != StateConnected {
		return
	}
	rec.setState(StateDisconnected)
	rec.graceTimer = time.AfterFunc(c.cfg.DisconnectGrace, func() {
		c.mu.Lock()
		cur, ok := c.records[id]
		stillGone := ok && cur.state == StateDisconnected
		c.mu.Unlock()
		if stillGone {
			log.Info().Str("module", "meeting").Str("peer", string(id)).Msg("disconnect grace expired")
			c.Reconnect(id)
		}
	})
}

// restartNegotiation attempts an in-place ICE restart before falling
// back to a full reconnection.
func (c *Coordinator) restartNegotiation(id domain.ParticipantID) {
	c.mu.Lock()
	rec, ok := c.records[id]
	if !ok || c.closed {
		c.mu.Unlock()
		return
	}
	link := rec.link
	c.mu.Unlock()

	offer, err := link.CreateOffer(true)
	if err != nil {
		log.Warn().Err(err).Str("module", "meeting").Str("peer", string(id)).Msg("ICE restart failed, reconnecting")
		c.Reconnect(id)
		return
	}

	c.mu.Lock()
	if cur, ok := c.records[id]; ok && cur == rec {
		rec.setState(StateOffering)
	}
	c.mu.Unlock()

	log.Info().Str("module", "meeting").Str("peer", string(id)).Msg("ICE restart offer sent")
	c.send(signaling.Envelope{Type: signaling.TypeOffer, To: id, Name: c.self.Name, SDP: offer.SDP})
}

// Reconnect closes and discards the record, notifies the peer-left
// observer, and schedules a fresh offer after attempt × base delay.
// Once the retry budget is exhausted the peer stays closed until a
// brand-new join event is observed.
func (c *Coordinator) Reconnect(id domain.ParticipantID) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	rec, ok := c.records[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	name := rec.name
	rec.stopTimers()
	rec.setState(StateReconnecting)
	rec.link.Close()
	delete(c.records, id)

	attempt := c.retries[id] + 1
	if attempt > c.cfg.MaxReconnects {
		c.mu.Unlock()
		log.Warn().Str("module", "meeting").Str("peer", string(id)).Int("attempts", attempt-1).Msg("retries exhausted, peer closed")
		c.notifyPeerLeft(id)
		return
	}
	c.retries[id] = attempt
	delay := time.Duration(attempt) * c.cfg.ReconnectBase
	c.pending[id] = time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		c.openPeer(id, name)
	})
	c.mu.Unlock()

	log.Info().Str("module", "meeting").Str("peer", string(id)).Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
	c.notifyPeerLeft(id)
}

// HandlePeerLeft tears down a peer after an explicit leave. The retry
// budget is cleared so a genuine rejoin starts fresh.
func (c *Coordinator) HandlePeerLeft(id domain.ParticipantID) {
	c.mu.Lock()
	if t, ok := c.pending[id]; ok {
		t.Stop()
		delete(c.pending, id)
	}
	delete(c.retries, id)
	rec, ok := c.records[id]
	if ok {
		rec.stopTimers()
		rec.setState(StateClosed)
		delete(c.records, id)
	}
	c.mu.Unlock()

	if ok {
		rec.link.Close()
	}
	c.notifyPeerLeft(id)
}

// Refresh forces a fresh negotiation with every current peer.
func (c *Coordinator) Refresh() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	type peer struct {
		id   domain.ParticipantID
		name string
	}
	peers := make([]peer, 0, len(c.records))
	for id, rec := range c.records {
		peers = append(peers, peer{id, rec.name})
		rec.stopTimers()
		rec.link.Close()
		delete(c.records, id)
		c.retries[id] = 0
	}
	c.mu.Unlock()

	for _, p := range peers {
		c.openPeer(p.id, p.name)
	}
}

// Leave closes every record, clears the registry, and broadcasts a
// leave notice. Safe to invoke more than once.
func (c *Coordinator) Leave() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	recs := make([]*peerRecord, 0, len(c.records))
	for _, rec := range c.records {
		recs = append(recs, rec)
	}
	c.records = make(map[domain.ParticipantID]*peerRecord)
	for id, t := range c.pending {
		t.Stop()
		delete(c.pending, id)
	}
	c.retries = make(map[domain.ParticipantID]int)
	c.mu.Unlock()

	for _, rec := range recs {
		rec.stopTimers()
		rec.link.Close()
	}
	c.send(signaling.Envelope{Type: signaling.TypeUserLeft})
	log.Info().Str("module", "meeting").Msg("left meeting")
}

func (c *Coordinator) discardRecord(id domain.ParticipantID) {
	c.mu.Lock()
	rec, ok := c.records[id]
	if ok {
		rec.stopTimers()
		delete(c.records, id)
	}
	c.mu.Unlock()
	if ok {
		rec.link.Close()
	}
}

func (c *Coordinator) notifyPeerLeft(id domain.ParticipantID) {
	if fn := c.onPeerLeft; fn != nil {
		fn(id)
	}
}

// send is best effort: a failed publish is logged and tolerated, the
// protocol recovers through fresh negotiation attempts.
func (c *Coordinator) send(env signaling.Envelope) {
	env.From = c.self.ID
	env.SentAt = time.Now()
	if err := c.ch.Publish(c.ctx, env); err != nil {
		log.Debug().Err(err).Str("module", "meeting").Str("type", string(env.Type)).Msg("publish failed")
	}
}
