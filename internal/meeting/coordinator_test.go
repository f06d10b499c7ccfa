package meeting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meshmeet/meshmeet/internal/core"
	"github.com/meshmeet/meshmeet/internal/domain"
	"github.com/meshmeet/meshmeet/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLink struct {
	mu         sync.Mutex
	sigState   webrtc.SignalingState
	offers     int
	restarts   int
	applied    []string
	answered   []string
	candidates int
	replaced   int
	closed     bool
	failOffer  bool
	offerGate  chan struct{}
	statsErr   error
	stats      core.StatsReport
}

func newFakeLink() *fakeLink {
	return &fakeLink{sigState: webrtc.SignalingStateStable}
}

func (l *fakeLink) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	l.mu.Lock()
	gate := l.offerGate
	l.mu.Unlock()
	if gate != nil {
		<-gate
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failOffer {
		return webrtc.SessionDescription{}, errors.New("offer failed")
	}
	l.offers++
	if iceRestart {
		l.restarts++
	}
	l.sigState = webrtc.SignalingStateHaveLocalOffer
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "local-offer"}, nil
}

func (l *fakeLink) ApplyAnswer(desc webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sigState != webrtc.SignalingStateHaveLocalOffer {
		return core.ErrNegotiationState
	}
	l.answered = append(l.answered, desc.SDP)
	l.sigState = webrtc.SignalingStateStable
	return nil
}

func (l *fakeLink) ApplyOfferAndCreateAnswer(desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.sigState {
	case webrtc.SignalingStateStable, webrtc.SignalingStateHaveRemoteOffer:
	default:
		return webrtc.SessionDescription{}, core.ErrNegotiationState
	}
	l.applied = append(l.applied, desc.SDP)
	l.sigState = webrtc.SignalingStateStable
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "local-answer"}, nil
}

func (l *fakeLink) AddICECandidate(webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates++
	return nil
}

func (l *fakeLink) AttachTracks(video, audio webrtc.TrackLocal) error { return nil }

func (l *fakeLink) ReplaceVideoTrack(webrtc.TrackLocal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.replaced++
	return nil
}

func (l *fakeLink) Stats() (core.StatsReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats, l.statsErr
}

func (l *fakeLink) OnICECandidate(func(webrtc.ICECandidateInit))             {}
func (l *fakeLink) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))   {}
func (l *fakeLink) OnConnectionStateChange(func(webrtc.PeerConnectionState)) {}
func (l *fakeLink) OnICEFailure(func())                                      {}

func (l *fakeLink) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) offerCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offers
}

type fakeChannel struct {
	mu      sync.Mutex
	sent    []signaling.Envelope
	handler signaling.Handler
	closes  int
}

func (c *fakeChannel) Publish(_ context.Context, env signaling.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeChannel) Subscribe(_ context.Context, h signaling.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

// deliver feeds an envelope to the subscribed handler as if it arrived
// on the wire.
func (c *fakeChannel) deliver(env signaling.Envelope) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(env)
	}
}

func (c *fakeChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *fakeChannel) ofType(t signaling.Type) []signaling.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []signaling.Envelope
	for _, env := range c.sent {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

type fakeTracks struct{}

func (fakeTracks) CurrentTracks() (video, audio webrtc.TrackLocal) { return nil, nil }

type linkRecorder struct {
	mu            sync.Mutex
	links         []*fakeLink
	nextGate      chan struct{}
	nextFailOffer bool
}

func (r *linkRecorder) factory(domain.ParticipantID) (core.MediaLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := newFakeLink()
	l.offerGate = r.nextGate
	l.failOffer = r.nextFailOffer
	r.nextGate, r.nextFailOffer = nil, false
	r.links = append(r.links, l)
	return l, nil
}

// arm makes the next created link block its CreateOffer on gate and,
// optionally, fail it once released.
func (r *linkRecorder) arm(gate chan struct{}, failOffer bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextGate = gate
	r.nextFailOffer = failOffer
}

func (r *linkRecorder) link(i int) *fakeLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.links[i]
}

func (r *linkRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links)
}

func newTestCoordinator(selfID domain.ParticipantID, cfg Config) (*Coordinator, *fakeChannel, *linkRecorder) {
	ch := &fakeChannel{}
	rec := &linkRecorder{}
	self := domain.Participant{ID: selfID, Name: "self"}
	c := NewCoordinator(context.Background(), self, ch, rec.factory, fakeTracks{}, cfg)
	return c, ch, rec
}

func fastConfig() Config {
	return Config{ReconnectBase: 20 * time.Millisecond, MaxReconnects: 2, DisconnectGrace: 30 * time.Millisecond}
}

func TestJoinSendsOffer(t *testing.T) {
	c, ch, links := newTestCoordinator("aaa", DefaultConfig())

	c.HandlePeerJoined("bbb", "Bee")

	state, ok := c.PeerState("bbb")
	require.True(t, ok)
	assert.Equal(t, StateOffering, state)

	offers := ch.ofType(signaling.TypeOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, domain.ParticipantID("aaa"), offers[0].From)
	assert.Equal(t, domain.ParticipantID("bbb"), offers[0].To)
	assert.Equal(t, "local-offer", offers[0].SDP)
	assert.Equal(t, 1, links.count())
}

func TestJoinIdempotent(t *testing.T) {
	c, ch, _ := newTestCoordinator("aaa", DefaultConfig())

	c.HandlePeerJoined("bbb", "Bee")
	c.HandlePeerJoined("bbb", "Bee")

	assert.Len(t, ch.ofType(signaling.TypeOffer), 1)
}

func TestGlareLargerIDConcedes(t *testing.T) {
	// Self "bbb" > remote "aaa": we concede, close our attempt and
	// answer the incoming offer instead.
	c, ch, links := newTestCoordinator("bbb", DefaultConfig())

	c.HandlePeerJoined("aaa", "Aye")
	require.Len(t, ch.ofType(signaling.TypeOffer), 1)

	c.HandleEnvelope(signaling.Envelope{
		Type: signaling.TypeOffer, From: "aaa", To: "bbb", SDP: "remote-offer",
	})

	assert.True(t, links.link(0).isClosed(), "own attempt must be closed")
	require.Equal(t, 2, links.count())
	assert.Equal(t, []string{"remote-offer"}, links.link(1).applied)

	answers := ch.ofType(signaling.TypeAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, domain.ParticipantID("aaa"), answers[0].To)

	state, ok := c.PeerState("aaa")
	require.True(t, ok)
	assert.Equal(t, StateAnswering, state)
}

func TestGlareSmallerIDKeepsOwnOffer(t *testing.T) {
	// Self "aaa" < remote "bbb": the incoming offer is ignored and our
	// own offer stays in flight.
	c, ch, links := newTestCoordinator("aaa", DefaultConfig())

	c.HandlePeerJoined("bbb", "Bee")
	c.HandleEnvelope(signaling.Envelope{
		Type: signaling.TypeOffer, From: "bbb", To: "aaa", SDP: "remote-offer",
	})

	assert.False(t, links.link(0).isClosed())
	assert.Equal(t, 1, links.count())
	assert.Empty(t, ch.ofType(signaling.TypeAnswer))

	state, ok := c.PeerState("bbb")
	require.True(t, ok)
	assert.Equal(t, StateOffering, state)
}

func TestGlareSurvivorIsDeterministic(t *testing.T) {
	// Both sides offer simultaneously; regardless of arrival order the
	// surviving exchange is the one initiated by the smaller id.
	small, chSmall, _ := newTestCoordinator("aaa", DefaultConfig())
	large, chLarge, _ := newTestCoordinator("zzz", DefaultConfig())

	small.HandlePeerJoined("zzz", "Large")
	large.HandlePeerJoined("aaa", "Small")

	offerFromSmall := chSmall.ofType(signaling.TypeOffer)[0]
	offerFromLarge := chLarge.ofType(signaling.TypeOffer)[0]

	small.HandleEnvelope(offerFromLarge)
	large.HandleEnvelope(offerFromSmall)

	// The smaller side ignored the incoming offer; the larger side
	// answered it.
	assert.Empty(t, chSmall.ofType(signaling.TypeAnswer))
	require.Len(t, chLarge.ofType(signaling.TypeAnswer), 1)

	small.HandleEnvelope(chLarge.ofType(signaling.TypeAnswer)[0])

	state, ok := small.PeerState("zzz")
	require.True(t, ok)
	assert.Equal(t, StateOffering, state)
	state, ok = large.PeerState("aaa")
	require.True(t, ok)
	assert.Equal(t, StateAnswering, state)
}

func TestAnswerIgnoredWithoutPendingOffer(t *testing.T) {
	c, _, links := newTestCoordinator("aaa", DefaultConfig())

	// No record at all: ignored.
	c.HandleEnvelope(signaling.Envelope{Type: signaling.TypeAnswer, From: "bbb", To: "aaa", SDP: "x"})

	// Record past Offering: ignored as stale.
	c.HandlePeerJoined("bbb", "Bee")
	c.Health().Observe("bbb", webrtc.PeerConnectionStateConnected)
	c.HandleEnvelope(signaling.Envelope{Type: signaling.TypeAnswer, From: "bbb", To: "aaa", SDP: "x"})

	assert.Empty(t, links.link(0).answered)
}

func TestAnswerAppliedWhileOffering(t *testing.T) {
	c, _, links := newTestCoordinator("aaa", DefaultConfig())

	c.HandlePeerJoined("bbb", "Bee")
	c.HandleEnvelope(signaling.Envelope{Type: signaling.TypeAnswer, From: "bbb", To: "aaa", SDP: "remote-answer"})

	assert.Equal(t, []string{"remote-answer"}, links.link(0).answered)
}

func TestOfferInInvalidStateDiscardsRecord(t *testing.T) {
	c, ch, links := newTestCoordinator("aaa", DefaultConfig())

	c.HandlePeerJoined("bbb", "Bee")
	c.Health().Observe("bbb", webrtc.PeerConnectionStateConnected)

	// The link still holds our un-answered local offer, so the remote
	// offer cannot be applied: message dropped, record discarded.
	c.HandleEnvelope(signaling.Envelope{Type: signaling.TypeOffer, From: "bbb", To: "aaa", SDP: "remote-offer"})

	assert.Empty(t, ch.ofType(signaling.TypeAnswer))
	assert.True(t, links.link(0).isClosed())
	_, ok := c.PeerState("bbb")
	assert.False(t, ok)
}

func TestCandidateRequiresRecord(t *testing.T) {
	c, _, links := newTestCoordinator("aaa", DefaultConfig())

	ci := webrtc.ICECandidateInit{Candidate: "candidate:1"}
	c.HandleEnvelope(signaling.Envelope{Type: signaling.TypeCandidate, From: "bbb", To: "aaa", Candidate: &ci})
	assert.Equal(t, 0, links.count())

	c.HandlePeerJoined("bbb", "Bee")
	c.HandleEnvelope(signaling.Envelope{Type: signaling.TypeCandidate, From: "bbb", To: "aaa", Candidate: &ci})
	assert.Equal(t, 1, links.link(0).candidates)
}

func TestAddressedToOtherDiscarded(t *testing.T) {
	c, ch, _ := newTestCoordinator("aaa", DefaultConfig())

	c.HandleEnvelope(signaling.Envelope{Type: signaling.TypeOffer, From: "bbb", To: "ccc", SDP: "x"})

	assert.Empty(t, ch.ofType(signaling.TypeAnswer))
	_, ok := c.PeerState("bbb")
	assert.False(t, ok)
}

func TestConnectionFailureReconnectsWithBackoff(t *testing.T) {
	cfg := fastConfig()
	c, _, links := newTestCoordinator("aaa", cfg)

	var left []domain.ParticipantID
	var mu sync.Mutex
	c.OnPeerLeft(func(id domain.ParticipantID) {
		mu.Lock()
		left = append(left, id)
		mu.Unlock()
	})

	c.HandlePeerJoined("bbb", "Bee")
	c.Health().Observe("bbb", webrtc.PeerConnectionStateFailed)

	// Record is gone immediately, observer notified.
	_, ok := c.PeerState("bbb")
	assert.False(t, ok)
	mu.Lock()
	assert.Equal(t, []domain.ParticipantID{"bbb"}, left)
	mu.Unlock()

	// Attempt 1 is scheduled no earlier than 1 × base delay.
	time.Sleep(cfg.ReconnectBase / 2)
	_, ok = c.PeerState("bbb")
	assert.False(t, ok, "reoffer must not happen before the backoff delay")

	require.Eventually(t, func() bool {
		state, ok := c.PeerState("bbb")
		return ok && state == StateOffering
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, links.count())
}

func TestReconnectStopsAtRetryCap(t *testing.T) {
	cfg := fastConfig() // cap = 2
	c, _, links := newTestCoordinator("aaa", cfg)

	c.HandlePeerJoined("bbb", "Bee")
	for i := 0; i < cfg.MaxReconnects; i++ {
		c.Health().Observe("bbb", webrtc.PeerConnectionStateFailed)
		require.Eventually(t, func() bool {
			_, ok := c.PeerState("bbb")
			return ok
		}, time.Second, 5*time.Millisecond)
	}

	// Budget exhausted: this failure closes the peer for good.
	c.Health().Observe("bbb", webrtc.PeerConnectionStateFailed)
	time.Sleep(time.Duration(cfg.MaxReconnects+1) * cfg.ReconnectBase * 2)
	_, ok := c.PeerState("bbb")
	assert.False(t, ok)
	assert.Equal(t, cfg.MaxReconnects+1, links.count())

	// A brand-new join event starts over.
	c.HandlePeerJoined("bbb", "Bee")
	state, ok := c.PeerState("bbb")
	require.True(t, ok)
	assert.Equal(t, StateOffering, state)
}

func TestConnectedResetsRetryBudget(t *testing.T) {
	cfg := fastConfig()
	c, _, _ := newTestCoordinator("aaa", cfg)

	c.HandlePeerJoined("bbb", "Bee")
	c.Health().Observe("bbb", webrtc.PeerConnectionStateFailed)
	require.Eventually(t, func() bool {
		_, ok := c.PeerState("bbb")
		return ok
	}, time.Second, 5*time.Millisecond)

	c.Health().Observe("bbb", webrtc.PeerConnectionStateConnected)
	c.mu.Lock()
	retries := c.retries["bbb"]
	c.mu.Unlock()
	assert.Zero(t, retries)
}

func TestDisconnectGraceExpiry(t *testing.T) {
	cfg := fastConfig()
	c, _, _ := newTestCoordinator("aaa", cfg)

	c.HandlePeerJoined("bbb", "Bee")
	c.Health().Observe("bbb", webrtc.PeerConnectionStateConnected)
	c.Health().Observe("bbb", webrtc.PeerConnectionStateDisconnected)

	state, ok := c.PeerState("bbb")
	require.True(t, ok)
	assert.Equal(t, StateDisconnected, state)

	// Still disconnected when the grace timer fires: treated as failed,
	// then reoffered after the backoff.
	require.Eventually(t, func() bool {
		state, ok := c.PeerState("bbb")
		return ok && state == StateOffering
	}, time.Second, 5*time.Millisecond)
}

func TestDisconnectRecoversWithinGrace(t *testing.T) {
	cfg := fastConfig()
	c, _, links := newTestCoordinator("aaa", cfg)

	c.HandlePeerJoined("bbb", "Bee")
	c.Health().Observe("bbb", webrtc.PeerConnectionStateConnected)
	c.Health().Observe("bbb", webrtc.PeerConnectionStateDisconnected)
	c.Health().Observe("bbb", webrtc.PeerConnectionStateConnected)

	time.Sleep(cfg.DisconnectGrace * 2)
	state, ok := c.PeerState("bbb")
	require.True(t, ok)
	assert.Equal(t, StateConnected, state)
	assert.Equal(t, 1, links.count(), "no reconnection must have happened")
}

func TestOfferDuringOfferCreationKeepsAnsweredRecord(t *testing.T) {
	c, ch, links := newTestCoordinator("aaa", DefaultConfig())
	gate := make(chan struct{})
	links.arm(gate, true)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.HandlePeerJoined("bbb", "Bee")
	}()
	require.Eventually(t, func() bool { return links.count() == 1 }, time.Second, time.Millisecond)

	// The remote offer lands while our own offer is still being built:
	// the record is answered in place.
	c.HandleEnvelope(signaling.Envelope{Type: signaling.TypeOffer, From: "bbb", To: "aaa", SDP: "remote-offer"})
	require.Len(t, ch.ofType(signaling.TypeAnswer), 1)

	close(gate)
	<-done

	// The failed local offer must not tear down the answered exchange.
	state, ok := c.PeerState("bbb")
	require.True(t, ok)
	assert.Equal(t, StateAnswering, state)
	assert.False(t, links.link(0).isClosed())
	assert.Equal(t, 1, links.count())
	assert.Empty(t, ch.ofType(signaling.TypeOffer))
}

func TestFailedOfferOnUnansweredRecordDiscardsIt(t *testing.T) {
	c, ch, links := newTestCoordinator("aaa", DefaultConfig())
	links.arm(nil, true)

	c.HandlePeerJoined("bbb", "Bee")

	_, ok := c.PeerState("bbb")
	assert.False(t, ok)
	assert.True(t, links.link(0).isClosed())
	assert.Empty(t, ch.ofType(signaling.TypeOffer))
}

func TestOfferAfterLeaveOpensNothing(t *testing.T) {
	c, ch, links := newTestCoordinator("aaa", DefaultConfig())
	c.Leave()

	c.answerOffer("bbb", "Bee", "remote-offer")

	assert.Zero(t, links.count())
	assert.Empty(t, ch.ofType(signaling.TypeAnswer))
	_, ok := c.PeerState("bbb")
	assert.False(t, ok)
}

func TestDisconnectBeforeEstablishmentIgnored(t *testing.T) {
	cfg := fastConfig()
	c, _, links := newTestCoordinator("aaa", cfg)

	c.HandlePeerJoined("bbb", "Bee")
	c.Health().Observe("bbb", webrtc.PeerConnectionStateDisconnected)

	state, ok := c.PeerState("bbb")
	require.True(t, ok)
	assert.Equal(t, StateOffering, state)

	// No grace timer was armed: the pending offer is untouched after
	// the grace window would have expired.
	time.Sleep(cfg.DisconnectGrace * 2)
	state, ok = c.PeerState("bbb")
	require.True(t, ok)
	assert.Equal(t, StateOffering, state)
	assert.Equal(t, 1, links.count())
}

func TestICEFailureTriggersRestartOffer(t *testing.T) {
	c, ch, links := newTestCoordinator("aaa", DefaultConfig())

	c.HandlePeerJoined("bbb", "Bee")
	c.restartNegotiation("bbb")

	l := links.link(0)
	l.mu.Lock()
	restarts := l.restarts
	l.mu.Unlock()
	assert.Equal(t, 1, restarts)
	assert.Len(t, ch.ofType(signaling.TypeOffer), 2)
	assert.False(t, l.isClosed(), "restart must be in place, not a full reconnect")
}

func TestPeerLeftClearsRecord(t *testing.T) {
	c, _, links := newTestCoordinator("aaa", DefaultConfig())

	var left []domain.ParticipantID
	c.OnPeerLeft(func(id domain.ParticipantID) { left = append(left, id) })

	c.HandlePeerJoined("bbb", "Bee")
	c.HandlePeerLeft("bbb")

	assert.True(t, links.link(0).isClosed())
	_, ok := c.PeerState("bbb")
	assert.False(t, ok)
	assert.Equal(t, []domain.ParticipantID{"bbb"}, left)
}

func TestLeaveIsIdempotent(t *testing.T) {
	c, ch, links := newTestCoordinator("aaa", DefaultConfig())

	c.HandlePeerJoined("bbb", "Bee")
	c.Leave()
	c.Leave()

	assert.True(t, links.link(0).isClosed())
	assert.Len(t, ch.ofType(signaling.TypeUserLeft), 1)
	assert.Empty(t, c.Links())

	// Joins after leave are ignored.
	c.HandlePeerJoined("ccc", "Cee")
	_, ok := c.PeerState("ccc")
	assert.False(t, ok)
}

func TestRefreshRenegotiatesEveryPeer(t *testing.T) {
	c, ch, links := newTestCoordinator("aaa", DefaultConfig())

	c.HandlePeerJoined("bbb", "Bee")
	c.HandlePeerJoined("ccc", "Cee")
	c.Refresh()

	assert.True(t, links.link(0).isClosed())
	assert.True(t, links.link(1).isClosed())
	assert.Equal(t, 4, links.count())
	assert.Len(t, ch.ofType(signaling.TypeOffer), 4)
}
