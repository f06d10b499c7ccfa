// Package presence maintains a liveness view of session members from
// two independent paths: push events arriving on the signaling
// channel and a periodic poll of the authoritative roster. Either
// path alone is enough to discover a peer; together they bound
// worst-case discovery latency at one poll interval.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/meshmeet/meshmeet/internal/core"
	"github.com/meshmeet/meshmeet/internal/domain"
	"github.com/rs/zerolog/log"
)

type Config struct {
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		PollInterval:      3 * time.Second,
	}
}

// Tracker reconciles join/leave events for one session. Join and
// leave handling is idempotent: the membership check alone is the
// deduplication mechanism, so the push and poll paths may both report
// the same peer in quick succession without side effects.
type Tracker struct {
	session domain.SessionID
	self    domain.Participant
	store   core.RosterStore
	cfg     Config

	onJoin  func(id domain.ParticipantID, name string)
	onLeave func(id domain.ParticipantID)

	mu     sync.Mutex
	known  map[domain.ParticipantID]domain.PresenceEntry
	cancel context.CancelFunc
}

func NewTracker(session domain.SessionID, self domain.Participant, store core.RosterStore, cfg Config) *Tracker {
	return &Tracker{
		session: session,
		self:    self,
		store:   store,
		cfg:     cfg,
		known:   make(map[domain.ParticipantID]domain.PresenceEntry),
	}
}

func (t *Tracker) OnJoin(fn func(id domain.ParticipantID, name string)) { t.onJoin = fn }
func (t *Tracker) OnLeave(fn func(id domain.ParticipantID))             { t.onLeave = fn }

// Track starts the heartbeat and roster poll timers. Each timer is
// independently cancelled by Untrack.
func (t *Tracker) Track(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	t.heartbeat()
	go t.heartbeatLoop(ctx)
	go t.pollLoop(ctx)
}

func (t *Tracker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.heartbeat()
		}
	}
}

func (t *Tracker) heartbeat() {
	entry := domain.PresenceEntry{ID: t.self.ID, Name: t.self.Name, LastHeartbeat: time.Now()}
	if err := t.store.Heartbeat(t.session, entry); err != nil {
		log.Warn().Err(err).Str("module", "presence").Msg("heartbeat failed")
	}
}

func (t *Tracker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries, err := t.store.ListActive(t.session)
			if err != nil {
				log.Warn().Err(err).Str("module", "presence").Msg("roster poll failed")
				continue
			}
			t.Sync(entries)
		}
	}
}

// Sync diffs a full presence snapshot against known peers and raises
// a join for every unknown, non-self entry. It never raises leaves:
// absence from one snapshot is not authoritative.
func (t *Tracker) Sync(entries []domain.PresenceEntry) {
	for _, e := range entries {
		t.HandleJoin(e.ID, e.Name)
	}
}

// HandleJoin is a no-op if the peer is already known or is self.
func (t *Tracker) HandleJoin(id domain.ParticipantID, name string) {
	if id == t.self.ID {
		return
	}
	t.mu.Lock()
	if _, ok := t.known[id]; ok {
		t.mu.Unlock()
		return
	}
	t.known[id] = domain.PresenceEntry{ID: id, Name: name, LastHeartbeat: time.Now()}
	t.mu.Unlock()

	log.Info().Str("module", "presence").Str("peer", string(id)).Str("name", name).Msg("peer joined")
	if t.onJoin != nil {
		t.onJoin(id, name)
	}
}

// HandleLeave is a no-op if the peer is not known.
func (t *Tracker) HandleLeave(id domain.ParticipantID) {
	t.mu.Lock()
	if _, ok := t.known[id]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.known, id)
	t.mu.Unlock()

	log.Info().Str("module", "presence").Str("peer", string(id)).Msg("peer left")
	if t.onLeave != nil {
		t.onLeave(id)
	}
}

// Snapshot returns the current known peers plus self.
func (t *Tracker) Snapshot() []domain.PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.PresenceEntry, 0, len(t.known)+1)
	out = append(out, domain.PresenceEntry{ID: t.self.ID, Name: t.self.Name, LastHeartbeat: time.Now()})
	for _, e := range t.known {
		out = append(out, e)
	}
	return out
}

// Untrack stops both timers and removes self from the roster.
// Best-effort: delivery of the removal is not guaranteed. Safe to
// call more than once.
func (t *Tracker) Untrack() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if err := t.store.MarkLeft(t.session, t.self.ID); err != nil {
		log.Warn().Err(err).Str("module", "presence").Msg("mark left failed")
	}
}
