package meeting

import (
	"github.com/meshmeet/meshmeet/internal/core"
	"github.com/meshmeet/meshmeet/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// HealthMonitor observes per-peer connection state, feeds failures
// into the coordinator's recovery logic, and serves on-demand
// statistics snapshots.
type HealthMonitor struct {
	coord *Coordinator
}

// Observe classifies one connection-state transition. connected
// confirms the record and resets the retry budget; failed goes
// straight to recovery; disconnected starts the grace timer.
func (m *HealthMonitor) Observe(id domain.ParticipantID, s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		m.coord.markConnected(id)
	case webrtc.PeerConnectionStateFailed:
		m.coord.Reconnect(id)
	case webrtc.PeerConnectionStateDisconnected:
		m.coord.markDisconnected(id)
	}
}

// Snapshot collects a stats report per live record. One peer's
// failure omits that entry and never aborts the batch.
func (m *HealthMonitor) Snapshot() map[domain.ParticipantID]core.StatsReport {
	m.coord.mu.Lock()
	links := make(map[domain.ParticipantID]core.MediaLink, len(m.coord.records))
	for id, rec := range m.coord.records {
		links[id] = rec.link
	}
	m.coord.mu.Unlock()

	out := make(map[domain.ParticipantID]core.StatsReport, len(links))
	for id, link := range links {
		report, err := link.Stats()
		if err != nil {
			log.Warn().Err(err).Str("module", "meeting.health").Str("peer", string(id)).Msg("stats collection failed, entry omitted")
			continue
		}
		out[id] = report
	}
	return out
}
