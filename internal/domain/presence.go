package domain

import "time"

// PresenceEntry is the ephemeral liveness view of one member.
// Reconciled from two independent sources (push and roster poll),
// never persisted.
type PresenceEntry struct {
	ID            ParticipantID `json:"participantId"`
	Name          string        `json:"name"`
	LastHeartbeat time.Time     `json:"online_at"`
}
