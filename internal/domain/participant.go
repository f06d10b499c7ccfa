// Package domain contains entities without logic, just meta-data.
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxDisplayNameLen = 64

var (
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrDisplayNameTooLong = errors.New("display name too long")
)

type (
	ParticipantID string
	SessionID     string
)

// Participant identifies one session member. Immutable for the
// session's duration; the ID is opaque and comparable, which is what
// the offer tie-break relies on.
type Participant struct {
	ID   ParticipantID `json:"id"`
	Name string        `json:"name"`
}

// NewParticipant mints a session-unique identity. Keeps construction
// obvious and avoids ad-hoc struct literals in adapters.
func NewParticipant(name string) (*Participant, error) {
	if len(name) == 0 {
		return nil, ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return nil, ErrDisplayNameTooLong
	}
	return &Participant{ID: ParticipantID(uuid.NewString()), Name: name}, nil
}
