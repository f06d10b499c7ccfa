package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewParticipantMintsUniqueID(t *testing.T) {
	a, err := NewParticipant("Alice")
	require.NoError(t, err)
	b, err := NewParticipant("Alice")
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "Alice", a.Name)
}

func TestNewParticipantValidatesName(t *testing.T) {
	_, err := NewParticipant("")
	assert.ErrorIs(t, err, ErrDisplayNameEmpty)

	_, err = NewParticipant(strings.Repeat("x", MaxDisplayNameLen+1))
	assert.ErrorIs(t, err, ErrDisplayNameTooLong)

	_, err = NewParticipant(strings.Repeat("x", MaxDisplayNameLen))
	assert.NoError(t, err)
}
