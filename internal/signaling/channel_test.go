package signaling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelayDoublesFromBase(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, backoffDelay(1))
	assert.Equal(t, time.Second, backoffDelay(2))
	assert.Equal(t, 2*time.Second, backoffDelay(3))
	assert.Equal(t, 4*time.Second, backoffDelay(4))
	assert.Equal(t, 8*time.Second, backoffDelay(5))
}

func TestBackoffDelayIsCapped(t *testing.T) {
	assert.Equal(t, backoffCap, backoffDelay(6))
	assert.Equal(t, backoffCap, backoffDelay(20))
	// Shift overflow on absurd attempt counts still yields the cap.
	assert.Equal(t, backoffCap, backoffDelay(64))
}
