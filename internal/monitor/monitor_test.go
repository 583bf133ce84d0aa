package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnectDelayGrowsAndClamps(t *testing.T) {
	assert.Equal(t, 2*time.Second, reconnectDelay(1))
	assert.Equal(t, 4*time.Second, reconnectDelay(2))
	assert.Equal(t, 8*time.Second, reconnectDelay(3))
	assert.Equal(t, 64*time.Second, reconnectDelay(6))

	// attempt 8 would be 256s; the cap holds at 2 minutes
	assert.Equal(t, reconnectMaxDelay, reconnectDelay(8))
	assert.Equal(t, reconnectMaxDelay, reconnectDelay(100))
}

func TestReconnectDelayBadAttempt(t *testing.T) {
	assert.Equal(t, reconnectInitialDelay, reconnectDelay(0))
	assert.Equal(t, reconnectInitialDelay, reconnectDelay(-3))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
}
