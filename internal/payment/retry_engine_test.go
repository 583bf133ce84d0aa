package payment

import (
	"testing"
	"time"

	"custody-backend/internal/config"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDefaults(t *testing.T) {
	cfg := &config.PaymentConfig{}
	table := cfg.Backoff()

	assert.Equal(t, []time.Duration{
		time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour, 2 * time.Hour,
	}, table)
}

func TestBackoffFromConfig(t *testing.T) {
	cfg := &config.PaymentConfig{BackoffTable: []int{30, 60}}
	table := cfg.Backoff()

	assert.Equal(t, []time.Duration{30 * time.Second, time.Minute}, table)
}

func TestMaxAttemptsDefault(t *testing.T) {
	e := &Engine{cfg: &config.PaymentConfig{}}
	assert.Equal(t, 5, e.maxAttempts())

	e = &Engine{cfg: &config.PaymentConfig{MaxAttempts: 3}}
	assert.Equal(t, 3, e.maxAttempts())
}

func TestSweepIntervalDefault(t *testing.T) {
	e := &Engine{cfg: &config.PaymentConfig{}}
	assert.Equal(t, 30*time.Second, e.sweepInterval())

	e = &Engine{cfg: &config.PaymentConfig{SweepInterval: 10}}
	assert.Equal(t, 10*time.Second, e.sweepInterval())
}
