package util

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 50 * time.Millisecond}

	assert.Equal(t, 10*time.Millisecond, cfg.Delay(1, nil))
	assert.Equal(t, 20*time.Millisecond, cfg.Delay(2, nil))
	assert.Equal(t, 40*time.Millisecond, cfg.Delay(3, nil))
	assert.Equal(t, 50*time.Millisecond, cfg.Delay(4, nil))
	assert.Equal(t, 50*time.Millisecond, cfg.Delay(10, nil))
}

func TestBackoffDelay_JitterWithoutRNG(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 2, Jitter: true}
	assert.Equal(t, 10*time.Millisecond, cfg.Delay(2, nil))
}

func TestBackoffAttempts(t *testing.T) {
	assert.Equal(t, 1, BackoffConfig{}.Attempts())
	assert.Equal(t, 5, DefaultBackoff().Attempts())
}

func TestBackoffSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := BackoffConfig{InitialDelay: time.Hour}
	assert.ErrorIs(t, cfg.Sleep(ctx, 1, nil), context.Canceled)
}
