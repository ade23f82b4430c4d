// Package util holds small helpers shared by SwarmKit packages.
package util

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffConfig defines bounded exponential retry behaviour.
type BackoffConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay" toml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier" toml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay" toml:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts" toml:"max_attempts"`
	Jitter       bool          `yaml:"jitter" toml:"jitter"`
}

// DefaultBackoff returns the retry policy used for lock acquisition and
// event redelivery.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 10 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     500 * time.Millisecond,
		MaxAttempts:  5,
	}
}

// Delay returns the wait before retry attempt N (1-based).
func (cfg BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}

// Attempts returns MaxAttempts, at least 1.
func (cfg BackoffConfig) Attempts() int {
	if cfg.MaxAttempts < 1 {
		return 1
	}
	return cfg.MaxAttempts
}

// Sleep waits for the attempt's delay or until ctx is done.
func (cfg BackoffConfig) Sleep(ctx context.Context, attempt int, rng *rand.Rand) error {
	d := cfg.Delay(attempt, rng)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
