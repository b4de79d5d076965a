// Package sampler produces raw location fixes on a fixed cadence
package sampler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultInterval is the fix cadence used when none is configured
const DefaultInterval = 15 * time.Second

// ErrExhausted is returned by a Provider that has no more fixes
var ErrExhausted = errors.New("no more fixes")

// Fix is one raw location sample. Timestamp is epoch milliseconds.
type Fix struct {
	Latitude  float64 `json:"latitude" binding:"min=-90,max=90"`
	Longitude float64 `json:"longitude" binding:"min=-180,max=180"`
	Timestamp int64   `json:"timestamp"`
}

// Provider returns the current position of the device
type Provider interface {
	CurrentFix(ctx context.Context) (Fix, error)
}

// Ticker polls a Provider on a fixed interval
type Ticker struct {
	provider Provider
	interval time.Duration
	now      func() time.Time
}

// NewTicker creates a Ticker; a non-positive interval uses DefaultInterval
func NewTicker(p Provider, interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Ticker{provider: p, interval: interval, now: time.Now}
}

// Run emits a fix immediately and then once per interval until ctx is done
// or the provider is exhausted. Provider errors skip the tick.
func (t *Ticker) Run(ctx context.Context, emit func(Fix)) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		fix, err := t.provider.CurrentFix(ctx)
		switch {
		case errors.Is(err, ErrExhausted):
			log.Info().Msg("Location provider exhausted, sampler stopping")
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Msg("Failed to sample location")
		default:
			if fix.Timestamp == 0 {
				fix.Timestamp = t.now().UnixMilli()
			}
			emit(fix)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
