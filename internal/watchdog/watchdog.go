// Package watchdog detects sessions that have gone silent.
package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/factbot/internal/errors"
)

// Defaults match the game server's keep-alive cadence.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultStaleAfter   = 30 * time.Second
)

// Config controls the watchdog timing.
type Config struct {
	PollInterval time.Duration
	StaleAfter   time.Duration
}

// ActivitySource is read by the watchdog. It is satisfied by *chat.State.
type ActivitySource interface {
	Touch(now time.Time)
	LastActivity() time.Time
}

// Watchdog polls an ActivitySource and reports staleness.
type Watchdog struct {
	cfg    Config
	clock  clockwork.Clock
	logger zerolog.Logger
}

// New creates a Watchdog. Zero durations fall back to the defaults and a nil
// clock uses the real clock.
func New(cfg Config, clock clockwork.Clock, logger zerolog.Logger) *Watchdog {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Watchdog{
		cfg:    cfg,
		clock:  clock,
		logger: logger.With().Str("component", "watchdog").Logger(),
	}
}

// Config returns the effective configuration.
func (w *Watchdog) Config() Config {
	return w.cfg
}

// Watch arms the watchdog, resetting the activity time to now, and blocks
// until either the source has been silent for longer than StaleAfter or ctx
// is cancelled. It returns an error wrapping ErrStalenessDetected in the
// first case and ctx.Err() in the second. The ticker is stopped before
// Watch returns.
func (w *Watchdog) Watch(ctx context.Context, src ActivitySource) error {
	src.Touch(w.clock.Now())

	ticker := w.clock.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			idle := w.clock.Since(src.LastActivity())
			if idle > w.cfg.StaleAfter {
				w.logger.Warn().
					Dur("idle", idle).
					Dur("window", w.cfg.StaleAfter).
					Msg("no activity within window")
				return fmt.Errorf("idle for %s: %w", idle, perrors.ErrStalenessDetected)
			}
		}
	}
}
