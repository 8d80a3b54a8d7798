package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	perrors "github.com/p-blackswan/factbot/internal/errors"
)

// FactSource is anything that can pick an announcement.
type FactSource interface {
	RandomFact(ctx context.Context) (string, bool, error)
}

// BreakerConfig tunes the circuit breaker in front of a FactSource.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before a probe.
	OpenTimeout time.Duration
	// OnStateChange is called on every transition, e.g. to export metrics.
	OnStateChange func(from, to string)
}

// DefaultBreakerConfig returns sane defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		OpenTimeout:      30 * time.Second,
	}
}

// Guarded wraps a FactSource in a circuit breaker. While the breaker is
// open lookups fail fast with ErrStorage and the database is not touched.
type Guarded struct {
	src    FactSource
	cb     *gobreaker.CircuitBreaker
	logger zerolog.Logger
}

type factResult struct {
	text string
	ok   bool
}

// NewGuarded creates a Guarded source.
func NewGuarded(src FactSource, cfg BreakerConfig, logger zerolog.Logger) *Guarded {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}

	g := &Guarded{
		src:    src,
		logger: logger.With().Str("component", "fact-breaker").Logger(),
	}
	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "facts",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			// A cancelled caller says nothing about the database.
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(from.String(), to.String())
			}
		},
	})
	return g
}

// RandomFact implements FactSource.
func (g *Guarded) RandomFact(ctx context.Context) (string, bool, error) {
	res, err := g.cb.Execute(func() (interface{}, error) {
		text, ok, err := g.src.RandomFact(ctx)
		if err != nil {
			return nil, err
		}
		return factResult{text: text, ok: ok}, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", false, fmt.Errorf("%w: %v", perrors.ErrStorage, err)
	}
	if err != nil {
		if !errors.Is(err, perrors.ErrStorage) {
			err = fmt.Errorf("%w: %v", perrors.ErrStorage, err)
		}
		return "", false, err
	}
	r := res.(factResult)
	return r.text, r.ok, nil
}

// State returns the breaker state name: closed, half-open or open.
func (g *Guarded) State() string {
	return g.cb.State().String()
}
