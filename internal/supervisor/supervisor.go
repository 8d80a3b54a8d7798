// Package supervisor keeps one game session alive: it authenticates, opens
// a session, runs the event path against the liveness watchdog, and backs
// off a fixed delay between attempts until its context is cancelled.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/factbot/internal/auth"
	"github.com/p-blackswan/factbot/internal/chat"
	perrors "github.com/p-blackswan/factbot/internal/errors"
	"github.com/p-blackswan/factbot/internal/metrics"
	"github.com/p-blackswan/factbot/internal/watchdog"
)

// DefaultBackoff is the fixed wait between supervision cycles.
const DefaultBackoff = 30 * time.Second

// Authenticator acquires credentials for an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, identity string) (auth.Credentials, error)
}

// Dialer opens a game session.
type Dialer interface {
	Dial(ctx context.Context, creds auth.Credentials, address string) (Session, error)
}

// Session is one open connection. Next returns io.EOF when the peer closed
// the session cleanly.
type Session interface {
	Next(ctx context.Context) (chat.Event, error)
	Send(ctx context.Context, text string) error
	Close() error
}

// FactSource returns the text to announce. ok is false when there is
// nothing to say.
type FactSource interface {
	RandomFact(ctx context.Context) (text string, ok bool, err error)
}

// Config is the immutable supervisor configuration.
type Config struct {
	Identity         string
	Address          string
	Backoff          time.Duration
	AnnouncePrefix   string
	IgnoredPrefixes  []string
	ProgressEvery    uint64
	ResetOnReconnect bool
	Watchdog         watchdog.Config
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithClock replaces the real clock, mainly for tests.
func WithClock(c clockwork.Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

// WithMetrics records session metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// Supervisor runs the reconnect loop.
type Supervisor struct {
	cfg    Config
	state  *chat.State
	authn  Authenticator
	dialer Dialer
	facts  FactSource

	classifier *chat.Classifier
	counter    *chat.Counter
	watchdog   *watchdog.Watchdog

	clock   clockwork.Clock
	metrics *metrics.Metrics
	logger  zerolog.Logger

	phase  atomic.Int32
	cycles atomic.Uint64

	mu          sync.RWMutex
	cycleID     string
	startedAt   time.Time
	lastOutcome string
	lastError   string
}

// New creates a Supervisor. state is shared across every cycle and must
// outlive the supervisor.
func New(cfg Config, state *chat.State, authn Authenticator, dialer Dialer, facts FactSource, opts ...Option) *Supervisor {
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.IgnoredPrefixes == nil {
		cfg.IgnoredPrefixes = chat.DefaultIgnoredPrefixes
	}
	s := &Supervisor{
		cfg:    cfg,
		state:  state,
		authn:  authn,
		dialer: dialer,
		facts:  facts,
		clock:  clockwork.NewRealClock(),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "supervisor").Logger()
	s.classifier = chat.NewClassifier(state, cfg.IgnoredPrefixes, s.clock)
	s.counter = chat.NewCounter(state, cfg.ProgressEvery)
	s.watchdog = watchdog.New(cfg.Watchdog, s.clock, s.logger)
	return s
}

// Run loops until ctx is cancelled. It always returns nil; every session
// failure is logged and followed by the fixed backoff.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.setPhase(PhaseStopped)

	s.logger.Info().
		Str("address", s.cfg.Address).
		Uint("threshold", s.state.Threshold()).
		Dur("backoff", s.cfg.Backoff).
		Msg("supervisor started")

	for {
		if ctx.Err() != nil {
			break
		}

		err := s.cycle(ctx)
		if ctx.Err() != nil {
			break
		}

		s.setPhase(PhaseBackingOff)
		s.logger.Info().
			Str("outcome", perrors.Outcome(err)).
			Dur("backoff", s.cfg.Backoff).
			Msg("backing off before reconnect")

		select {
		case <-ctx.Done():
		case <-s.clock.After(s.cfg.Backoff):
		}
	}

	s.logger.Info().Msg("supervisor stopped")
	return nil
}

// cycle runs one Authenticating -> Connecting -> Running pass.
func (s *Supervisor) cycle(ctx context.Context) error {
	id := uuid.NewString()
	n := s.cycles.Add(1)
	log := s.logger.With().Str("cycle", id).Uint64("attempt", n).Logger()

	s.mu.Lock()
	s.cycleID = id
	s.mu.Unlock()

	s.setPhase(PhaseAuthenticating)
	creds, err := s.authn.Authenticate(ctx, s.cfg.Identity)
	if err != nil {
		err = ensure(err, perrors.ErrAuth)
		s.finish(log, err, 0)
		return err
	}

	s.setPhase(PhaseConnecting)
	sess, err := s.dialer.Dial(ctx, creds, s.cfg.Address)
	if err != nil {
		err = ensure(err, perrors.ErrConnect)
		s.finish(log, err, 0)
		return err
	}

	if s.cfg.ResetOnReconnect {
		s.state.ResetCounters()
	}

	started := s.clock.Now()
	s.mu.Lock()
	s.startedAt = started
	s.mu.Unlock()
	s.setPhase(PhaseRunning)
	s.sessionUp(true)
	log.Info().Str("username", creds.Username).Str("address", s.cfg.Address).Msg("session running")

	err = s.race(ctx, sess, log)

	s.sessionUp(false)
	s.finish(log, err, s.clock.Since(started))
	return err
}

// race runs the event path and the watchdog until one of them returns. The
// loser is cancelled, the session closed, and both goroutines joined before
// race returns, so nothing from this session outlives it.
func (s *Supervisor) race(ctx context.Context, sess Session, log zerolog.Logger) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	first := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		first <- s.consume(sessCtx, sess, log)
	}()
	go func() {
		defer wg.Done()
		first <- s.watchdog.Watch(sessCtx, s.state)
	}()

	err := <-first
	cancel()
	if cerr := sess.Close(); cerr != nil {
		log.Debug().Err(cerr).Msg("closing session")
	}
	wg.Wait()
	return err
}

// consume is the event path. Events are handled strictly in arrival order.
// A nil return means the peer closed the session cleanly.
func (s *Supervisor) consume(ctx context.Context, sess Session, log zerolog.Logger) error {
	for {
		ev, err := sess.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ensure(err, perrors.ErrProtocolTermination)
		}

		cl := s.classifier.Classify(ev)
		if s.metrics != nil {
			s.metrics.RecordEvent(cl.Result.String())
			s.metrics.SetLastActivity(float64(s.state.LastActivity().Unix()))
		}

		switch cl.Result {
		case chat.DisconnectSignal:
			log.Warn().Str("reason", ev.Reason).Msg("disconnected by server")
			return fmt.Errorf("%w: %s", perrors.ErrProtocolTermination, ev.Reason)
		case chat.Countable:
			tick := s.counter.Record()
			if s.metrics != nil {
				s.metrics.SetMessageCount(float64(s.state.Count()))
			}
			if tick.Progress {
				log.Info().
					Uint64("total", tick.Total).
					Uint("count", s.state.Count()).
					Uint("threshold", s.state.Threshold()).
					Msg("chat progress")
			}
			if tick.Fired {
				if err := s.announce(ctx, sess, log); err != nil {
					return err
				}
			}
		}
	}
}

// announce fetches a fact and sends it. Storage problems and empty stores
// skip this trigger; only a failed send ends the session.
func (s *Supervisor) announce(ctx context.Context, sess Session, log zerolog.Logger) error {
	text, ok, err := s.facts.RandomFact(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("fact lookup failed, skipping announcement")
		s.recordAnnouncement("storage_error")
		return nil
	}
	if !ok {
		log.Info().Msg("no approved facts, skipping announcement")
		s.recordAnnouncement("empty")
		return nil
	}

	msg := s.cfg.AnnouncePrefix + text
	if err := sess.Send(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.recordAnnouncement("send_error")
		return fmt.Errorf("sending announcement: %w", ensure(err, perrors.ErrProtocolTermination))
	}
	s.recordAnnouncement("sent")
	log.Info().Str("message", msg).Msg("announced")
	return nil
}

func (s *Supervisor) finish(log zerolog.Logger, err error, lasted time.Duration) {
	outcome := perrors.Outcome(err)

	s.mu.Lock()
	s.startedAt = time.Time{}
	s.lastOutcome = outcome
	s.lastError = ""
	if err != nil {
		s.lastError = err.Error()
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordSession(outcome, lasted.Seconds())
	}

	ev := log.Warn()
	if err == nil {
		ev = log.Info()
	}
	ev.Err(err).Str("outcome", outcome).Dur("lasted", lasted).Msg("session ended")
}

func (s *Supervisor) recordAnnouncement(result string) {
	if s.metrics != nil {
		s.metrics.RecordAnnouncement(result)
	}
}

func (s *Supervisor) sessionUp(up bool) {
	if s.metrics != nil {
		s.metrics.SetSessionUp(up)
	}
}

// ensure wraps err with sentinel unless it already matches.
func ensure(err, sentinel error) error {
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %v", sentinel, err)
}
