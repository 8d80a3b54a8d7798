package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/factbot/internal/auth"
	"github.com/p-blackswan/factbot/internal/chat"
	perrors "github.com/p-blackswan/factbot/internal/errors"
	"github.com/p-blackswan/factbot/internal/metrics"
	"github.com/p-blackswan/factbot/internal/watchdog"
)

const (
	testPoll    = 5 * time.Second
	testStale   = 30 * time.Second
	testBackoff = 30 * time.Second
	waitFor     = 2 * time.Second
	tick        = 5 * time.Millisecond
)

// --- fakes ---

type fakeAuth struct {
	calls atomic.Int32
	fail  func(call int32) error
}

func (f *fakeAuth) Authenticate(_ context.Context, identity string) (auth.Credentials, error) {
	n := f.calls.Add(1)
	if f.fail != nil {
		if err := f.fail(n); err != nil {
			return auth.Credentials{}, err
		}
	}
	return auth.Credentials{Identity: identity, Username: "FactBot", AccessToken: "tok"}, nil
}

type fakeSession struct {
	events chan chat.Event
	errs   chan error

	mu      sync.Mutex
	sent    []string
	sendErr error

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		events: make(chan chat.Event),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (f *fakeSession) Next(ctx context.Context) (chat.Event, error) {
	select {
	case <-ctx.Done():
		return chat.Event{}, ctx.Err()
	case err := <-f.errs:
		return chat.Event{}, err
	case ev, ok := <-f.events:
		if !ok {
			return chat.Event{}, io.EOF
		}
		return ev, nil
	}
}

func (f *fakeSession) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSession) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSession) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeSession) IsClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeSession) say(t *testing.T, lines ...string) {
	t.Helper()
	for _, l := range lines {
		select {
		case f.events <- chat.ChatEvent(l):
		case <-time.After(waitFor):
			t.Fatalf("session did not accept %q", l)
		}
	}
}

type fakeDialer struct {
	calls  atomic.Int32
	fail   func(call int32) error
	opened chan *fakeSession
}

func (f *fakeDialer) Dial(_ context.Context, _ auth.Credentials, _ string) (Session, error) {
	n := f.calls.Add(1)
	if f.fail != nil {
		if err := f.fail(n); err != nil {
			return nil, err
		}
	}
	s := newFakeSession()
	f.opened <- s
	return s, nil
}

type fakeFacts struct {
	calls atomic.Int32
	text  string
	ok    bool
	err   error
}

func (f *fakeFacts) RandomFact(context.Context) (string, bool, error) {
	f.calls.Add(1)
	return f.text, f.ok, f.err
}

// --- harness ---

type harness struct {
	sup    *Supervisor
	state  *chat.State
	clock  clockwork.FakeClock
	auth   *fakeAuth
	dialer *fakeDialer
	facts  *fakeFacts
	m      *metrics.Metrics
	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, threshold uint, mutate func(*harness, *Config)) *harness {
	t.Helper()
	h := &harness{
		state:  chat.NewState(threshold),
		clock:  clockwork.NewFakeClock(),
		auth:   &fakeAuth{},
		dialer: &fakeDialer{opened: make(chan *fakeSession, 16)},
		facts:  &fakeFacts{text: "cats sleep 16 hours a day", ok: true},
		m:      metrics.New(),
		done:   make(chan error, 1),
	}
	cfg := Config{
		Identity:       "bot@example.com",
		Address:        "play.example.net",
		Backoff:        testBackoff,
		AnnouncePrefix: "Cat Fact: ",
		Watchdog:       watchdog.Config{PollInterval: testPoll, StaleAfter: testStale},
	}
	if mutate != nil {
		mutate(h, &cfg)
	}
	h.sup = New(cfg, h.state, h.auth, h.dialer, h.facts,
		WithClock(h.clock), WithMetrics(h.m), WithLogger(zerolog.Nop()))

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.sup.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(waitFor):
			t.Error("supervisor did not stop")
		}
	})
	return h
}

func (h *harness) nextSession(t *testing.T) *fakeSession {
	t.Helper()
	select {
	case s := <-h.dialer.opened:
		return s
	case <-time.After(waitFor):
		t.Fatal("no session opened")
		return nil
	}
}

func (h *harness) waitPhase(t *testing.T, p Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return h.sup.Phase() == p }, waitFor, tick, "phase %s, want %s", h.sup.Phase(), p)
}

// running waits for a session to be fully running with its watchdog armed.
func (h *harness) running(t *testing.T) *fakeSession {
	t.Helper()
	s := h.nextSession(t)
	h.waitPhase(t, PhaseRunning)
	h.clock.BlockUntil(1)
	return s
}

// backingOff waits until the backoff timer is the only thing on the clock.
func (h *harness) backingOff(t *testing.T) {
	t.Helper()
	h.waitPhase(t, PhaseBackingOff)
	h.clock.BlockUntil(1)
}

// --- tests ---

func TestRun_ThresholdThreeAnnouncesOnce(t *testing.T) {
	h := newHarness(t, 3, nil)
	sess := h.running(t)

	sess.say(t, "one", "two", "three")
	require.Eventually(t, func() bool { return len(sess.Sent()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"Cat Fact: cats sleep 16 hours a day"}, sess.Sent())
	assert.Equal(t, uint(0), h.state.Count())

	sess.say(t, "four")
	require.Eventually(t, func() bool { return h.state.Count() == 1 }, waitFor, tick)
	assert.Len(t, sess.Sent(), 1)
	assert.Equal(t, int32(1), h.facts.calls.Load())
}

func TestRun_DuplicatesAndPrefixesNotCounted(t *testing.T) {
	h := newHarness(t, 3, nil)
	sess := h.running(t)

	sess.say(t, "hi", "hi", "&dwhisper", "&5cmd", "hi")
	// Only the first "hi" counts; the last one follows "&5cmd" so it is new.
	require.Eventually(t, func() bool { return h.state.Count() == 2 }, waitFor, tick)
	assert.Empty(t, sess.Sent())
}

func TestRun_StorageFailureKeepsSession(t *testing.T) {
	h := newHarness(t, 2, func(h *harness, _ *Config) {
		h.facts.err = perrors.ErrStorage
	})
	sess := h.running(t)

	sess.say(t, "a", "b")
	require.Eventually(t, func() bool { return h.facts.calls.Load() == 1 }, waitFor, tick)
	assert.Equal(t, uint(0), h.state.Count())
	assert.Empty(t, sess.Sent())

	sess.say(t, "c")
	require.Eventually(t, func() bool { return h.state.Count() == 1 }, waitFor, tick)
	assert.False(t, sess.IsClosed())
	assert.Equal(t, PhaseRunning, h.sup.Phase())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.AnnouncementsTotal.WithLabelValues("storage_error")))
}

func TestRun_EmptyStoreSkipsAnnouncement(t *testing.T) {
	h := newHarness(t, 1, func(h *harness, _ *Config) {
		h.facts.ok = false
		h.facts.text = ""
	})
	sess := h.running(t)

	sess.say(t, "a")
	require.Eventually(t, func() bool { return h.facts.calls.Load() == 1 }, waitFor, tick)
	assert.Empty(t, sess.Sent())
	assert.False(t, sess.IsClosed())
}

func TestRun_WatchdogRestartsStaleSession(t *testing.T) {
	h := newHarness(t, 100, nil)
	sess := h.running(t)

	// Silence up to the window is tolerated.
	for i := 0; i < int(testStale/testPoll); i++ {
		h.clock.Advance(testPoll)
	}
	assert.Never(t, sess.IsClosed, 50*time.Millisecond, tick)

	// One poll interval past the window the session is torn down.
	h.clock.Advance(testPoll)
	require.Eventually(t, sess.IsClosed, waitFor, tick)
	h.backingOff(t)
	assert.Equal(t, "stale", h.sup.Status().LastOutcome)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.SessionsTotal.WithLabelValues("stale")))

	h.clock.Advance(testBackoff)
	h.nextSession(t)
	assert.Equal(t, int32(2), h.auth.calls.Load())
}

func TestRun_ActivityKeepsSessionAlive(t *testing.T) {
	h := newHarness(t, 100, nil)
	sess := h.running(t)

	for i := 0; i < 20; i++ {
		h.clock.Advance(testPoll)
		sess.say(t, "keep talking "+string(rune('a'+i)))
	}
	assert.False(t, sess.IsClosed())
	assert.Equal(t, PhaseRunning, h.sup.Phase())
}

func TestRun_BackoffIsExact(t *testing.T) {
	h := newHarness(t, 100, nil)
	sess := h.running(t)

	close(sess.events)
	require.Eventually(t, sess.IsClosed, waitFor, tick)
	h.backingOff(t)
	assert.Equal(t, "closed", h.sup.Status().LastOutcome)

	h.clock.Advance(testBackoff - time.Millisecond)
	assert.Never(t, func() bool { return h.auth.calls.Load() > 1 }, 50*time.Millisecond, tick)

	h.clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return h.auth.calls.Load() == 2 }, waitFor, tick)
	h.nextSession(t)
}

func TestRun_AuthFailureBacksOff(t *testing.T) {
	h := newHarness(t, 100, func(h *harness, _ *Config) {
		h.auth.fail = func(call int32) error {
			if call == 1 {
				return errors.New("token endpoint unreachable")
			}
			return nil
		}
	})

	h.backingOff(t)
	assert.Equal(t, "auth_failed", h.sup.Status().LastOutcome)
	assert.Equal(t, int32(0), h.dialer.calls.Load())

	h.clock.Advance(testBackoff)
	h.nextSession(t)
	assert.Equal(t, int32(2), h.auth.calls.Load())
}

func TestRun_ConnectFailureBacksOff(t *testing.T) {
	h := newHarness(t, 100, func(h *harness, _ *Config) {
		h.dialer.fail = func(call int32) error {
			if call == 1 {
				return errors.New("connection refused")
			}
			return nil
		}
	})

	h.backingOff(t)
	st := h.sup.Status()
	assert.Equal(t, "connect_failed", st.LastOutcome)
	assert.Contains(t, st.LastError, "connection refused")

	h.clock.Advance(testBackoff)
	h.nextSession(t)
}

func TestRun_DisconnectSignalEndsSession(t *testing.T) {
	h := newHarness(t, 100, nil)
	sess := h.running(t)

	select {
	case sess.events <- chat.DisconnectEvent("You have been kicked"):
	case <-time.After(waitFor):
		t.Fatal("event not accepted")
	}
	require.Eventually(t, sess.IsClosed, waitFor, tick)
	h.backingOff(t)

	st := h.sup.Status()
	assert.Equal(t, "terminated", st.LastOutcome)
	assert.Contains(t, st.LastError, "kicked")
}

func TestRun_ProtocolErrorEndsSession(t *testing.T) {
	h := newHarness(t, 100, nil)
	sess := h.running(t)

	sess.errs <- errors.New("connection reset by peer")
	require.Eventually(t, sess.IsClosed, waitFor, tick)
	h.backingOff(t)
	assert.Equal(t, "terminated", h.sup.Status().LastOutcome)
}

func TestRun_SendFailureEndsSession(t *testing.T) {
	h := newHarness(t, 1, nil)
	sess := h.running(t)
	sess.mu.Lock()
	sess.sendErr = errors.New("broken pipe")
	sess.mu.Unlock()

	sess.say(t, "trigger")
	require.Eventually(t, sess.IsClosed, waitFor, tick)
	h.backingOff(t)
	assert.Equal(t, "terminated", h.sup.Status().LastOutcome)
	assert.Equal(t, uint(0), h.state.Count())
}

func TestRun_StatePersistsAcrossReconnect(t *testing.T) {
	h := newHarness(t, 3, nil)
	first := h.running(t)
	first.say(t, "a", "b")
	require.Eventually(t, func() bool { return h.state.Count() == 2 }, waitFor, tick)

	close(first.events)
	h.backingOff(t)
	h.clock.Advance(testBackoff)

	second := h.running(t)
	second.say(t, "c")
	require.Eventually(t, func() bool { return len(second.Sent()) == 1 }, waitFor, tick)
	assert.Empty(t, first.Sent())
}

func TestRun_ResetOnReconnect(t *testing.T) {
	h := newHarness(t, 3, func(_ *harness, cfg *Config) {
		cfg.ResetOnReconnect = true
	})
	first := h.running(t)
	first.say(t, "a", "b")
	require.Eventually(t, func() bool { return h.state.Count() == 2 }, waitFor, tick)

	close(first.events)
	h.backingOff(t)
	h.clock.Advance(testBackoff)

	second := h.running(t)
	second.say(t, "b")
	require.Eventually(t, func() bool { return h.state.Count() == 1 }, waitFor, tick)
	assert.Empty(t, second.Sent())
}

func TestRun_CancelWhileRunning(t *testing.T) {
	h := newHarness(t, 100, nil)
	sess := h.running(t)

	h.cancel()
	select {
	case err := <-h.done:
		assert.NoError(t, err)
		h.done <- err
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, sess.IsClosed())
	assert.Equal(t, PhaseStopped, h.sup.Phase())
	h.clock.BlockUntil(0)
}

func TestRun_CancelWhileBackingOff(t *testing.T) {
	h := newHarness(t, 100, nil)
	sess := h.running(t)
	close(sess.events)
	h.backingOff(t)

	h.cancel()
	select {
	case err := <-h.done:
		assert.NoError(t, err)
		h.done <- err
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, int32(1), h.auth.calls.Load())
}

func TestStatus_Snapshot(t *testing.T) {
	h := newHarness(t, 5, nil)
	sess := h.running(t)
	sess.say(t, "x", "y")
	require.Eventually(t, func() bool { return h.state.Count() == 2 }, waitFor, tick)

	st := h.sup.Status()
	assert.Equal(t, "running", st.Phase)
	assert.Equal(t, uint64(1), st.Cycle)
	assert.NotEmpty(t, st.CycleID)
	assert.Equal(t, uint(2), st.MessageCount)
	assert.Equal(t, uint(5), st.Threshold)
	assert.Equal(t, uint64(2), st.TotalCounted)
	assert.Equal(t, h.clock.Now(), st.LastActivity)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.SessionUp))
}

func TestStatus_SessionStartOnlyWhileRunning(t *testing.T) {
	h := newHarness(t, 100, nil)
	sess := h.running(t)

	st := h.sup.Status()
	require.NotNil(t, st.SessionStart)
	assert.Equal(t, h.clock.Now(), *st.SessionStart)
	assert.Equal(t, testPoll.String(), st.PollInterval)
	assert.Equal(t, testStale.String(), st.StaleAfter)

	sess.errs <- errors.New("connection reset by peer")
	require.Eventually(t, sess.IsClosed, waitFor, tick)
	h.backingOff(t)

	st = h.sup.Status()
	assert.Nil(t, st.SessionStart)
	raw, err := json.Marshal(st)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "session_started_at")
	assert.Contains(t, string(raw), `"stale_after":"30s"`)
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "idle", PhaseIdle.String())
	assert.Equal(t, "backing_off", PhaseBackingOff.String())
	assert.Equal(t, "stopped", PhaseStopped.String())
}

func TestEnsure(t *testing.T) {
	err := ensure(errors.New("boom"), perrors.ErrConnect)
	assert.ErrorIs(t, err, perrors.ErrConnect)

	already := ensure(perrors.ErrAuth, perrors.ErrAuth)
	assert.True(t, already == perrors.ErrAuth)
}
