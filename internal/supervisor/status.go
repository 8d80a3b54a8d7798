package supervisor

import "time"

// Phase is the supervisor's position in its cycle.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseAuthenticating
	PhaseConnecting
	PhaseRunning
	PhaseBackingOff
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseConnecting:
		return "connecting"
	case PhaseRunning:
		return "running"
	case PhaseBackingOff:
		return "backing_off"
	case PhaseStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// Status is a point-in-time view for the management API.
type Status struct {
	Phase        string     `json:"phase"`
	Cycle        uint64     `json:"cycle"`
	CycleID      string     `json:"cycle_id,omitempty"`
	SessionStart *time.Time `json:"session_started_at,omitempty"`
	LastOutcome  string     `json:"last_outcome,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	MessageCount uint       `json:"message_count"`
	Threshold    uint       `json:"threshold"`
	TotalCounted uint64     `json:"total_counted"`
	LastActivity time.Time  `json:"last_activity"`
	PollInterval string     `json:"poll_interval"`
	StaleAfter   string     `json:"stale_after"`
}

// Phase returns the current phase.
func (s *Supervisor) Phase() Phase {
	return Phase(s.phase.Load())
}

func (s *Supervisor) setPhase(p Phase) {
	s.phase.Store(int32(p))
}

// Status returns a snapshot of the supervisor and the shared chat state.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	st := Status{
		CycleID:     s.cycleID,
		LastOutcome: s.lastOutcome,
		LastError:   s.lastError,
	}
	if !s.startedAt.IsZero() {
		started := s.startedAt
		st.SessionStart = &started
	}
	s.mu.RUnlock()

	wd := s.watchdog.Config()
	st.PollInterval = wd.PollInterval.String()
	st.StaleAfter = wd.StaleAfter.String()

	st.Phase = s.Phase().String()
	st.Cycle = s.cycles.Load()
	st.MessageCount = s.state.Count()
	st.Threshold = s.state.Threshold()
	st.TotalCounted = s.state.Total()
	st.LastActivity = s.state.LastActivity()
	return st
}

// Running reports whether a session is currently open.
func (s *Supervisor) Running() bool {
	return s.Phase() == PhaseRunning
}

// LastActivity returns the time of the most recent inbound event.
func (s *Supervisor) LastActivity() time.Time {
	return s.state.LastActivity()
}
