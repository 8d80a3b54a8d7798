package chat

import (
	"sync"
	"time"
)

// State is the behavioral state shared by every session of one process:
// the threshold counter, the adjacent-duplicate memory and the activity
// timestamp read by the watchdog. It is never persisted.
type State struct {
	mu sync.Mutex

	threshold uint
	count     uint
	total     uint64

	lastMessage string
	hasLast     bool

	lastActivity time.Time
}

// NewState creates a State. A threshold below 1 is raised to 1.
func NewState(threshold uint) *State {
	if threshold < 1 {
		threshold = 1
	}
	return &State{threshold: threshold}
}

// Touch records inbound activity at now.
func (s *State) Touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// LastActivity returns the time of the most recent inbound event.
func (s *State) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Count returns the current value of the threshold counter.
func (s *State) Count() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Total returns the number of events recorded over the process lifetime.
func (s *State) Total() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Threshold returns the configured threshold.
func (s *State) Threshold() uint {
	return s.threshold
}

// LastMessage returns the dedup memory, if any.
func (s *State) LastMessage() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMessage, s.hasLast
}

// ResetCounters clears the counter and dedup memory. Activity and the
// lifetime total are kept.
func (s *State) ResetCounters() {
	s.mu.Lock()
	s.count = 0
	s.lastMessage = ""
	s.hasLast = false
	s.mu.Unlock()
}

// remember touches activity and stores text as the last message. It reports
// true if text equals the stored message, in which case nothing is replaced.
func (s *State) remember(text string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
	if s.hasLast && s.lastMessage == text {
		return true
	}
	s.lastMessage = text
	s.hasLast = true
	return false
}

// record increments the counter. On reaching the threshold the counter is
// reset in the same critical section.
func (s *State) record() (count uint, total uint64, fired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.count++
	if s.count >= s.threshold {
		s.count = 0
		return s.threshold, s.total, true
	}
	return s.count, s.total, false
}
