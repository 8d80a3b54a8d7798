package chat

import (
	"strings"

	"github.com/jonboulle/clockwork"
)

// Result is the outcome of classifying one event.
type Result int

const (
	Ignore Result = iota
	Duplicate
	DisconnectSignal
	Countable
)

func (r Result) String() string {
	switch r {
	case Duplicate:
		return "duplicate"
	case DisconnectSignal:
		return "disconnect"
	case Countable:
		return "countable"
	default:
		return "ignore"
	}
}

// Classification carries the result and, for Countable, the chat text.
type Classification struct {
	Result Result
	Text   string
}

// DefaultIgnoredPrefixes are the whisper and command channel markers.
var DefaultIgnoredPrefixes = []string{"&d", "&5"}

// Classifier decides what an inbound event means for the counter.
type Classifier struct {
	state    *State
	prefixes []string
	clock    clockwork.Clock
}

// NewClassifier creates a Classifier bound to state. A nil clock uses the
// real clock.
func NewClassifier(state *State, prefixes []string, clock clockwork.Clock) *Classifier {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	p := make([]string, len(prefixes))
	copy(p, prefixes)
	return &Classifier{state: state, prefixes: p, clock: clock}
}

// Classify classifies ev. Every call refreshes the state's activity time.
//
// Order matters: disconnects win, then the dedup memory is consulted and
// updated, and only then are reserved prefixes filtered. A prefixed line
// therefore still becomes the last message.
func (c *Classifier) Classify(ev Event) Classification {
	now := c.clock.Now()

	switch ev.Kind {
	case KindDisconnect:
		c.state.Touch(now)
		return Classification{Result: DisconnectSignal}
	case KindChat:
		if c.state.remember(ev.Text, now) {
			return Classification{Result: Duplicate}
		}
		for _, p := range c.prefixes {
			if strings.HasPrefix(ev.Text, p) {
				return Classification{Result: Ignore}
			}
		}
		return Classification{Result: Countable, Text: ev.Text}
	default:
		c.state.Touch(now)
		return Classification{Result: Ignore}
	}
}
