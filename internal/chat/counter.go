package chat

// Tick reports the effect of one Record call.
type Tick struct {
	Count    uint   // counter value after the call; equals the threshold when Fired
	Total    uint64 // lifetime recorded events
	Fired    bool
	Progress bool // Total landed on a progress boundary
}

// Counter accumulates countable events against the state's threshold.
type Counter struct {
	state         *State
	progressEvery uint64
}

// NewCounter creates a Counter. progressEvery of 0 disables progress ticks.
func NewCounter(state *State, progressEvery uint64) *Counter {
	return &Counter{state: state, progressEvery: progressEvery}
}

// Record counts one event.
func (c *Counter) Record() Tick {
	count, total, fired := c.state.record()
	return Tick{
		Count:    count,
		Total:    total,
		Fired:    fired,
		Progress: c.progressEvery > 0 && total%c.progressEvery == 0,
	}
}
