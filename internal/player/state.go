package player

type PlayState int32

const (
	// StateInActive marks a station whose stream url is known to be bad.
	StateInActive PlayState = iota - 1
	StateStopped
	StatePlaying
	StateBuffering

	// stateStopRequested is Buffering with a pending Stop. It is never
	// reported outside the package.
	stateStopRequested
)

func (s PlayState) String() string {
	switch s {
	case StateInActive:
		return "INACTIVE"
	case StateStopped:
		return "STOPPED"
	case StatePlaying:
		return "LIVE"
	case StateBuffering, stateStopRequested:
		return "BUFFERING"
	default:
		return "UNKNOWN"
	}
}

// StateChanged is posted every time a player changes state.
type StateChanged struct {
	Player *Player
	State  PlayState
}

// Lossless keeps state changes in a full notification queue.
func (StateChanged) Lossless() {}
