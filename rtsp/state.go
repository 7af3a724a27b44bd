package rtsp

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateNegotiating
	StatePlaying
	StatePaused
	StateStopped
	StateFailed
)

var (
	stateNames = map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateNegotiating:  "negotiating",
		StatePlaying:      "playing",
		StatePaused:       "paused",
		StateStopped:      "stopped",
		StateFailed:       "failed",
	}
)

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "invalid"
}

// Terminal reports whether the session can no longer change state.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}
