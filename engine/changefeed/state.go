package changefeed

// State is the listener lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateListening
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateListening:
		return "listening"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
