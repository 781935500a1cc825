package rtc

// State is the lifecycle of one Session. Disconnected is terminal.
type State int

const (
	StateIdle State = iota
	StateTokenAcquired
	StateMicReady
	StateOffering
	StateConnected
	StateRecording
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTokenAcquired:
		return "token-acquired"
	case StateMicReady:
		return "mic-ready"
	case StateOffering:
		return "offering"
	case StateConnected:
		return "connected"
	case StateRecording:
		return "recording"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// canTransition allows forward moves and the jump to Disconnected from anywhere.
func canTransition(from, to State) bool {
	if from == StateDisconnected {
		return false
	}
	if to == StateDisconnected {
		return true
	}
	return to > from
}
