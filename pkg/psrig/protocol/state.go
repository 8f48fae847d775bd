package protocol

// State is the position of a session in the protocol state machine
type State int32

const (
	StateIdle State = iota
	StateHandshaking
	StateConnected
	StateLightSelected
	StateAwaitingReady
	StateCapturing
	StateLightOff
	StateSequenceComplete
	StateError
	StateTimedOut
	StateAborted
	StateClosed
)

var stateNames = [...]string{
	StateIdle:             "idle",
	StateHandshaking:      "handshaking",
	StateConnected:        "connected",
	StateLightSelected:    "light_selected",
	StateAwaitingReady:    "awaiting_ready",
	StateCapturing:        "capturing",
	StateLightOff:         "light_off",
	StateSequenceComplete: "sequence_complete",
	StateError:            "error",
	StateTimedOut:         "timed_out",
	StateAborted:          "aborted",
	StateClosed:           "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}

	return stateNames[s]
}

// NeedsReset reports whether the device must be reset before another sequence can start
func (s State) NeedsReset() bool {
	return s == StateError || s == StateTimedOut || s == StateAborted
}
