package tunnel

import "github.com/die-net/sshforward/internal/tunnelerr"

// State is the tunnel lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Status is a snapshot of the tunnel state. Message is set only for
// StateError.
type Status struct {
	State   State
	Message string
}

func (s Status) String() string {
	if s.State == StateError && s.Message != "" {
		return string(s.State) + ": " + s.Message
	}
	return string(s.State)
}

func errorStatus(msg string) Status {
	return Status{State: StateError, Message: msg}
}

// connectFailureStatus is the status left by a failed Connect. Config and
// key problems get a fixed message; the returned error keeps the detail.
func connectFailureStatus(err error) Status {
	switch tunnelerr.KindOf(err) {
	case tunnelerr.InvalidConfiguration:
		return errorStatus("invalid configuration")
	case tunnelerr.KeyNotFound:
		return errorStatus("no key")
	}
	return errorStatus(tunnelerr.UserMessage(err))
}
