package headset

import "fmt"

// State is the connection lifecycle state of a headset
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Streaming
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Streaming:
		return "streaming"
	case Disconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var transitions = map[State][]State{
	Disconnected:  {Connecting},
	Connecting:    {Connected, Disconnected},
	Connected:     {Streaming, Disconnecting},
	Streaming:     {Disconnecting},
	Disconnecting: {Disconnected},
}

// TransitionError reports a state change the lifecycle does not allow
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal state transition %s -> %s", e.From, e.To)
}

// CheckTransition returns a *TransitionError unless from -> to is allowed
func CheckTransition(from, to State) error {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return &TransitionError{From: from, To: to}
}
