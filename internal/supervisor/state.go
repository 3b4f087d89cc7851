package supervisor

// State is the lifecycle state of one service.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateError    State = "error"
)

// States lists every state in display order.
var States = []State{StateStopped, StateStarting, StateRunning, StateError}

// Live reports whether a process handle exists in this state.
func (s State) Live() bool {
	return s == StateStarting || s == StateRunning
}

func (s State) String() string { return string(s) }
