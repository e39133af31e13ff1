package supervisor

// State is the lifecycle of the outbound connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Open
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// allowed lists the legal transitions. Closing is terminal and reachable
// from every other state.
var allowed = map[State][]State{
	Disconnected: {Connecting, Closing},
	Connecting:   {Open, Disconnected, Closing},
	Open:         {Disconnected, Closing},
}

func canTransition(from, to State) bool {
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}
