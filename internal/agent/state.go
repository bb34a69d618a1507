package agent

// State is the lifecycle phase of an Agent. Transitions only move forward:
// INIT → RUNNING → DRAINING → STOPPED, or INIT → STOPPED when startup fails.
type State int32

const (
	StateInit State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
