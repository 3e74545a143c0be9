package raceentity

// State is a point in an Entity's lifecycle.
type State int

const (
	Uninitialized State = iota
	Initialized
	Running
	Paused
	Terminated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Command is a lifecycle command the Supervisor sends point-to-point to an
// Entity, always on its priority lane.
type Command int

const (
	Initialize Command = iota
	Start
	Pause
	Resume
	Terminate
)

func (c Command) String() string {
	switch c {
	case Initialize:
		return "initialize"
	case Start:
		return "start"
	case Pause:
		return "pause"
	case Resume:
		return "resume"
	case Terminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// ParseCommand is String's inverse, used to decode a LIFECYCLE_CMD
// frame's wire-level command name back into a Command.
func ParseCommand(s string) (Command, bool) {
	switch s {
	case "initialize":
		return Initialize, true
	case "start":
		return Start, true
	case "pause":
		return Pause, true
	case "resume":
		return Resume, true
	case "terminate":
		return Terminate, true
	default:
		return 0, false
	}
}

// transition pairs the state a command reaches on a positive
// acknowledgment with the state it reaches on a failure acknowledgment,
// per spec.md §4.3's state table.
type transition struct {
	onSuccess State
	onFailure State
}

// transitions encodes the table from spec.md §4.3: (current state,
// command) -> (success state, failure state). A command not present in
// the table for a given state leaves the state unchanged and is answered
// with a failure acknowledgment carrying an InvalidTransitionError.
var transitions = map[State]map[Command]transition{
	Uninitialized: {
		Initialize: {onSuccess: Initialized, onFailure: Terminated},
		Terminate:  {onSuccess: Terminated, onFailure: Terminated},
	},
	Initialized: {
		Start:     {onSuccess: Running, onFailure: Terminated},
		Terminate: {onSuccess: Terminated, onFailure: Terminated},
	},
	Running: {
		Pause:     {onSuccess: Paused, onFailure: Running},
		Terminate: {onSuccess: Terminated, onFailure: Terminated},
	},
	Paused: {
		Resume:    {onSuccess: Running, onFailure: Paused},
		Terminate: {onSuccess: Terminated, onFailure: Terminated},
	},
}

// next returns the state to transition to for (from, cmd), distinguishing
// a positive from a failure acknowledgment, and whether the command is
// legal at all from this state. An illegal Pause from Paused or Resume
// from Running is reported to the caller as "error reported, state
// unchanged" rather than as an illegal-transition panic.
func next(from State, cmd Command, failed bool) (State, bool) {
	if from == Terminated {
		return Terminated, false
	}
	t, ok := transitions[from]
	if !ok {
		return from, false
	}
	tr, ok := t[cmd]
	if !ok {
		return from, false
	}
	if failed {
		return tr.onFailure, true
	}
	return tr.onSuccess, true
}
