package domain

// State is the lifecycle state of one native VM handle.
//
//	Created → Loaded → Running → (Idle | Faulted) → Destroyed
type State int

const (
	StateCreated State = iota
	StateLoaded
	StateRunning
	StateIdle
	StateFaulted
	StateDestroyed
)

var stateNames = [...]string{
	StateCreated:   "created",
	StateLoaded:    "loaded",
	StateRunning:   "running",
	StateIdle:      "idle",
	StateFaulted:   "faulted",
	StateDestroyed: "destroyed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// CanLoad reports whether a script may be loaded from state s.
func (s State) CanLoad() bool { return s == StateCreated }

// CanRegister reports whether modules and host functions may still be added.
func (s State) CanRegister() bool { return s == StateCreated }

// CanExecute reports whether run or call may start from state s.
func (s State) CanExecute() bool { return s == StateLoaded || s == StateIdle }

// Terminal reports whether no further transition other than destroy exists.
func (s State) Terminal() bool { return s == StateFaulted || s == StateDestroyed }
