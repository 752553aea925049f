package backend

import (
	"fmt"
	"strconv"
)

// State is the xenbus connection state published by each end in its
// "state" node.
type State int

// xenbus states, in their wire encoding.
const (
	StateUnknown       State = 0
	StateInitialising  State = 1
	StateInitWait      State = 2
	StateInitialised   State = 3
	StateConnected     State = 4
	StateClosing       State = 5
	StateClosed        State = 6
	StateReconfiguring State = 7
	StateReconfigured  State = 8
)

var stateNames = [...]string{
	StateUnknown:       "Unknown",
	StateInitialising:  "Initialising",
	StateInitWait:      "InitWait",
	StateInitialised:   "Initialised",
	StateConnected:     "Connected",
	StateClosing:       "Closing",
	StateClosed:        "Closed",
	StateReconfiguring: "Reconfiguring",
	StateReconfigured:  "Reconfigured",
}

// numStates bounds the progression loop.
const numStates = len(stateNames)

// String returns the xenbus name of the state.
func (s State) String() string {
	if s >= 0 && int(s) < numStates {
		return stateNames[s]
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool {
	return s >= 0 && int(s) < numStates
}

// MarshalText encodes the state by name so JSON carries "Connected".
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts a state name or its integer encoding.
func (s *State) UnmarshalText(b []byte) error {
	text := string(b)
	for i, name := range stateNames {
		if name == text {
			*s = State(i)
			return nil
		}
	}
	st, err := ParseState(text)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseState decodes the value of a "state" node.
func ParseState(v string) (State, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return StateUnknown, fmt.Errorf("%w: state %q", ErrMissingNode, v)
	}
	s := State(n)
	if !s.Valid() {
		return StateUnknown, fmt.Errorf("%w: state %d out of range", ErrMissingNode, n)
	}
	return s, nil
}

// closing reports whether s is Closing or Closed.
func (s State) closing() bool {
	return s == StateClosing || s == StateClosed
}
