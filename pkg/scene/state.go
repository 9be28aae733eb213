// Package scene is the decision core of the filter: it owns the frame
// buffer, tracker and baseline for one camera stream, runs the scene state
// machine and emits one decision record per processed frame.
package scene

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is returned when a configuration fails validation.
var ErrInvalidConfig = errors.New("scene: invalid config")

// State is the scene's current classification.
type State int

const (
	// Calibrating learns the baseline; nothing triggers.
	Calibrating State = iota
	// Stable means no significant change.
	Stable
	// Volatile means change explained by known movement.
	Volatile
	// Disturbed means novel or anomalous change. The only triggering state.
	Disturbed
)

var stateNames = [...]string{
	Calibrating: "CALIBRATING",
	Stable:      "STABLE",
	Volatile:    "VOLATILE",
	Disturbed:   "DISTURBED",
}

// String returns the upper-case state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(stateNames) {
		return nil, fmt.Errorf("scene: unknown state %d", int(s))
	}
	return []byte(stateNames[s]), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	st, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseState returns the state with the given name.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("scene: unknown state %q", name)
}
