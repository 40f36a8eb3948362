package entities

import "fmt"

// State is a plugin's lifecycle state. An unloaded plugin has no state;
// it simply has no record.
type State int

const (
	StateLoaded State = iota + 1
	StateEnabled
	StateDisabled
	StateError
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "LOADED"
	case StateEnabled:
		return "ENABLED"
	case StateDisabled:
		return "DISABLED"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ParseState parses the String form of a state.
func ParseState(s string) (State, error) {
	switch s {
	case "LOADED":
		return StateLoaded, nil
	case "ENABLED":
		return StateEnabled, nil
	case "DISABLED":
		return StateDisabled, nil
	case "ERROR":
		return StateError, nil
	default:
		return 0, fmt.Errorf("unknown plugin state %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
