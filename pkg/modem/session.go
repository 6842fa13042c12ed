package modem

import "fmt"

// SessionState is the lifecycle of one serial session.
type SessionState int

const (
	StateClosed SessionState = iota
	StateInit
	StatePINRequired
	StateReady
	StateSending
	StateFaulted
)

func (s SessionState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateInit:
		return "INIT"
	case StatePINRequired:
		return "PIN_REQUIRED"
	case StateReady:
		return "READY"
	case StateSending:
		return "SENDING"
	case StateFaulted:
		return "FAULTED"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// transitions lists the legal moves; FAULTED and CLOSED are reachable from
// anywhere and are handled separately.
var transitions = map[SessionState][]SessionState{
	StateClosed:      {StateInit},
	StateInit:        {StatePINRequired, StateReady},
	StatePINRequired: {StateReady},
	StateReady:       {StateSending},
	StateSending:     {StateReady},
}

func canTransition(from, to SessionState) bool {
	if to == StateFaulted || to == StateClosed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
