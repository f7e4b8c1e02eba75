package call

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("call: invalid state transition")
	ErrNotInCall         = errors.New("call: not in call")
	ErrRoomFull          = errors.New("call: room is full")
	ErrJoinAborted       = errors.New("call: join aborted by leave")
)

// State is the session state of the local participant.
type State int

const (
	NotInCall State = iota
	Joining
	InCall
	Leaving
)

func (s State) String() string {
	switch s {
	case NotInCall:
		return "not-in-call"
	case Joining:
		return "joining"
	case InCall:
		return "in-call"
	case Leaving:
		return "leaving"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type event int

const (
	evJoin event = iota
	evJoined
	evJoinFailed
	evLeave
	evLeft
)

func (e event) String() string {
	return [...]string{"join", "joined", "join-failed", "leave", "left"}[e]
}

// transition is the only place session state changes are decided.
func transition(s State, ev event) (State, error) {
	switch {
	case s == NotInCall && ev == evJoin:
		return Joining, nil
	case s == Joining && ev == evJoined:
		return InCall, nil
	case s == Joining && ev == evJoinFailed:
		return NotInCall, nil
	case (s == Joining || s == InCall) && ev == evLeave:
		return Leaving, nil
	case s == Leaving && ev == evLeft:
		return NotInCall, nil
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, s)
}
