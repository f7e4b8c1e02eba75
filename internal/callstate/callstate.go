// Package callstate holds the process-wide view of the current call so any
// screen can render a call indicator without owning the session.
package callstate

import (
	"slices"
	"sync"

	"github.com/mossy-p/voice-call/internal/models"
)

// State is a snapshot of the global call context. The zero value means no
// call.
type State struct {
	Active          bool
	RoomID          string
	Muted           bool
	Minimized       bool
	DurationSeconds int
	Participants    []models.Participant
	Err             error
}

func (s State) clone() State {
	s.Participants = slices.Clone(s.Participants)
	return s
}

// Action is a state change applied by Dispatch.
type Action interface {
	apply(State) State
}

type CallStarted struct {
	RoomID string
	Muted  bool
}

func (a CallStarted) apply(State) State {
	return State{Active: true, RoomID: a.RoomID, Muted: a.Muted}
}

// CallEnded resets the context to the zero value.
type CallEnded struct{}

func (CallEnded) apply(State) State { return State{} }

type MuteChanged struct{ Muted bool }

func (a MuteChanged) apply(s State) State {
	s.Muted = a.Muted
	return s
}

type DurationTicked struct{ Seconds int }

func (a DurationTicked) apply(s State) State {
	if s.Active {
		s.DurationSeconds = a.Seconds
	}
	return s
}

type Minimized struct{ Minimized bool }

func (a Minimized) apply(s State) State {
	if s.Active {
		s.Minimized = a.Minimized
	}
	return s
}

type ParticipantsChanged struct{ Participants []models.Participant }

func (a ParticipantsChanged) apply(s State) State {
	if s.Active {
		s.Participants = slices.Clone(a.Participants)
	}
	return s
}

// CallFailed records a join failure. The call is not active afterwards.
type CallFailed struct{ Err error }

func (a CallFailed) apply(State) State { return State{Err: a.Err} }

// Store is a get/subscribe/dispatch container for State. Subscribers see the
// latest value only; an unread snapshot is replaced by a newer one.
type Store struct {
	mu    sync.Mutex
	state State
	subs  map[chan State]struct{}
}

func New() *Store {
	return &Store{subs: make(map[chan State]struct{})}
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

func (s *Store) Dispatch(a Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = a.apply(s.state)
	for ch := range s.subs {
		offer(ch, s.state.clone())
	}
}

// Subscribe returns a channel that receives the current state immediately and
// every later state. cancel closes the channel.
func (s *Store) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	s.mu.Lock()
	s.subs[ch] = struct{}{}
	ch <- s.state.clone()
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			close(ch)
			s.mu.Unlock()
		})
	}
	return ch, cancel
}

// offer must be called with s.mu held; it is the only sender on ch.
func offer(ch chan State, st State) {
	select {
	case ch <- st:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- st
}
