// Package hold offers freed tables to waiting guests for a limited decision window.
package hold

import "tablequeue/internal/models"

// State is a hold lifecycle state. Declined has no stored status of its own; a declined
// entry is removed with the cancelled status and a declined outcome.
type State string

const (
	StateWaiting   State = "waiting"
	StateNotified  State = "notified"
	StateConfirmed State = "confirmed"
	StateDeclined  State = "declined"
	StateExpired   State = "expired"
	StateCancelled State = "cancelled"
)

// FSM validates hold state transitions.
type FSM struct {
	transitions map[State][]State
}

func NewFSM() *FSM {
	return &FSM{
		transitions: map[State][]State{
			StateWaiting:  {StateNotified, StateCancelled, StateExpired},
			StateNotified: {StateConfirmed, StateDeclined, StateExpired, StateCancelled},
		},
	}
}

// CanTransition checks if transition is allowed.
func (f *FSM) CanTransition(from, to State) bool {
	for _, s := range f.transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateOf maps a stored entry status to its state.
func StateOf(status models.EntryStatus) State {
	return State(status)
}

// Outcome is the history outcome recorded when an entry reaches s.
func (s State) Outcome() models.Outcome {
	switch s {
	case StateConfirmed:
		return models.OutcomeConfirmed
	case StateDeclined:
		return models.OutcomeDeclined
	case StateExpired:
		return models.OutcomeExpired
	}
	return models.OutcomeCancelled
}

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	return s == StateConfirmed || s == StateDeclined || s == StateExpired || s == StateCancelled
}
