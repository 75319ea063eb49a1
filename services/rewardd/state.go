package rewardd

import "fmt"

// State is a step of the submission lifecycle.
type State string

// Submission lifecycle states.
const (
	StateReceived          State = "RECEIVED"
	StateDuplicateRejected State = "DUPLICATE_REJECTED"
	StateClassified        State = "CLASSIFIED"
	StateReserved          State = "RESERVED"
	StateChainPending      State = "CHAIN_PENDING"
	StateChainRetry        State = "CHAIN_RETRY"
	StateChainConfirmed    State = "CHAIN_CONFIRMED"
	StateChainFailedFatal  State = "CHAIN_FAILED_FATAL"
)

var transitions = map[State][]State{
	StateReceived:     {StateDuplicateRejected, StateClassified},
	StateClassified:   {StateReserved},
	StateReserved:     {StateChainPending},
	StateChainPending: {StateChainConfirmed, StateChainFailedFatal, StateChainRetry},
	StateChainRetry:   {StateChainPending},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// machine tracks one submission through the lifecycle.
type machine struct {
	state   State
	history []State
}

func newMachine() *machine {
	return &machine{state: StateReceived, history: []State{StateReceived}}
}

func (m *machine) to(next State) error {
	if !CanTransition(m.state, next) {
		return fmt.Errorf("rewardd: illegal transition %s -> %s", m.state, next)
	}
	m.state = next
	m.history = append(m.history, next)
	return nil
}
