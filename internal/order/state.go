package order

import (
	"errors"
	"time"
)

// Error definitions
var (
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrServiceNotFound   = errors.New("no service registered for order")
)

// State is an Order's position in the admission/enter/completion lifecycle
// (spec.md §4.7). Unlike task.State in the teacher's package, this machine
// is linear with several distinct terminal branches rather than a retry
// loop: an order never returns to a non-terminal state once closed.
type State int

const (
	StateIncoming State = iota
	StateAccepted
	StateSaving
	StateEnterStart
	StateEntered
	StateCompleted
	StateServiceNotFound
	StateError
	StateRejected
	StateEnterException
	StateEnterError
)

func (s State) String() string {
	switch s {
	case StateIncoming:
		return "incoming"
	case StateAccepted:
		return "accepted"
	case StateSaving:
		return "saving"
	case StateEnterStart:
		return "enter-start"
	case StateEntered:
		return "entered"
	case StateCompleted:
		return "completed"
	case StateServiceNotFound:
		return "service-not-found"
	case StateError:
		return "error"
	case StateRejected:
		return "rejected"
	case StateEnterException:
		return "enter-exception"
	case StateEnterError:
		return "enter-error"
	default:
		return "unknown"
	}
}

// ParseState parses the database's textual status column back into a
// State. An unrecognized string defaults to StateIncoming, mirroring the
// teacher's ParseState defaulting idiom.
func ParseState(s string) State {
	switch s {
	case "incoming":
		return StateIncoming
	case "accepted":
		return StateAccepted
	case "saving":
		return StateSaving
	case "enter-start":
		return StateEnterStart
	case "entered":
		return StateEntered
	case "completed":
		return StateCompleted
	case "service-not-found":
		return StateServiceNotFound
	case "error":
		return StateError
	case "rejected":
		return StateRejected
	case "enter-exception":
		return StateEnterException
	case "enter-error":
		return StateEnterError
	default:
		return StateIncoming
	}
}

// IsClosed reports whether s is one of the terminal states that set
// closed_timestamp: every state except the five still-in-flight ones.
func (s State) IsClosed() bool {
	switch s {
	case StateIncoming, StateAccepted, StateSaving, StateEnterStart, StateEntered:
		return false
	default:
		return true
	}
}

// validOrderTransitions enumerates the admission/enter state machine of
// spec.md §4.7 exactly: a linear path to completed with five distinct
// failure exits.
var validOrderTransitions = map[State][]State{
	StateIncoming:   {StateAccepted, StateServiceNotFound, StateError, StateRejected},
	StateAccepted:   {StateSaving},
	StateSaving:     {StateEnterStart},
	StateEnterStart: {StateEntered, StateEnterException, StateEnterError},
	StateEntered:    {StateCompleted},
}

// CanTransitionTo reports whether to is a legal next state from s.
func (s State) CanTransitionTo(to State) bool {
	for _, candidate := range validOrderTransitions[s] {
		if candidate == to {
			return true
		}
	}
	return false
}

// StateMachine drives an Order through the admission/enter state machine,
// grounded in original_source/src/Exscriptd/OrderDispatcher.py's
// place_order/_enter_order methods.
type StateMachine struct {
	order *Order
}

// NewStateMachine creates a state machine over order.
func NewStateMachine(order *Order) *StateMachine {
	return &StateMachine{order: order}
}

// Transition attempts to move the order to target, stamping ClosedAt if
// target is a closed state.
func (sm *StateMachine) Transition(target State) error {
	if !sm.order.Status.CanTransitionTo(target) {
		return ErrInvalidTransition
	}
	sm.order.Status = target
	if target.IsClosed() {
		now := time.Now().UTC()
		sm.order.ClosedAt = &now
	}
	return nil
}

// Accept moves incoming -> accepted, the path taken after a truthy
// service.check(order).
func (sm *StateMachine) Accept() error { return sm.Transition(StateAccepted) }

// RejectNotFound closes the order with service-not-found: no Service is
// registered under order.ServiceName.
func (sm *StateMachine) RejectNotFound() error { return sm.Transition(StateServiceNotFound) }

// RejectCheck closes the order with rejected: service.check returned
// falsy.
func (sm *StateMachine) RejectCheck() error { return sm.Transition(StateRejected) }

// FailCheck closes the order with error: service.check raised.
func (sm *StateMachine) FailCheck() error { return sm.Transition(StateError) }

// Save moves accepted -> saving, immediately before the order's payload is
// persisted ahead of calling service.enter.
func (sm *StateMachine) Save() error { return sm.Transition(StateSaving) }

// StartEnter moves saving -> enter-start, immediately before calling
// service.enter.
func (sm *StateMachine) StartEnter() error { return sm.Transition(StateEnterStart) }

// Enter moves enter-start -> entered: service.enter returned truthy.
func (sm *StateMachine) Enter() error { return sm.Transition(StateEntered) }

// FailEnter closes the order with enter-error: service.enter returned
// falsy.
func (sm *StateMachine) FailEnter() error { return sm.Transition(StateEnterError) }

// PanicEnter closes the order with enter-exception: service.enter raised.
func (sm *StateMachine) PanicEnter() error { return sm.Transition(StateEnterException) }

// Complete moves entered -> completed: the order's open task count has
// reached zero.
func (sm *StateMachine) Complete() error { return sm.Transition(StateCompleted) }
