// Package delivery tracks a message through its send lifecycle:
// Composing -> Pending -> Delivered | Failed, Delivered -> Read.
// Failed messages may re-enter Pending on retry.
package delivery

import "fmt"

type State string

const (
	StateComposing State = "composing"
	StatePending   State = "pending"
	StateDelivered State = "delivered"
	StateFailed    State = "failed"
	StateRead      State = "read"
)

var transitions = map[State][]State{
	StateComposing: {StatePending},
	StatePending:   {StateDelivered, StateFailed},
	StateFailed:    {StatePending},
	StateDelivered: {StateRead},
	StateRead:      {},
}

// Valid reports whether s is a known delivery state.
func Valid(s State) bool {
	_, ok := transitions[s]
	return ok
}

// Transition validates the edge from -> to and returns to on success.
func Transition(from, to State) (State, error) {
	next, ok := transitions[from]
	if !ok {
		return from, fmt.Errorf("unknown delivery state %q", from)
	}
	for _, n := range next {
		if n == to {
			return to, nil
		}
	}
	return from, fmt.Errorf("illegal delivery transition %s -> %s", from, to)
}

// Settled reports whether the send has resolved: the remote either
// acknowledged the message or definitively rejected it. Edits are only
// permitted on settled messages; a Pending one may have a write on the
// wire that an edit would race.
func Settled(s State) bool {
	return s == StateDelivered || s == StateFailed || s == StateRead
}

// Unconfirmed reports whether the remote store has not yet acknowledged
// the message (still eligible for adoption by a matching remote copy).
func Unconfirmed(s State) bool {
	return s == StatePending || s == StateFailed
}
