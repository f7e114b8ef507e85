// Package lifecycle drives the call state machine on top of the call store.
// Every transition is a guarded write so two peers racing to terminate the
// same call produce exactly one terminal status.
package lifecycle

import (
	"github.com/wajeehaljunaid491/mimi-calls/internal/callstore"
)

// transitions maps each status to the statuses it may move to. Anything not
// listed here is refused before touching the store.
var transitions = map[string][]string{
	callstore.StatusCalling: {
		callstore.StatusRinging,
		callstore.StatusAccepted,
		callstore.StatusRejected,
		callstore.StatusCancelled,
		callstore.StatusMissed,
		callstore.StatusFailed,
		callstore.StatusBusy,
	},
	callstore.StatusRinging: {
		callstore.StatusAccepted,
		callstore.StatusRejected,
		callstore.StatusCancelled,
		callstore.StatusMissed,
		callstore.StatusFailed,
		callstore.StatusBusy,
	},
	callstore.StatusAccepted: {
		callstore.StatusEnded,
		callstore.StatusFailed,
	},
}

// CanTransition reports whether the state machine allows moving from one
// status to another. Terminal statuses have no outgoing edges.
func CanTransition(from, to string) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}

	return false
}

// fromStatuses returns every status that may legally move to the target.
// These become the WHERE guard of the status update, which is what turns the
// in-memory table into a single-winner write.
func fromStatuses(to string) []string {
	var from []string

	for status, allowed := range transitions {
		for _, candidate := range allowed {
			if candidate == to {
				from = append(from, status)
				break
			}
		}
	}

	return from
}
