// Package reply implements the reply flow state machine: the multi-step,
// resumable workflow that runs when a visitor replies to a listing.
package reply

import (
	"fmt"
)

// State represents the current state of the reply flow.
type State string

// State constants - single source of truth for state names.
const (
	// StateIdle - form shown, user hasn't started.
	StateIdle State = "IDLE"
	// StateComposing - user is typing the reply.
	StateComposing State = "COMPOSING"
	// StateValidating - form validation in progress.
	StateValidating State = "VALIDATING"
	// StateAuthenticating - waiting for login or registration.
	StateAuthenticating State = "AUTHENTICATING"
	// StateJoiningGroup - joining the listing's group.
	StateJoiningGroup State = "JOINING_GROUP"
	// StateCreatingChat - creating the chat room.
	StateCreatingChat State = "CREATING_CHAT"
	// StateSending - sending the message. Reserved: no transition currently
	// enters it, but it participates in resumption handling.
	StateSending State = "SENDING"
	// StateShowingWelcome - new user welcome modal visible.
	StateShowingWelcome State = "SHOWING_WELCOME"
	// StateCompleted - reply sent successfully. Terminal.
	StateCompleted State = "COMPLETED"
	// StateError - something went wrong; user can retry.
	StateError State = "ERROR"
)

// ReplyTransitions defines the canonical state transition map for the reply
// flow. This is the single source of truth; tests and diagrams must match it.
//
// Two cross-cutting edges are NOT in this table and are handled by
// IsValidTransition directly: any non-terminal state may transition to ERROR
// (EventErrorOccurred) and to AUTHENTICATING (EventAuthError, the forced
// re-login edge).
//
//nolint:gochecknoglobals // Intentional package-level constant for state machine definition
var ReplyTransitions = map[State][]State{
	// IDLE starts composing on first keystroke; resumption may also restore
	// a pending welcome modal directly.
	StateIdle: {StateComposing, StateShowingWelcome},

	// COMPOSING submits to VALIDATING.
	StateComposing: {StateValidating},

	// VALIDATING returns to COMPOSING on failure, or advances depending on
	// login status.
	StateValidating: {StateComposing, StateJoiningGroup, StateAuthenticating},

	// AUTHENTICATING advances once login/registration succeeds; the watchdog
	// may fall it back to COMPOSING.
	StateAuthenticating: {StateJoiningGroup, StateComposing},

	// JOINING_GROUP advances to chat creation; watchdog fallback to COMPOSING.
	StateJoiningGroup: {StateCreatingChat, StateComposing},

	// CREATING_CHAT branches on new vs existing user; watchdog fallback.
	StateCreatingChat: {StateShowingWelcome, StateCompleted, StateComposing},

	// SENDING is reserved; if ever entered it completes or falls back.
	StateSending: {StateCompleted, StateComposing},

	// SHOWING_WELCOME completes when the modal is closed.
	StateShowingWelcome: {StateCompleted},

	// COMPLETED is terminal. Reset() starts a fresh flow instead.
	StateCompleted: {},

	// ERROR re-submits or retries back to COMPOSING.
	StateError: {StateValidating, StateComposing},
}

// processingStates are the states where asynchronous work is in flight and
// the watchdog timer is armed.
//
//nolint:gochecknoglobals // Derived constant set for the state machine
var processingStates = map[State]bool{
	StateValidating:     true,
	StateAuthenticating: true,
	StateJoiningGroup:   true,
	StateCreatingChat:   true,
	StateSending:        true,
}

// requiresAuthStates are saved states that imply the user was logged in when
// the record was written. Used only by resumption.
//
//nolint:gochecknoglobals // Derived constant set for the state machine
var requiresAuthStates = map[State]bool{
	StateJoiningGroup: true,
	StateCreatingChat: true,
	StateSending:      true,
}

// resumableStates are saved states a persisted record may legitimately carry
// for an unfinished reply.
//
//nolint:gochecknoglobals // Derived constant set for the state machine
var resumableStates = map[State]bool{
	StateComposing:      true,
	StateValidating:     true,
	StateAuthenticating: true,
	StateJoiningGroup:   true,
	StateCreatingChat:   true,
	StateSending:        true,
}

// IsValidTransition checks if a transition between two states is allowed
// according to the canonical state machine specification, including the
// cross-cutting ERROR and AUTHENTICATING edges.
func IsValidTransition(from, to State) bool {
	// Universal edges: any non-terminal state can hit an error or be forced
	// back through authentication when a downstream call fails with an
	// expired session.
	if from != StateCompleted && (to == StateError || to == StateAuthenticating) {
		return true
	}

	allowedStates, exists := ReplyTransitions[from]
	if !exists {
		return false
	}

	for _, state := range allowedStates {
		if state == to {
			return true
		}
	}

	return false
}

// ValidateState checks if a state is valid for the reply flow.
func ValidateState(state State) error {
	for _, validState := range GetAllStates() {
		if state == validState {
			return nil
		}
	}
	return fmt.Errorf("invalid reply state: %s", state)
}

// GetAllStates returns all valid reply flow states.
func GetAllStates() []State {
	return []State{
		StateIdle, StateComposing, StateValidating, StateAuthenticating,
		StateJoiningGroup, StateCreatingChat, StateSending,
		StateShowingWelcome, StateCompleted, StateError,
	}
}

// CanSend reports whether a submit is allowed from the given state.
func CanSend(state State) bool {
	return state == StateIdle || state == StateComposing || state == StateError
}

// IsProcessing reports whether the given state has asynchronous work in
// flight. CanSend and IsProcessing are pure functions of state so derived
// flags can never diverge from the machine.
func IsProcessing(state State) bool {
	return processingStates[state]
}

// RequiresAuth reports whether a saved state implies the user was logged in.
func RequiresAuth(state State) bool {
	return requiresAuthStates[state]
}

// IsResumable reports whether a saved state represents an unfinished reply.
func IsResumable(state State) bool {
	return resumableStates[state]
}
