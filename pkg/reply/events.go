package reply

// Event identifies what triggered a state transition. Events are carried in
// the transition context for logging and analytics; the transition table is
// keyed by state, not event.
type Event string

const (
	EventStartTyping         Event = "START_TYPING"
	EventSubmit              Event = "SUBMIT"
	EventValidationPassed    Event = "VALIDATION_PASSED"
	EventValidationFailed    Event = "VALIDATION_FAILED"
	EventRegistrationSuccess Event = "REGISTRATION_SUCCESS"
	EventLoginSuccess        Event = "LOGIN_SUCCESS"
	EventLoginRequired       Event = "LOGIN_REQUIRED"
	EventLoginCancelled      Event = "LOGIN_CANCELLED"
	EventGroupJoined         Event = "GROUP_JOINED"
	EventAlreadyMember       Event = "ALREADY_MEMBER"
	EventChatCreated         Event = "CHAT_CREATED"
	EventMessageSent         Event = "MESSAGE_SENT"
	EventWelcomeClosed       Event = "WELCOME_CLOSED"
	EventErrorOccurred       Event = "ERROR_OCCURRED"
	EventAuthError           Event = "AUTH_ERROR"
	EventRetry               Event = "RETRY"
	EventCancel              Event = "CANCEL"
	EventRestored            Event = "RESTORED"
	EventStaleDiscarded      Event = "STALE_DISCARDED"
	EventFallback            Event = "FALLBACK"
	EventTimeout             Event = "TIMEOUT"
)

// TransitionContext is the ephemeral record attached to each transition for
// observability. It is write-once and feeds logging, metrics and the event
// log; it is never part of persisted state.
type TransitionContext struct {
	Event   Event
	Reason  string
	Payload map[string]any
}
