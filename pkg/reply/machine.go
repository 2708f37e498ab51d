package reply

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"replyflow/pkg/logx"
	"replyflow/pkg/metrics"
)

const (
	// DefaultProcessingTimeout is the watchdog window: if a processing state
	// does not resolve within it, the machine falls back to COMPOSING.
	DefaultProcessingTimeout = 30 * time.Second

	// DefaultStaleThreshold is the age past which a persisted reply is
	// discarded instead of resumed.
	DefaultStaleThreshold = 24 * time.Hour
)

// Transition records one applied state transition for diagnostics.
type Transition struct {
	ID        string
	FromState State
	ToState   State
	Event     Event
	Reason    string
	Timestamp time.Time
}

// Deps are the constructor-injected collaborators. Identity, Groups, Chat
// and Store are required; Events, Metrics and Logger default to no-ops.
type Deps struct {
	Identity IdentityProvider
	Groups   GroupService
	Chat     ChatService
	Store    ReplyStore
	Events   EventSink
	Metrics  metrics.Recorder
	Logger   *logx.Logger
}

// Options tune the machine. The zero value selects production defaults.
type Options struct {
	ProcessingTimeout time.Duration
	StaleThreshold    time.Duration
	// Clock overrides time.Now, for staleness tests.
	Clock func() time.Time
	// RenderTick is awaited before the bound chat button is checked, since
	// the element may not exist until reactive re-render settles. Defaults
	// to an immediate return.
	RenderTick func(ctx context.Context) error
}

// Machine drives the reply flow for a single target listing. One instance
// exists per "reply to listing X" interaction; it exclusively owns its state
// and draft for its lifetime.
type Machine struct {
	id       string
	targetID string

	identity IdentityProvider
	groups   GroupService
	chat     ChatService
	store    ReplyStore
	events   EventSink
	metrics  metrics.Recorder
	logger   *logx.Logger

	processingTimeout time.Duration
	staleThreshold    time.Duration
	now               func() time.Time
	renderTick        func(ctx context.Context) error

	mu            sync.Mutex
	state         State
	previousState State
	errMsg        string
	initialized   bool

	draft           Draft
	isNewUser       bool
	newUserPassword string
	replySource     string
	savedAt         int64 // epoch ms of the last draft save, 0 if never saved

	formRef       FormHandle
	chatButtonRef ChatButtonHandle
	emailRef      EmailFieldHandle

	// watchdog is the single outstanding processing timer. Always cleared
	// before a new one is armed and on any transition out of a processing
	// state.
	watchdog *time.Timer

	transitions []Transition
}

// NewMachine creates a reply state machine bound to the given target listing.
func NewMachine(targetID string, deps Deps, opts *Options) *Machine {
	if opts == nil {
		opts = &Options{}
	}

	m := &Machine{
		id:                uuid.New().String(),
		targetID:          targetID,
		identity:          deps.Identity,
		groups:            deps.Groups,
		chat:              deps.Chat,
		store:             deps.Store,
		events:            deps.Events,
		metrics:           deps.Metrics,
		logger:            deps.Logger,
		processingTimeout: opts.ProcessingTimeout,
		staleThreshold:    opts.StaleThreshold,
		now:               opts.Clock,
		renderTick:        opts.RenderTick,
		state:             StateIdle,
		transitions:       make([]Transition, 0),
	}

	if m.metrics == nil {
		m.metrics = metrics.Nop()
	}
	if m.logger == nil {
		m.logger = logx.NewLogger("reply-" + targetID)
	}
	if m.processingTimeout <= 0 {
		m.processingTimeout = DefaultProcessingTimeout
	}
	if m.staleThreshold <= 0 {
		m.staleThreshold = DefaultStaleThreshold
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.renderTick == nil {
		m.renderTick = func(_ context.Context) error { return nil }
	}

	return m
}

// ID returns the machine instance id.
func (m *Machine) ID() string {
	return m.id
}

// TargetID returns the listing this machine is bound to.
func (m *Machine) TargetID() string {
	return m.targetID
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PreviousState returns the state before the last transition.
func (m *Machine) PreviousState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previousState
}

// Error returns the current user-visible error message, if any.
func (m *Machine) Error() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errMsg
}

// CanSend reports whether a submit is allowed right now.
func (m *Machine) CanSend() bool {
	return CanSend(m.State())
}

// IsProcessing reports whether asynchronous work is in flight.
func (m *Machine) IsProcessing() bool {
	return IsProcessing(m.State())
}

// ShowWelcomeModal reports whether the new-user welcome modal should show.
func (m *Machine) ShowWelcomeModal() bool {
	return m.State() == StateShowingWelcome
}

// IsComplete reports whether the reply has been sent.
func (m *Machine) IsComplete() bool {
	return m.State() == StateCompleted
}

// IsNewUser reports whether this flow registered a brand-new account.
func (m *Machine) IsNewUser() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isNewUser
}

// NewUserPassword returns the generated password for a newly registered
// account, for display in the welcome modal.
func (m *Machine) NewUserPassword() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newUserPassword
}

// SetReplyText sets the free-text reply body.
func (m *Machine) SetReplyText(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.draft.Body = text
}

// ReplyText returns the free-text reply body.
func (m *Machine) ReplyText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draft.Body
}

// SetCollectText sets the optional collection-time text.
func (m *Machine) SetCollectText(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.draft.CollectText = text
}

// CollectText returns the collection-time text.
func (m *Machine) CollectText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draft.CollectText
}

// SetEmail sets the contact email and its validity flag.
func (m *Machine) SetEmail(email string, valid bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.draft.Email = email
	m.draft.EmailValid = valid
}

// Email returns the contact email.
func (m *Machine) Email() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draft.Email
}

// SetReplySource tags where the reply was started from, for analytics.
func (m *Machine) SetReplySource(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replySource = source
	m.logger.Debug("Reply source set: %s", source)
}

// SetRefs binds the Host UI handles. The first call also initializes the
// machine, resuming any persisted reply.
func (m *Machine) SetRefs(refs Refs) {
	m.mu.Lock()
	if refs.Form != nil {
		m.formRef = refs.Form
	}
	if refs.ChatButton != nil {
		m.chatButtonRef = refs.ChatButton
	}
	if refs.EmailField != nil {
		m.emailRef = refs.EmailField
	}
	m.logger.Debug("Refs set: form=%t chatButton=%t", m.formRef != nil, m.chatButtonRef != nil)
	initialized := m.initialized
	m.mu.Unlock()

	if !initialized {
		m.Initialize()
	}
}

// StartTyping moves IDLE to COMPOSING on the first keystroke.
func (m *Machine) StartTyping() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateIdle {
		m.transitionLocked(StateComposing, TransitionContext{Event: EventStartTyping})
	}
}

// Retry clears the error and returns to COMPOSING.
func (m *Machine) Retry() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debug("retry() called from state: %s", m.state)
	if m.state != StateError {
		return
	}
	m.errMsg = ""
	m.transitionLocked(StateComposing, TransitionContext{Event: EventRetry})
}

// CloseWelcomeModal completes the flow after the new-user welcome modal.
func (m *Machine) CloseWelcomeModal() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debug("closeWelcomeModal() called in state: %s", m.state)
	if m.state == StateShowingWelcome {
		m.transitionLocked(StateCompleted, TransitionContext{Event: EventWelcomeClosed})
	}
}

// Reset returns the machine to IDLE and clears the draft and the persisted
// record. The watchdog is always released.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debug("reset() called")
	m.clearWatchdogLocked()
	m.state = StateIdle
	m.previousState = ""
	m.errMsg = ""
	m.draft = Draft{}
	m.isNewUser = false
	m.newUserPassword = ""
	m.savedAt = 0
	m.clearPersistedLocked()
}

// Close releases the watchdog timer. Call on instance disposal.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearWatchdogLocked()
}

// FallbackToComposing returns the user to an editable compose view with the
// draft intact. Used when something unexpected happens so the user is never
// left stuck.
func (m *Machine) FallbackToComposing(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbackLocked(reason)
}

// Transitions returns a copy of the applied transition history.
func (m *Machine) Transitions() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition{}, m.transitions...)
}

// DebugInfo is a diagnostic snapshot of the machine.
type DebugInfo struct {
	MachineID     string `json:"machine_id"`
	TargetID      string `json:"target_id"`
	State         State  `json:"state"`
	PreviousState State  `json:"previous_state"`
	Error         string `json:"error"`
	IsNewUser     bool   `json:"is_new_user"`
	HasReply      bool   `json:"has_reply"`
	HasCollect    bool   `json:"has_collect"`
	HasEmail      bool   `json:"has_email"`
	EmailValid    bool   `json:"email_valid"`
	IsLoggedIn    bool   `json:"is_logged_in"`
	UserID        string `json:"user_id"`
	Initialized   bool   `json:"initialized"`
	SavedAt       int64  `json:"saved_at"`
}

// GetDebugInfo returns a diagnostic snapshot.
func (m *Machine) GetDebugInfo() DebugInfo {
	user := m.identity.CurrentUser()

	m.mu.Lock()
	defer m.mu.Unlock()

	info := DebugInfo{
		MachineID:     m.id,
		TargetID:      m.targetID,
		State:         m.state,
		PreviousState: m.previousState,
		Error:         m.errMsg,
		IsNewUser:     m.isNewUser,
		HasReply:      m.draft.Body != "",
		HasCollect:    m.draft.CollectText != "",
		HasEmail:      m.draft.Email != "",
		EmailValid:    m.draft.EmailValid,
		IsLoggedIn:    user != nil,
		Initialized:   m.initialized,
		SavedAt:       m.savedAt,
	}
	if user != nil {
		info.UserID = user.ID
	}
	return info
}

// transition applies a transition, taking the machine lock.
func (m *Machine) transition(to State, tc TransitionContext) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to, tc)
}

// transitionFrom applies a transition only if the machine is still in the
// expected source state. This is the compare-and-set guard that resolves the
// race between the registration call chain and the external login-success
// notification: whichever fires second observes a moved state and becomes a
// no-op.
func (m *Machine) transitionFrom(expected, to State, tc TransitionContext) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != expected {
		m.logger.Debug("transitionFrom: state is %s, expected %s - skipping", m.state, expected)
		return false
	}
	return m.transitionLocked(to, tc)
}

// transitionLocked applies the transition. Callers hold m.mu.
func (m *Machine) transitionLocked(to State, tc TransitionContext) bool {
	from := m.state

	if !IsValidTransition(from, to) {
		m.logger.Warn("Rejected invalid transition %s -> %s (event %s)", from, to, tc.Event)
		return false
	}

	m.previousState = from
	m.state = to

	event := tc.Event
	if event == "" {
		event = "DIRECT"
	}

	rec := Transition{
		ID:        uuid.New().String(),
		FromState: from,
		ToState:   to,
		Event:     event,
		Reason:    tc.Reason,
		Timestamp: m.now().UTC(),
	}
	m.transitions = append(m.transitions, rec)

	m.logger.Info("%s + %s -> %s", from, event, to)
	m.metrics.ObserveTransition(string(from), string(to), string(event))
	m.emitEventLocked("reply_state_transition", map[string]any{
		"transition_id": rec.ID,
		"from_state":    string(from),
		"to_state":      string(to),
		"event":         string(event),
		"reason":        tc.Reason,
		"message_id":    m.targetID,
	}, tc.Payload)

	// Arm the watchdog on entry to a processing state, release it on exit.
	if IsProcessing(to) {
		m.armWatchdogLocked()
	} else {
		m.clearWatchdogLocked()
	}

	// Persist durable transitions. VALIDATING is transient and never
	// persisted; a completed reply has no reason to be resumed.
	if to != StateValidating {
		m.persistLocked()
	}
	if to == StateCompleted {
		m.clearPersistedLocked()
	}

	return true
}

// fallbackLocked returns to COMPOSING preserving the draft. Callers hold m.mu.
func (m *Machine) fallbackLocked(reason string) {
	m.logger.Debug("Falling back to COMPOSING: reason=%s state=%s", reason, m.state)
	m.clearWatchdogLocked()
	m.transitionLocked(StateComposing, TransitionContext{Event: EventFallback, Reason: reason})
}

// toError transitions to ERROR with a user-visible message.
func (m *Machine) toError(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.transitionLocked(StateError, TransitionContext{Event: EventErrorOccurred, Reason: msg})
	m.errMsg = msg
	m.metrics.IncError("user_visible")
}

// handleAuthError is the cross-cutting AUTH_ERROR edge: the session expired
// server-side, so force the login UI open and return to AUTHENTICATING.
func (m *Machine) handleAuthError() {
	m.logger.Debug("Auth error from server - user session may have expired")
	m.identity.RequireLogin(true)
	m.metrics.IncError("auth")

	m.transition(StateAuthenticating, TransitionContext{
		Event:  EventAuthError,
		Reason: "server_session_expired",
	})
}

// armWatchdogLocked arms the single processing watchdog, clearing any
// previous one first so at most one timer is ever live. Callers hold m.mu.
func (m *Machine) armWatchdogLocked() {
	m.clearWatchdogLocked()
	m.watchdog = time.AfterFunc(m.processingTimeout, m.onProcessingTimeout)
}

// clearWatchdogLocked stops any outstanding watchdog. Callers hold m.mu.
func (m *Machine) clearWatchdogLocked() {
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
}

// onProcessingTimeout fires when a processing state stalls past the window.
// It always falls back to COMPOSING, never to ERROR: the user's own
// corrective action is the cheapest recovery and it preserves their text.
func (m *Machine) onProcessingTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !IsProcessing(m.state) {
		// A transition beat the timer; nothing to do.
		return
	}

	m.logger.Warn("Processing timeout reached in %s, falling back to COMPOSING", m.state)
	m.metrics.IncTimeout()
	m.clearWatchdogLocked()
	m.transitionLocked(StateComposing, TransitionContext{Event: EventTimeout, Reason: "processing_timeout"})
}

// saveDraftLocked writes the draft to the store, before any authentication
// step, so a page reload or OAuth redirect mid-flow never loses the user's
// typed content. Callers hold m.mu.
func (m *Machine) saveDraftLocked() {
	m.savedAt = m.now().UnixMilli()
	m.persistLocked()
	m.logger.Debug("Reply saved to store: target=%s length=%d at=%d",
		m.targetID, len(m.draft.Body), m.savedAt)
}

// persistLocked writes the current durable projection. A machine that has
// never saved a draft skips the write entirely: record ownership transfers
// only through saveDraftLocked during submit, so pre-submit activity on one
// listing cannot clobber a record another listing's flow still owns (and a
// record with savedAt 0 would be discarded as stale on the next restore
// anyway). Callers hold m.mu.
func (m *Machine) persistLocked() {
	if m.store == nil {
		return
	}
	if m.savedAt == 0 {
		return
	}

	rec := &PersistedReply{
		TargetID:  m.targetID,
		Message:   CombineBody(m.draft.Body, m.draft.CollectText),
		State:     m.state,
		IsNewUser: m.isNewUser,
		SavedAt:   m.savedAt,
	}
	if err := m.store.Write(rec); err != nil {
		m.logger.Error("Failed to persist reply state: %v", err)
	}
}

// clearPersistedLocked removes the persisted record. Callers hold m.mu.
func (m *Machine) clearPersistedLocked() {
	if m.store == nil {
		return
	}
	if err := m.store.Clear(); err != nil {
		m.logger.Error("Failed to clear persisted reply: %v", err)
	}
	m.logger.Debug("Persisted state cleared")
}

// emitEventLocked writes an analytics event. Callers hold m.mu (or are
// constructing the machine).
func (m *Machine) emitEventLocked(name string, fields map[string]any, extra map[string]any) {
	if m.events == nil {
		return
	}
	for k, v := range extra {
		fields[k] = v
	}
	if err := m.events.WriteEvent(name, fields); err != nil {
		m.logger.Warn("Failed to write %s event: %v", name, err)
	}
}

// emitEvent writes an analytics event, taking the lock for field snapshot
// consistency with emitEventLocked callers.
func (m *Machine) emitEvent(name string, fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitEventLocked(name, fields, nil)
}
