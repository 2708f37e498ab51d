package reply

import (
	"context"
)

// Submit is the main entry point: the user clicked Send. The callback, if
// provided, is invoked exactly once when this call chain settles, whether
// the flow succeeded, failed, or handed off to the login UI. All failures
// are absorbed here; the Host UI never needs its own recovery around Submit.
func (m *Machine) Submit(ctx context.Context, callback func()) {
	done := func() {
		if callback != nil {
			callback()
		}
	}

	user := m.identity.CurrentUser()

	m.mu.Lock()
	state := m.state
	hasReply := m.draft.Body != ""
	hasEmail := m.draft.Email != ""
	emailValid := m.draft.EmailValid
	replyLen := len(m.draft.Body)
	source := m.replySource
	m.mu.Unlock()

	m.logger.Debug("submit() called: state=%s hasReply=%t hasEmail=%t loggedIn=%t",
		state, hasReply, hasEmail, user != nil)

	m.metrics.IncSubmit(user != nil, source)
	m.emitEvent("reply_submit", map[string]any{
		"message_id":   m.targetID,
		"is_logged_in": user != nil,
		"has_email":    hasEmail,
		"reply_length": replyLen,
		"reply_source": source,
	})

	if !CanSend(state) {
		m.logger.Debug("Cannot send in current state: %s", state)
		m.emitEvent("reply_submit_blocked", map[string]any{
			"message_id":    m.targetID,
			"current_state": string(state),
			"reason":        "canSend_false",
		})
		done()
		return
	}

	// Compare-and-set against the snapshot: a second submit that read a
	// sendable state but lost the race must not run the delegate chain.
	if !m.transitionFrom(state, StateValidating, TransitionContext{Event: EventSubmit}) {
		m.logger.Debug("State moved since submit snapshot, ignoring")
		done()
		return
	}

	// A missing form binding is an integration fault the user should not be
	// blocked by: fall back rather than error.
	m.mu.Lock()
	form := m.formRef
	m.mu.Unlock()
	if form == nil {
		m.logger.Error("Form ref not set")
		m.FallbackToComposing("form_ref_missing")
		done()
		return
	}

	validation, err := form.Validate(ctx)
	if err != nil {
		// A thrown validation is treated identically to a failed one.
		m.logger.Debug("Form validation returned error: %v", err)
		m.FallbackToComposing("validation_error")
		done()
		return
	}

	m.logger.Debug("Validation result: valid=%t", validation != nil && validation.Valid)

	if validation == nil || !validation.Valid {
		m.transition(StateComposing, TransitionContext{Event: EventValidationFailed})
		done()
		return
	}

	// Save the draft before any authentication step so a page reload or
	// OAuth redirect mid-flow does not lose the typed content.
	m.mu.Lock()
	m.saveDraftLocked()
	m.mu.Unlock()

	if user == nil {
		m.logger.Debug("Not logged in, need to authenticate")

		if !emailValid {
			m.logger.Debug("Email not valid, focusing email field")
			m.mu.Lock()
			emailRef := m.emailRef
			m.mu.Unlock()
			if emailRef != nil {
				emailRef.Focus()
			}
			m.transition(StateComposing, TransitionContext{Event: EventValidationFailed})
			done()
			return
		}

		m.transition(StateAuthenticating, TransitionContext{Event: EventLoginRequired})
		m.handleAuthentication(ctx, done)
		return
	}

	m.logger.Debug("Already logged in, proceeding to join group check")
	m.transition(StateJoiningGroup, TransitionContext{Event: EventValidationPassed})
	m.handleJoinGroup(ctx, done)
}

// handleAuthentication attempts registration first: the dominant case for an
// unauthenticated submitter is a first-time replier. Existing accounts are
// routed to the login UI; the OnLoginSuccess notification resumes the flow.
func (m *Machine) handleAuthentication(ctx context.Context, done func()) {
	m.mu.Lock()
	email := m.draft.Email
	m.mu.Unlock()

	m.logger.Debug("handleAuthentication() starting: email=%s", email)

	ret, err := m.identity.Register(ctx, email)
	if err != nil {
		m.logger.Debug("Registration failed: %v", err)

		if IsAuthError(err) {
			m.handleAuthError()
			done()
			return
		}

		// Registration failure is ambiguous between "account exists" and a
		// transient fault. Assume existing and open the login UI rather than
		// surfacing a hard error.
		m.identity.RequireLogin(true)
		done()
		return
	}

	if ret != nil && ret.AccountCreated && ret.Password != "" {
		// Brand-new account.
		m.logger.Debug("New user registered")

		m.mu.Lock()
		m.isNewUser = true
		m.newUserPassword = ret.Password
		m.mu.Unlock()

		m.identity.SetLoggedInEver(true)

		// Credentials before profile fetch: the fetch depends on them.
		if ret.JWT != "" && ret.Persistent != nil {
			m.logger.Debug("Setting auth from registration response: userid=%s", ret.Persistent.UserID)
			m.identity.SetAuth(ret.JWT, ret.Persistent)
		}

		m.mu.Lock()
		m.persistLocked()
		m.mu.Unlock()

		// Transition BEFORE the profile fetch. The fetch triggers the
		// external logged-in notification, whose guard only acts while still
		// AUTHENTICATING; by moving first, that notification becomes a no-op
		// and the join-group step cannot run twice.
		m.transition(StateJoiningGroup, TransitionContext{
			Event:   EventRegistrationSuccess,
			Payload: map[string]any{"is_new_user": true},
		})

		if err := m.identity.RefreshProfile(ctx, true); err != nil {
			m.logger.Warn("Profile refresh after registration failed: %v", err)
		}

		m.handleJoinGroup(ctx, done)
		return
	}

	// Account exists: no password returned. Open the login UI and stop; the
	// machine stays AUTHENTICATING and OnLoginSuccess resumes the flow. The
	// persisted state also survives a social sign-in redirect.
	m.logger.Debug("User exists, forcing login")
	m.identity.RequireLogin(true)
	done()
}

// OnLoginSuccess is invoked by the identity provider whenever login
// completes through any path (navbar, OAuth return, login modal),
// independent of whether Submit is currently running.
func (m *Machine) OnLoginSuccess(ctx context.Context) {
	m.mu.Lock()
	state := m.state
	hasReply := m.draft.Body != ""
	m.mu.Unlock()

	m.logger.Debug("onLoginSuccess() called: state=%s hasReply=%t", state, hasReply)

	// Resume-after-login path. The compare-and-set guard makes a late
	// notification a no-op if the registration chain already advanced.
	if state == StateAuthenticating && hasReply {
		if m.transitionFrom(StateAuthenticating, StateJoiningGroup,
			TransitionContext{Event: EventLoginSuccess}) {
			m.handleJoinGroup(ctx, nil)
		}
		return
	}

	// User logged in via the navbar while composing. Do not auto-advance:
	// silently completing a send the user did not just request would be
	// surprising. Re-persist so a refresh keeps the logged-in snapshot.
	if state == StateComposing && hasReply {
		m.logger.Debug("User logged in while composing - they can now click Send")
		m.mu.Lock()
		m.persistLocked()
		m.mu.Unlock()
		return
	}

	m.logger.Debug("Login occurred but not in a resumable state or no reply")
}
