package reply

// Initialize reconciles a persisted record against the current target id and
// login state, restoring the draft and choosing the resume state. It runs
// once per machine instance; subsequent calls are no-ops.
//
// Resumption is deliberately conservative: mid-process work is never resumed
// headlessly. Every restoration lands the user somewhere they can act, and
// an unrecognized record can only ever restore to COMPOSING.
func (m *Machine) Initialize() {
	loggedIn := m.identity.CurrentUser() != nil

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		m.logger.Debug("Already initialized, skipping")
		return
	}
	m.initialized = true

	var rec *PersistedReply
	if m.store != nil {
		var err error
		rec, err = m.store.Read()
		if err != nil {
			m.logger.Error("Failed to read persisted reply: %v", err)
			rec = nil
		}
	}

	m.logger.Debug("Initializing: target=%s savedTarget=%s savedState=%s loggedIn=%t",
		m.targetID, savedTarget(rec), savedState(rec), loggedIn)

	if rec == nil || rec.Message == "" {
		m.logger.Debug("No saved reply, starting fresh")
		m.state = StateIdle
		return
	}

	// A record for a different listing is left untouched: the user may
	// return to it later.
	if rec.TargetID != m.targetID {
		m.logger.Debug("Found saved reply for different target %s, starting fresh", rec.TargetID)
		m.state = StateIdle
		return
	}

	if m.isStaleLocked(rec) {
		m.logger.Debug("Found saved reply but it is stale, discarding: savedAt=%d", rec.SavedAt)
		m.emitEventLocked("reply_state_transition", map[string]any{
			"event":      string(EventStaleDiscarded),
			"message_id": m.targetID,
		}, nil)
		m.clearPersistedLocked()
		m.state = StateIdle
		return
	}

	// Restore the draft text first, in every branch, so whatever state we
	// land in has the user's content.
	m.draft.Body, m.draft.CollectText = SplitBody(rec.Message)
	m.isNewUser = rec.IsNewUser
	m.savedAt = rec.SavedAt
	m.logger.Debug("Reply text restored: bodyLen=%d collectLen=%d",
		len(m.draft.Body), len(m.draft.CollectText))

	switch saved := rec.State; {
	case saved == StateShowingWelcome:
		// The welcome modal was still pending; re-show it.
		m.logger.Debug("Restoring to SHOWING_WELCOME")
		m.isNewUser = true
		m.transitionLocked(StateShowingWelcome, TransitionContext{
			Event:  EventRestored,
			Reason: "welcome_modal_pending",
		})

	case saved == StateCompleted:
		// Should not persist past completion; defensive cleanup.
		m.logger.Debug("Saved state was COMPLETED, clearing")
		m.clearPersistedLocked()
		m.state = StateIdle

	case saved == StateError:
		// Let the user retry without re-seeing a stale error.
		m.logger.Debug("Was in ERROR state, restoring to COMPOSING")
		m.transitionLocked(StateComposing, TransitionContext{
			Event:  EventRestored,
			Reason: "was_error",
		})

	case IsResumable(saved) && RequiresAuth(saved):
		if loggedIn {
			// Mid-process work cannot be safely resumed headlessly;
			// re-submission is simplest and safest.
			m.logger.Debug("User logged in, was mid-process - restoring to COMPOSING")
			m.transitionLocked(StateComposing, TransitionContext{
				Event:  EventRestored,
				Reason: "mid_process_resume",
			})
		} else {
			// Not logged in but the saved state requires auth: inconsistent
			// record, fall back defensively.
			m.logger.Debug("Not logged in but saved state requires auth - fallback to COMPOSING")
			m.transitionLocked(StateComposing, TransitionContext{
				Event:  EventFallback,
				Reason: "auth_state_mismatch",
			})
		}

	case saved == StateAuthenticating:
		if loggedIn {
			// Login completed while we were away (e.g. social sign-in).
			m.logger.Debug("User now logged in after AUTHENTICATING - restoring to COMPOSING")
			m.transitionLocked(StateComposing, TransitionContext{
				Event:  EventRestored,
				Reason: "auth_completed",
			})
		} else {
			m.logger.Debug("Still not logged in, restoring to COMPOSING")
			m.transitionLocked(StateComposing, TransitionContext{
				Event:  EventRestored,
				Reason: "awaiting_login",
			})
		}

	case IsResumable(saved):
		// COMPOSING or VALIDATING.
		m.logger.Debug("Restoring to COMPOSING from %s", saved)
		m.transitionLocked(StateComposing, TransitionContext{
			Event:  EventRestored,
			Reason: "normal_resume",
		})

	default:
		// Never trust an unrecognized tag to select destructive or stuck
		// behavior.
		m.logger.Debug("Unknown saved state %s, falling back to COMPOSING", saved)
		m.transitionLocked(StateComposing, TransitionContext{
			Event:  EventFallback,
			Reason: "unknown_state",
		})
	}
}

// isStaleLocked reports whether a record is older than the staleness
// threshold. A record with no save timestamp is always stale.
func (m *Machine) isStaleLocked(rec *PersistedReply) bool {
	if rec.SavedAt == 0 {
		return true
	}
	age := m.now().UnixMilli() - rec.SavedAt
	return age > m.staleThreshold.Milliseconds()
}

func savedTarget(rec *PersistedReply) string {
	if rec == nil {
		return ""
	}
	return rec.TargetID
}

func savedState(rec *PersistedReply) State {
	if rec == nil {
		return ""
	}
	return rec.State
}
