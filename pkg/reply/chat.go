package reply

import (
	"context"
)

// handleCreateChat delegates the send to the chat service and routes the
// outcome: welcome modal for new users, completion for existing ones.
func (m *Machine) handleCreateChat(ctx context.Context, done func()) {
	if done == nil {
		done = func() {}
	}

	// The bound chat button may not exist until reactive re-render settles;
	// wait one tick before checking it.
	if err := m.renderTick(ctx); err != nil {
		m.logger.Debug("Render tick interrupted: %v", err)
		m.FallbackToComposing("render_tick_interrupted")
		done()
		return
	}

	m.mu.Lock()
	button := m.chatButtonRef
	isNewUser := m.isNewUser
	source := m.replySource
	m.mu.Unlock()

	m.logger.Debug("handleCreateChat() starting: chatButton=%t", button != nil)

	// Missing binding is an integration fault; never trap the user in ERROR
	// for it.
	if button == nil {
		m.logger.Error("Chat button ref not available")
		m.FallbackToComposing("chat_button_missing")
		done()
		return
	}

	sent, err := m.chat.CreateFromBoundForm(ctx, button)
	if err != nil {
		m.logger.Error("Failed to create chat: %v", err)

		if IsAuthError(err) {
			m.handleAuthError()
			done()
			return
		}

		m.emitErrorEvent("failed to create chat", err)
		m.toError("Failed to send reply: " + err.Error())
		done()
		return
	}

	m.logger.Debug("Chat creation result: sent=%t", sent)

	if !sent {
		// The service detected a stale or duplicate reply.
		m.emitErrorEvent("chat service rejected reply", nil)
		m.toError("Reply could not be sent (may be stale). Please try again.")
		done()
		return
	}

	if isNewUser {
		m.logger.Debug("New user - showing welcome modal")
		m.emitEvent("reply_sent", map[string]any{
			"message_id":   m.targetID,
			"user_type":    "new",
			"is_new_user":  true,
			"reply_source": source,
		})
		m.transition(StateShowingWelcome, TransitionContext{Event: EventChatCreated})
		done()
		return
	}

	m.logger.Debug("Existing user - reply complete")
	m.emitEvent("reply_sent", map[string]any{
		"message_id":   m.targetID,
		"user_type":    "existing",
		"is_new_user":  false,
		"reply_source": source,
	})
	m.transition(StateCompleted, TransitionContext{Event: EventMessageSent})
	done()
}
