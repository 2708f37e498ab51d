package reply

import (
	"context"
)

// handleJoinGroup checks membership of the listing's owning groups and joins
// one if needed, then advances to chat creation. done may be nil when the
// call chain was started by a login notification rather than Submit.
func (m *Machine) handleJoinGroup(ctx context.Context, done func()) {
	if done == nil {
		done = func() {}
	}

	user := m.identity.CurrentUser()
	m.logger.Debug("handleJoinGroup() starting: target=%s", m.targetID)

	// The session can expire between steps; a missing user id routes
	// through the cross-cutting auth edge, not a generic error.
	if user == nil || user.ID == "" {
		m.logger.Debug("No user ID available - auth may have expired")
		m.handleAuthError()
		done()
		return
	}

	listing, err := m.groups.FetchListing(ctx, m.targetID, true)
	if err != nil {
		m.logger.Error("Failed to fetch listing %s: %v", m.targetID, err)

		if IsAuthError(err) {
			m.handleAuthError()
			done()
			return
		}

		m.emitErrorEvent("failed to join group", err)
		m.toError("Failed to join group: " + err.Error())
		done()
		return
	}

	// A listing with no groups is a data-integrity fault; retrying cannot
	// fix it but the user should still see what happened.
	if listing == nil || len(listing.Groups) == 0 {
		m.logger.Error("No groups on listing %s", m.targetID)
		m.emitErrorEvent("no groups on listing", nil)
		m.toError("Listing has no groups")
		done()
		return
	}

	memberships := m.groups.CurrentMemberships()

	isMember := false
	var groupToJoin GroupID
	for _, groupID := range listing.Groups {
		if _, ok := memberships[groupID]; ok {
			isMember = true
			break
		}
		if groupToJoin == "" {
			groupToJoin = groupID
		}
	}

	m.logger.Debug("Group membership check: isMember=%t groupToJoin=%s", isMember, groupToJoin)

	if !isMember && groupToJoin != "" {
		m.logger.Debug("Joining group: %s", groupToJoin)
		if err := m.groups.Join(ctx, user.ID, groupToJoin); err != nil {
			m.logger.Error("Failed to join group %s: %v", groupToJoin, err)

			if IsAuthError(err) {
				m.handleAuthError()
				done()
				return
			}

			m.emitErrorEvent("failed to join group", err)
			m.toError("Failed to join group: " + err.Error())
			done()
			return
		}
		m.logger.Debug("Group joined successfully")
	}

	// ALREADY_MEMBER vs GROUP_JOINED is carried for diagnostics only.
	event := EventGroupJoined
	if isMember {
		event = EventAlreadyMember
	}
	m.transition(StateCreatingChat, TransitionContext{Event: event})

	m.handleCreateChat(ctx, done)
}

// emitErrorEvent records a user-visible error for analytics.
func (m *Machine) emitErrorEvent(msg string, err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	m.emitEvent("reply_error", map[string]any{
		"error_message": msg,
		"error_detail":  detail,
		"state":         string(m.State()),
		"message_id":    m.targetID,
	})
}
