package reply

// Test-only accessors for exercising internal transitions from the external
// test package.

// TransitionForTest applies a transition through the normal validation path.
func (m *Machine) TransitionForTest(to State, tc TransitionContext) bool {
	return m.transition(to, tc)
}

// ForceStateForTest sets the state directly, arming the watchdog if the
// state is a processing state. Used to reach states (such as SENDING) that
// no production transition enters.
func (m *Machine) ForceStateForTest(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	if IsProcessing(s) {
		m.armWatchdogLocked()
	} else {
		m.clearWatchdogLocked()
	}
}

// AuthErrorForTest invokes the cross-cutting auth-error edge.
func (m *Machine) AuthErrorForTest() {
	m.handleAuthError()
}

// MarkInitializedForTest marks the machine initialized without resumption.
func (m *Machine) MarkInitializedForTest() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = true
}
