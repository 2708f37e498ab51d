package testkit

import (
	"testing"

	"replyflow/pkg/reply"
)

// AssertState verifies the machine's current state.
func AssertState(t *testing.T, m *reply.Machine, expected reply.State) {
	t.Helper()
	if got := m.State(); got != expected {
		t.Errorf("Expected state %s, got %s", expected, got)
	}
}

// AssertStateSequence verifies the applied transition history visited the
// given states in order (matching ToState of each transition).
func AssertStateSequence(t *testing.T, m *reply.Machine, expected ...reply.State) {
	t.Helper()

	transitions := m.Transitions()
	if len(transitions) != len(expected) {
		t.Errorf("Expected %d transitions, got %d: %v", len(expected), len(transitions), describe(transitions))
		return
	}

	for i, want := range expected {
		if transitions[i].ToState != want {
			t.Errorf("Transition %d: expected -> %s, got -> %s", i, want, transitions[i].ToState)
		}
	}
}

// AssertEventSeen verifies the transition history contains the given event.
func AssertEventSeen(t *testing.T, m *reply.Machine, event reply.Event) {
	t.Helper()

	for _, tr := range m.Transitions() {
		if tr.Event == event {
			return
		}
	}
	t.Errorf("Expected event %s in transition history: %v", event, describe(m.Transitions()))
}

// AssertDraft verifies the machine's draft body and collection-time text.
func AssertDraft(t *testing.T, m *reply.Machine, body, collectText string) {
	t.Helper()

	if got := m.ReplyText(); got != body {
		t.Errorf("Expected draft body %q, got %q", body, got)
	}
	if got := m.CollectText(); got != collectText {
		t.Errorf("Expected collect text %q, got %q", collectText, got)
	}
}

func describe(transitions []reply.Transition) []string {
	out := make([]string, 0, len(transitions))
	for _, tr := range transitions {
		out = append(out, string(tr.FromState)+"+"+string(tr.Event)+"->"+string(tr.ToState))
	}
	return out
}
