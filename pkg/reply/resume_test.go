package reply_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replyflow/pkg/reply"
	"replyflow/pkg/testkit"
)

func newResumeMachine(t *testing.T, store *testkit.MemoryStore, identity *testkit.FakeIdentity, opts *reply.Options) *reply.Machine {
	t.Helper()

	if identity == nil {
		identity = &testkit.FakeIdentity{}
	}
	m := reply.NewMachine("msg-1", reply.Deps{
		Identity: identity,
		Groups:   &testkit.FakeGroups{},
		Chat:     &testkit.FakeChat{},
		Store:    store,
		Events:   &testkit.CollectingSink{},
	}, opts)
	t.Cleanup(m.Close)
	return m
}

func savedRecord(state reply.State, savedAt int64) *reply.PersistedReply {
	return &reply.PersistedReply{
		TargetID: "msg-1",
		Message:  reply.CombineBody("saved body", "weekends"),
		State:    state,
		SavedAt:  savedAt,
	}
}

func TestInitializeNoSavedReply(t *testing.T) {
	m := newResumeMachine(t, &testkit.MemoryStore{}, nil, nil)
	m.Initialize()
	testkit.AssertState(t, m, reply.StateIdle)
}

func TestInitializeIsIdempotent(t *testing.T) {
	store := &testkit.MemoryStore{}
	store.Seed(savedRecord(reply.StateComposing, time.Now().UnixMilli()))

	m := newResumeMachine(t, store, nil, nil)
	m.Initialize()
	m.Initialize()

	testkit.AssertState(t, m, reply.StateComposing)
	assert.Len(t, m.Transitions(), 1, "second Initialize must be a no-op")
}

func TestInitializeDifferentTargetLeavesRecord(t *testing.T) {
	store := &testkit.MemoryStore{}
	other := savedRecord(reply.StateComposing, time.Now().UnixMilli())
	other.TargetID = "msg-other"
	store.Seed(other)

	m := newResumeMachine(t, store, nil, nil)
	m.Initialize()

	testkit.AssertState(t, m, reply.StateIdle)
	assert.Empty(t, m.ReplyText())
	rec := store.Record()
	require.NotNil(t, rec, "record for another listing must survive")
	assert.Equal(t, "msg-other", rec.TargetID)
}

func TestInitializeStaleRecordDiscarded(t *testing.T) {
	store := &testkit.MemoryStore{}
	store.Seed(savedRecord(reply.StateComposing, time.Now().Add(-25*time.Hour).UnixMilli()))

	m := newResumeMachine(t, store, nil, nil)
	m.Initialize()

	testkit.AssertState(t, m, reply.StateIdle)
	assert.Empty(t, m.ReplyText())
	assert.Nil(t, store.Record(), "stale record must be cleared")
}

func TestInitializeMissingTimestampIsStale(t *testing.T) {
	store := &testkit.MemoryStore{}
	store.Seed(savedRecord(reply.StateComposing, 0))

	m := newResumeMachine(t, store, nil, nil)
	m.Initialize()

	testkit.AssertState(t, m, reply.StateIdle)
	assert.Nil(t, store.Record())
}

func TestInitializeRestoresDraftRoundTrip(t *testing.T) {
	store := &testkit.MemoryStore{}
	store.Seed(savedRecord(reply.StateComposing, time.Now().UnixMilli()))

	m := newResumeMachine(t, store, nil, nil)
	m.Initialize()

	testkit.AssertState(t, m, reply.StateComposing)
	testkit.AssertDraft(t, m, "saved body", "weekends")
}

func TestInitializeWelcomeModalPending(t *testing.T) {
	store := &testkit.MemoryStore{}
	rec := savedRecord(reply.StateShowingWelcome, time.Now().UnixMilli())
	rec.IsNewUser = true
	store.Seed(rec)

	m := newResumeMachine(t, store, nil, nil)
	m.Initialize()

	testkit.AssertState(t, m, reply.StateShowingWelcome)
	assert.True(t, m.ShowWelcomeModal())
	assert.True(t, m.IsNewUser())
}

func TestInitializeCompletedRecordCleared(t *testing.T) {
	store := &testkit.MemoryStore{}
	store.Seed(savedRecord(reply.StateCompleted, time.Now().UnixMilli()))

	m := newResumeMachine(t, store, nil, nil)
	m.Initialize()

	testkit.AssertState(t, m, reply.StateIdle)
	assert.Nil(t, store.Record())
}

func TestInitializeErrorRestoresToComposing(t *testing.T) {
	store := &testkit.MemoryStore{}
	store.Seed(savedRecord(reply.StateError, time.Now().UnixMilli()))

	m := newResumeMachine(t, store, nil, nil)
	m.Initialize()

	testkit.AssertState(t, m, reply.StateComposing)
	assert.Empty(t, m.Error(), "stale error message must not resurface")
	testkit.AssertDraft(t, m, "saved body", "weekends")
}

func TestInitializeMidProcessResume(t *testing.T) {
	// Mid-process states never resume headlessly; the user re-submits.
	for _, saved := range []reply.State{
		reply.StateJoiningGroup,
		reply.StateCreatingChat,
		reply.StateSending,
	} {
		t.Run(string(saved), func(t *testing.T) {
			store := &testkit.MemoryStore{}
			store.Seed(savedRecord(saved, time.Now().UnixMilli()))
			identity := &testkit.FakeIdentity{}
			identity.SetUser(&reply.Profile{ID: "u1"})

			m := newResumeMachine(t, store, identity, nil)
			m.Initialize()

			testkit.AssertState(t, m, reply.StateComposing)
			testkit.AssertDraft(t, m, "saved body", "weekends")
			testkit.AssertEventSeen(t, m, reply.EventRestored)
		})
	}
}

func TestInitializeAuthStateMismatchFallsBack(t *testing.T) {
	// An auth-requiring saved state with no logged-in user is inconsistent.
	store := &testkit.MemoryStore{}
	store.Seed(savedRecord(reply.StateJoiningGroup, time.Now().UnixMilli()))

	m := newResumeMachine(t, store, nil, nil)
	m.Initialize()

	testkit.AssertState(t, m, reply.StateComposing)
	testkit.AssertEventSeen(t, m, reply.EventFallback)
	testkit.AssertDraft(t, m, "saved body", "weekends")
}

func TestInitializeAuthenticating(t *testing.T) {
	cases := []struct {
		name     string
		loggedIn bool
	}{
		{"login completed while away", true},
		{"still awaiting login", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &testkit.MemoryStore{}
			store.Seed(savedRecord(reply.StateAuthenticating, time.Now().UnixMilli()))
			identity := &testkit.FakeIdentity{}
			if tc.loggedIn {
				identity.SetUser(&reply.Profile{ID: "u1"})
			}

			m := newResumeMachine(t, store, identity, nil)
			m.Initialize()

			// Either way the user lands somewhere they can act.
			testkit.AssertState(t, m, reply.StateComposing)
			testkit.AssertDraft(t, m, "saved body", "weekends")
		})
	}
}

func TestInitializeUnknownStateFallsBack(t *testing.T) {
	store := &testkit.MemoryStore{}
	store.Seed(savedRecord(reply.State("GARBAGE"), time.Now().UnixMilli()))

	m := newResumeMachine(t, store, nil, nil)
	m.Initialize()

	testkit.AssertState(t, m, reply.StateComposing)
	testkit.AssertEventSeen(t, m, reply.EventFallback)
	testkit.AssertDraft(t, m, "saved body", "weekends")
}

func TestInitializeCustomStaleThreshold(t *testing.T) {
	store := &testkit.MemoryStore{}
	store.Seed(savedRecord(reply.StateComposing, time.Now().Add(-2*time.Minute).UnixMilli()))

	m := newResumeMachine(t, store, nil, &reply.Options{StaleThreshold: time.Minute})
	m.Initialize()

	testkit.AssertState(t, m, reply.StateIdle)
	assert.Nil(t, store.Record())
}

func TestInitializeStoreReadFailureStartsFresh(t *testing.T) {
	store := &testkit.MemoryStore{ReadErr: assert.AnError}

	m := newResumeMachine(t, store, nil, nil)
	m.Initialize()

	testkit.AssertState(t, m, reply.StateIdle)
}

func TestSetRefsTriggersInitialize(t *testing.T) {
	store := &testkit.MemoryStore{}
	store.Seed(savedRecord(reply.StateComposing, time.Now().UnixMilli()))

	m := newResumeMachine(t, store, nil, nil)
	m.SetRefs(reply.Refs{Form: &testkit.FakeForm{Valid: true}})

	testkit.AssertState(t, m, reply.StateComposing)
	testkit.AssertDraft(t, m, "saved body", "weekends")
}
