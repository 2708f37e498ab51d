package reply_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replyflow/pkg/reply"
	"replyflow/pkg/testkit"
)

type scenario struct {
	m        *reply.Machine
	identity *testkit.FakeIdentity
	groups   *testkit.FakeGroups
	chat     *testkit.FakeChat
	store    *testkit.MemoryStore
	sink     *testkit.CollectingSink
	form     *testkit.FakeForm
	email    *testkit.FakeEmailField
}

func newScenario(t *testing.T) *scenario {
	t.Helper()

	s := &scenario{
		identity: &testkit.FakeIdentity{},
		groups: &testkit.FakeGroups{
			Listing: &reply.Listing{ID: "msg-1", Groups: []reply.GroupID{"g1"}},
		},
		chat:  &testkit.FakeChat{Result: true},
		store: &testkit.MemoryStore{},
		sink:  &testkit.CollectingSink{},
		form:  &testkit.FakeForm{Valid: true},
		email: &testkit.FakeEmailField{},
	}

	s.m = reply.NewMachine("msg-1", reply.Deps{
		Identity: s.identity,
		Groups:   s.groups,
		Chat:     s.chat,
		Store:    s.store,
		Events:   s.sink,
	}, nil)
	t.Cleanup(s.m.Close)

	s.m.SetRefs(reply.Refs{
		Form:       s.form,
		ChatButton: struct{}{},
		EmailField: s.email,
	})

	return s
}

func (s *scenario) compose(body string) {
	s.m.StartTyping()
	s.m.SetReplyText(body)
}

func TestScenarioA_NewUserRegistration(t *testing.T) {
	// Not logged in, valid email, click Send: registration succeeds with a
	// password, the flow joins the group, creates the chat, and shows the
	// welcome modal; closing it completes and clears the record.
	s := newScenario(t)
	s.identity.RegisterResult = &reply.RegistrationResult{
		AccountCreated: true,
		Password:       "generated-pw",
		JWT:            "jwt-token",
		Persistent:     &reply.SessionTokens{UserID: "u-new", Token: "p-token"},
	}

	s.compose("Hi, is this still available?")
	s.m.SetEmail("new@example.com", true)

	called := false
	s.m.Submit(context.Background(), func() { called = true })

	require.True(t, called, "completion callback must run")
	testkit.AssertStateSequence(t, s.m,
		reply.StateComposing,
		reply.StateValidating,
		reply.StateAuthenticating,
		reply.StateJoiningGroup,
		reply.StateCreatingChat,
		reply.StateShowingWelcome,
	)
	assert.True(t, s.m.ShowWelcomeModal())
	assert.True(t, s.m.IsNewUser())
	assert.Equal(t, "generated-pw", s.m.NewUserPassword())
	assert.Equal(t, []testkit.JoinCall{{UserID: "u-new", GroupID: "g1"}}, s.groups.Joined())

	s.m.CloseWelcomeModal()
	assert.True(t, s.m.IsComplete())
	assert.Nil(t, s.store.Record(), "persisted record must be cleared on completion")
}

func TestScenarioB_LoggedInExistingUser(t *testing.T) {
	// Logged in existing user goes straight through without the welcome
	// modal.
	s := newScenario(t)
	s.identity.SetUser(&reply.Profile{ID: "u1"})
	s.groups.Memberships = map[reply.GroupID]struct{}{"g1": {}}

	s.compose("Still available?")
	s.m.Submit(context.Background(), nil)

	testkit.AssertStateSequence(t, s.m,
		reply.StateComposing,
		reply.StateValidating,
		reply.StateJoiningGroup,
		reply.StateCreatingChat,
		reply.StateCompleted,
	)
	testkit.AssertEventSeen(t, s.m, reply.EventAlreadyMember)
	assert.Empty(t, s.groups.Joined(), "member must not re-join")
	assert.Nil(t, s.store.Record())
}

func TestScenarioC_ExistingAccountResumesAfterLogin(t *testing.T) {
	// Registration reports the account exists (no password): the machine
	// opens the login UI and stays AUTHENTICATING; the external
	// login-success notification then resumes the flow.
	s := newScenario(t)
	s.identity.RegisterResult = &reply.RegistrationResult{AccountCreated: false}

	s.compose("Interested!")
	s.m.SetEmail("known@example.com", true)
	s.m.Submit(context.Background(), nil)

	testkit.AssertState(t, s.m, reply.StateAuthenticating)
	require.True(t, s.identity.LoginRequested(), "login UI must be forced open")

	s.identity.SetUser(&reply.Profile{ID: "u2"})
	s.m.OnLoginSuccess(context.Background())

	testkit.AssertState(t, s.m, reply.StateCompleted)
	testkit.AssertEventSeen(t, s.m, reply.EventLoginSuccess)
	assert.Equal(t, 1, s.chat.CallCount())
}

func TestScenarioD_GroupJoin403ForcesReauth(t *testing.T) {
	// A 403 from the join call routes through the cross-cutting auth edge,
	// not the generic error state.
	s := newScenario(t)
	s.identity.SetUser(&reply.Profile{ID: "u1"})
	s.groups.JoinErr = reply.NewAuthError(403, "forbidden")

	s.compose("Hello")
	s.m.Submit(context.Background(), nil)

	testkit.AssertState(t, s.m, reply.StateAuthenticating)
	assert.True(t, s.identity.LoginRequested())
	assert.Empty(t, s.m.Error(), "auth faults are not user-visible errors")
}

func TestScenarioRegistrationRace_JoinRunsOnce(t *testing.T) {
	// The profile refresh after registration triggers the external
	// logged-in notification. The machine transitions to JOINING_GROUP
	// before the refresh, so the notification's compare-and-set guard
	// fails and the join step runs exactly once.
	s := newScenario(t)
	s.identity.RegisterResult = &reply.RegistrationResult{
		AccountCreated: true,
		Password:       "pw",
		JWT:            "jwt",
		Persistent:     &reply.SessionTokens{UserID: "u-new"},
	}
	s.identity.RefreshHook = func(ctx context.Context) {
		s.m.OnLoginSuccess(ctx)
	}

	s.compose("Race check")
	s.m.SetEmail("new@example.com", true)
	s.m.Submit(context.Background(), nil)

	testkit.AssertState(t, s.m, reply.StateShowingWelcome)
	assert.Len(t, s.groups.Joined(), 1, "join must run exactly once")
	assert.Equal(t, 1, s.chat.CallCount(), "chat creation must run exactly once")
}

func TestNavbarLoginWhileComposingDoesNotAutoSend(t *testing.T) {
	// Logging in via the navbar while composing must not complete a send
	// the user did not just request; it only re-persists state.
	s := newScenario(t)
	s.compose("Drafting away")
	// A failed submit attempt saved the draft; the machine now owns the
	// record.
	s.m.SetEmail("not-an-email", false)
	s.m.Submit(context.Background(), nil)
	testkit.AssertState(t, s.m, reply.StateComposing)

	s.identity.SetUser(&reply.Profile{ID: "u1"})
	s.m.OnLoginSuccess(context.Background())

	testkit.AssertState(t, s.m, reply.StateComposing)
	assert.Equal(t, 0, s.chat.CallCount())
	rec := s.store.Record()
	require.NotNil(t, rec, "state must be re-persisted for refresh survival")
	assert.Equal(t, reply.StateComposing, rec.State)
	assert.NotZero(t, rec.SavedAt)
}

func TestPreSubmitActivityLeavesOtherListingsRecord(t *testing.T) {
	// Record ownership transfers only during submit. Typing on listing B
	// and even a login notification must not overwrite the record listing
	// A's unfinished flow still owns.
	store := &testkit.MemoryStore{}
	theirs := &reply.PersistedReply{
		TargetID: "listing-a",
		Message:  "A's draft, mid-authentication",
		State:    reply.StateAuthenticating,
		SavedAt:  time.Now().UnixMilli(),
	}
	store.Seed(theirs)

	identity := &testkit.FakeIdentity{}
	m := reply.NewMachine("listing-b", reply.Deps{
		Identity: identity,
		Groups:   &testkit.FakeGroups{},
		Chat:     &testkit.FakeChat{},
		Store:    store,
	}, nil)
	t.Cleanup(m.Close)

	m.SetRefs(reply.Refs{Form: &testkit.FakeForm{Valid: true}})
	m.StartTyping()
	m.SetReplyText("B's never-submitted draft")

	identity.SetUser(&reply.Profile{ID: "u1"})
	m.OnLoginSuccess(context.Background())

	rec := store.Record()
	require.NotNil(t, rec)
	assert.Equal(t, theirs, rec, "listing A's record must be left untouched")
}

// rendezvousIdentity holds the first two CurrentUser callers at a barrier so
// two Submit calls observe the same sendable state snapshot.
type rendezvousIdentity struct {
	*testkit.FakeIdentity

	mu      sync.Mutex
	pending int
	release chan struct{}
}

func (r *rendezvousIdentity) CurrentUser() *reply.Profile {
	r.mu.Lock()
	if r.pending > 0 {
		r.pending--
		if r.pending == 0 {
			close(r.release)
		}
		r.mu.Unlock()
		<-r.release
	} else {
		r.mu.Unlock()
	}
	return r.FakeIdentity.CurrentUser()
}

func TestSimultaneousSubmitsSendOnce(t *testing.T) {
	// Two overlapping Submit calls may both read a sendable state, but only
	// the one that wins the transition into VALIDATING runs the delegate
	// chain; the loser settles through its callback without side effects.
	fake := &testkit.FakeIdentity{}
	fake.SetUser(&reply.Profile{ID: "u1"})
	identity := &rendezvousIdentity{FakeIdentity: fake}
	chat := &testkit.FakeChat{Result: true}
	sink := &testkit.CollectingSink{}

	m := reply.NewMachine("msg-1", reply.Deps{
		Identity: identity,
		Groups: &testkit.FakeGroups{
			Listing:     &reply.Listing{ID: "msg-1", Groups: []reply.GroupID{"g1"}},
			Memberships: map[reply.GroupID]struct{}{"g1": {}},
		},
		Chat:   chat,
		Store:  &testkit.MemoryStore{},
		Events: sink,
	}, nil)
	t.Cleanup(m.Close)

	m.SetRefs(reply.Refs{Form: &testkit.FakeForm{Valid: true}, ChatButton: struct{}{}})
	m.StartTyping()
	m.SetReplyText("only once please")

	identity.mu.Lock()
	identity.pending = 2
	identity.release = make(chan struct{})
	identity.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go m.Submit(context.Background(), wg.Done)
	go m.Submit(context.Background(), wg.Done)
	wg.Wait()

	testkit.AssertState(t, m, reply.StateCompleted)
	assert.Equal(t, 1, chat.CallCount(), "the reply must be sent exactly once")
	assert.Len(t, sink.EventsNamed("reply_sent"), 1)
}

func TestSubmitBlockedOutsideSendableStates(t *testing.T) {
	s := newScenario(t)
	s.compose("text")
	s.m.ForceStateForTest(reply.StateJoiningGroup)

	called := false
	s.m.Submit(context.Background(), func() { called = true })

	assert.True(t, called, "callback must run even when blocked")
	testkit.AssertState(t, s.m, reply.StateJoiningGroup)

	blocked := s.sink.EventsNamed("reply_submit_blocked")
	require.Len(t, blocked, 1)
	assert.Equal(t, "canSend_false", blocked[0].Fields["reason"])
}

func TestSubmitWithoutFormRefFallsBack(t *testing.T) {
	// A missing form binding is an integration fault; the user falls back
	// to composing instead of seeing an error.
	identity := &testkit.FakeIdentity{}
	m := reply.NewMachine("msg-1", reply.Deps{
		Identity: identity,
		Groups:   &testkit.FakeGroups{},
		Chat:     &testkit.FakeChat{},
		Store:    &testkit.MemoryStore{},
	}, nil)
	t.Cleanup(m.Close)
	m.MarkInitializedForTest()

	m.StartTyping()
	m.SetReplyText("text")
	m.Submit(context.Background(), nil)

	testkit.AssertState(t, m, reply.StateComposing)
	testkit.AssertEventSeen(t, m, reply.EventFallback)
	assert.Empty(t, m.Error())
}

func TestSubmitValidationFailure(t *testing.T) {
	s := newScenario(t)
	s.form.Valid = false

	s.compose("text")
	s.m.Submit(context.Background(), nil)

	testkit.AssertState(t, s.m, reply.StateComposing)
	testkit.AssertEventSeen(t, s.m, reply.EventValidationFailed)
}

func TestSubmitValidationErrorFallsBack(t *testing.T) {
	// A thrown validation is treated identically to a failed one.
	s := newScenario(t)
	s.form.Err = errors.New("validator exploded")

	s.compose("text")
	s.m.Submit(context.Background(), nil)

	testkit.AssertState(t, s.m, reply.StateComposing)
	testkit.AssertEventSeen(t, s.m, reply.EventFallback)
	assert.Empty(t, s.m.Error(), "silent fallback must not set an error")
}

func TestSubmitInvalidEmailFocusesField(t *testing.T) {
	s := newScenario(t)
	s.compose("text")
	s.m.SetEmail("not-an-email", false)

	s.m.Submit(context.Background(), nil)

	testkit.AssertState(t, s.m, reply.StateComposing)
	assert.Equal(t, 1, s.email.FocusCount())
}

func TestSubmitPersistsDraftBeforeAuthentication(t *testing.T) {
	// The draft must be durable before the authentication step so an OAuth
	// redirect cannot lose it.
	s := newScenario(t)
	s.identity.RegisterResult = &reply.RegistrationResult{AccountCreated: false}

	s.compose("Keep me safe")
	s.m.SetCollectText("weekday evenings")
	s.m.SetEmail("new@example.com", true)
	s.m.Submit(context.Background(), nil)

	rec := s.store.Record()
	require.NotNil(t, rec)
	assert.Equal(t, "msg-1", rec.TargetID)
	assert.Equal(t, reply.CombineBody("Keep me safe", "weekday evenings"), rec.Message)
	assert.Equal(t, reply.StateAuthenticating, rec.State)
	assert.NotZero(t, rec.SavedAt)
}

func TestListingWithoutGroupsIsError(t *testing.T) {
	s := newScenario(t)
	s.identity.SetUser(&reply.Profile{ID: "u1"})
	s.groups.Listing = &reply.Listing{ID: "msg-1"}

	s.compose("text")
	s.m.Submit(context.Background(), nil)

	testkit.AssertState(t, s.m, reply.StateError)
	assert.Equal(t, "Listing has no groups", s.m.Error())

	// Retry returns to composing with the draft intact.
	s.m.Retry()
	testkit.AssertState(t, s.m, reply.StateComposing)
	assert.Equal(t, "text", s.m.ReplyText())
	assert.Empty(t, s.m.Error())
}

func TestChatServiceRejectionIsError(t *testing.T) {
	s := newScenario(t)
	s.identity.SetUser(&reply.Profile{ID: "u1"})
	s.groups.Memberships = map[reply.GroupID]struct{}{"g1": {}}
	s.chat.Result = false

	s.compose("text")
	s.m.Submit(context.Background(), nil)

	testkit.AssertState(t, s.m, reply.StateError)
	assert.Contains(t, s.m.Error(), "may be stale")
}

func TestMissingChatButtonFallsBack(t *testing.T) {
	identity := &testkit.FakeIdentity{}
	identity.SetUser(&reply.Profile{ID: "u1"})
	m := reply.NewMachine("msg-1", reply.Deps{
		Identity: identity,
		Groups: &testkit.FakeGroups{
			Listing:     &reply.Listing{ID: "msg-1", Groups: []reply.GroupID{"g1"}},
			Memberships: map[reply.GroupID]struct{}{"g1": {}},
		},
		Chat:  &testkit.FakeChat{Result: true},
		Store: &testkit.MemoryStore{},
	}, nil)
	t.Cleanup(m.Close)

	m.SetRefs(reply.Refs{Form: &testkit.FakeForm{Valid: true}}) // no chat button

	m.StartTyping()
	m.SetReplyText("text")
	m.Submit(context.Background(), nil)

	testkit.AssertState(t, m, reply.StateComposing)
	testkit.AssertEventSeen(t, m, reply.EventFallback)
	assert.Empty(t, m.Error())
}

func TestRegistrationTransientFailureOpensLogin(t *testing.T) {
	// Registration failure is ambiguous between "exists" and a transient
	// fault: assume existing and open the login UI.
	s := newScenario(t)
	s.identity.RegisterErr = errors.New("backend hiccup")

	s.compose("text")
	s.m.SetEmail("new@example.com", true)
	s.m.Submit(context.Background(), nil)

	testkit.AssertState(t, s.m, reply.StateAuthenticating)
	assert.True(t, s.identity.LoginRequested())
	assert.Empty(t, s.m.Error())
}

func TestRegistrationAuthErrorForcesReauth(t *testing.T) {
	s := newScenario(t)
	s.identity.RegisterErr = reply.NewAuthError(401, "session expired")

	s.compose("text")
	s.m.SetEmail("new@example.com", true)
	s.m.Submit(context.Background(), nil)

	testkit.AssertState(t, s.m, reply.StateAuthenticating)
	testkit.AssertEventSeen(t, s.m, reply.EventAuthError)
	assert.True(t, s.identity.LoginRequested())
}

func TestSubmitEmitsAnalyticsEvents(t *testing.T) {
	s := newScenario(t)
	s.identity.SetUser(&reply.Profile{ID: "u1"})
	s.groups.Memberships = map[reply.GroupID]struct{}{"g1": {}}
	s.m.SetReplySource("browse_modal")

	s.compose("text")
	s.m.Submit(context.Background(), nil)

	submits := s.sink.EventsNamed("reply_submit")
	require.Len(t, submits, 1)
	assert.Equal(t, "browse_modal", submits[0].Fields["reply_source"])
	assert.Equal(t, true, submits[0].Fields["is_logged_in"])

	sent := s.sink.EventsNamed("reply_sent")
	require.Len(t, sent, 1)
	assert.Equal(t, "existing", sent[0].Fields["user_type"])

	transitions := s.sink.EventsNamed("reply_state_transition")
	assert.NotEmpty(t, transitions)
}
