// Package testkit provides fake collaborators and assertion helpers for
// exercising the reply state machine without real services.
package testkit

import (
	"context"
	"sync"

	"replyflow/pkg/reply"
)

// FakeIdentity is a scriptable identity provider.
type FakeIdentity struct {
	mu sync.Mutex

	User           *reply.Profile
	RegisterResult *reply.RegistrationResult
	RegisterErr    error

	LoginRequired bool
	LoggedInEver  bool
	JWT           string
	Tokens        *reply.SessionTokens

	RegisterCalls int
	RefreshCalls  int

	// RefreshHook, when set, runs inside RefreshProfile. Use it to simulate
	// the external logged-in notification firing mid-registration.
	RefreshHook func(ctx context.Context)
}

func (f *FakeIdentity) CurrentUser() *reply.Profile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.User
}

// SetUser updates the logged-in profile, simulating a login or logout.
func (f *FakeIdentity) SetUser(user *reply.Profile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.User = user
}

func (f *FakeIdentity) Register(_ context.Context, _ string) (*reply.RegistrationResult, error) {
	f.mu.Lock()
	f.RegisterCalls++
	ret, err := f.RegisterResult, f.RegisterErr
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (f *FakeIdentity) SetAuth(jwt string, tokens *reply.SessionTokens) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.JWT = jwt
	f.Tokens = tokens
	// Applying credentials makes the user visible, as the real provider does.
	if tokens != nil && f.User == nil {
		f.User = &reply.Profile{ID: tokens.UserID}
	}
}

func (f *FakeIdentity) RequireLogin(required bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LoginRequired = required
}

// LoginRequested reports whether the login UI was forced open.
func (f *FakeIdentity) LoginRequested() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.LoginRequired
}

func (f *FakeIdentity) SetLoggedInEver(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LoggedInEver = v
}

func (f *FakeIdentity) RefreshProfile(ctx context.Context, _ bool) error {
	f.mu.Lock()
	f.RefreshCalls++
	hook := f.RefreshHook
	f.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
	return nil
}

// JoinCall records one group join request.
type JoinCall struct {
	UserID  string
	GroupID reply.GroupID
}

// FakeGroups is a scriptable group membership service.
type FakeGroups struct {
	mu sync.Mutex

	Memberships map[reply.GroupID]struct{}
	Listing     *reply.Listing
	FetchErr    error
	JoinErr     error

	JoinCalls []JoinCall
}

func (f *FakeGroups) CurrentMemberships() map[reply.GroupID]struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[reply.GroupID]struct{}, len(f.Memberships))
	for k := range f.Memberships {
		out[k] = struct{}{}
	}
	return out
}

func (f *FakeGroups) Join(_ context.Context, userID string, groupID reply.GroupID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.JoinErr != nil {
		return f.JoinErr
	}

	f.JoinCalls = append(f.JoinCalls, JoinCall{UserID: userID, GroupID: groupID})
	if f.Memberships == nil {
		f.Memberships = make(map[reply.GroupID]struct{})
	}
	f.Memberships[groupID] = struct{}{}
	return nil
}

func (f *FakeGroups) FetchListing(_ context.Context, _ string, _ bool) (*reply.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FetchErr != nil {
		return nil, f.FetchErr
	}
	return f.Listing, nil
}

// Joined returns the recorded join calls.
func (f *FakeGroups) Joined() []JoinCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]JoinCall{}, f.JoinCalls...)
}

// FakeChat is a scriptable chat creation service.
type FakeChat struct {
	mu sync.Mutex

	Result bool
	Err    error
	Calls  int
}

func (f *FakeChat) CreateFromBoundForm(_ context.Context, _ reply.ChatButtonHandle) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Calls++
	if f.Err != nil {
		return false, f.Err
	}
	return f.Result, nil
}

// CallCount returns how many times chat creation was attempted.
func (f *FakeChat) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls
}

// MemoryStore is an in-memory reply store for tests.
type MemoryStore struct {
	mu  sync.Mutex
	rec *reply.PersistedReply

	ReadErr  error
	WriteErr error
}

func (s *MemoryStore) Read() (*reply.PersistedReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ReadErr != nil {
		return nil, s.ReadErr
	}
	if s.rec == nil {
		return nil, nil
	}
	cp := *s.rec
	return &cp, nil
}

func (s *MemoryStore) Write(rec *reply.PersistedReply) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.WriteErr != nil {
		return s.WriteErr
	}
	cp := *rec
	s.rec = &cp
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = nil
	return nil
}

// Seed pre-loads a record, simulating a previous session.
func (s *MemoryStore) Seed(rec *reply.PersistedReply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec == nil {
		s.rec = nil
		return
	}
	cp := *rec
	s.rec = &cp
}

// Record returns the stored record, or nil.
func (s *MemoryStore) Record() *reply.PersistedReply {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil
	}
	cp := *s.rec
	return &cp
}

// FakeForm is a scriptable Host UI form handle.
type FakeForm struct {
	Valid bool
	Err   error
}

func (f *FakeForm) Validate(_ context.Context) (*reply.ValidationResult, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return &reply.ValidationResult{Valid: f.Valid}, nil
}

// FakeEmailField records focus requests.
type FakeEmailField struct {
	mu      sync.Mutex
	Focused int
}

func (f *FakeEmailField) Focus() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Focused++
}

// FocusCount returns how many times the field was focused.
func (f *FakeEmailField) FocusCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Focused
}

// SinkEvent is one captured analytics event.
type SinkEvent struct {
	Name   string
	Fields map[string]any
}

// CollectingSink captures analytics events in memory.
type CollectingSink struct {
	mu     sync.Mutex
	events []SinkEvent
}

func (s *CollectingSink) WriteEvent(name string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make(map[string]any, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	s.events = append(s.events, SinkEvent{Name: name, Fields: cp})
	return nil
}

// Events returns the captured events.
func (s *CollectingSink) Events() []SinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SinkEvent{}, s.events...)
}

// EventsNamed returns the captured events with the given name.
func (s *CollectingSink) EventsNamed(name string) []SinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []SinkEvent
	for _, e := range s.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
