package reply

import (
	"context"
)

// GroupID identifies a community group a listing belongs to.
type GroupID = string

// Profile is the authenticated user as reported by the identity provider.
type Profile struct {
	ID    string
	Email string
}

// SessionTokens are the persistent credentials returned by a successful
// registration.
type SessionTokens struct {
	UserID string
	Token  string
}

// RegistrationResult is the outcome of an identity provider registration
// attempt. A populated Password means a brand-new account was created; an
// AccountCreated=false result means the address already has an account and
// the user must log in instead.
type RegistrationResult struct {
	AccountCreated bool
	Password       string
	JWT            string
	Persistent     *SessionTokens
}

// IdentityProvider reports current login state and performs registration.
// The machine never inspects credentials beyond passing them back verbatim.
type IdentityProvider interface {
	// CurrentUser returns the logged-in profile, or nil.
	CurrentUser() *Profile
	// Register attempts to create an account for the given email.
	Register(ctx context.Context, email string) (*RegistrationResult, error)
	// SetAuth applies session credentials returned by registration. Must be
	// called before RefreshProfile or the fetch runs with stale credentials.
	SetAuth(jwt string, tokens *SessionTokens)
	// RequireLogin forces the login UI open (or closed).
	RequireLogin(required bool)
	// SetLoggedInEver marks that this browser has held a session.
	SetLoggedInEver(v bool)
	// RefreshProfile re-fetches the authenticated profile. force bypasses
	// caches. Completion may independently trigger OnLoginSuccess.
	RefreshProfile(ctx context.Context, force bool) error
}

// Listing is the subset of a listing the machine needs: its owning groups.
type Listing struct {
	ID     string
	Groups []GroupID
}

// GroupService reports and performs group membership for the current user.
type GroupService interface {
	// CurrentMemberships returns the set of groups the user belongs to.
	CurrentMemberships() map[GroupID]struct{}
	// Join adds the user to a group.
	Join(ctx context.Context, userID string, groupID GroupID) error
	// FetchListing loads the listing to discover its owning groups. force
	// bypasses caches.
	FetchListing(ctx context.Context, id string, force bool) (*Listing, error)
}

// ChatButtonHandle is the opaque Host UI handle the chat service needs to
// convert the bound form into a persisted chat message.
type ChatButtonHandle any

// ChatService converts a validated draft reply into a persisted chat
// message. A false result with nil error means the service detected a stale
// or duplicate reply.
type ChatService interface {
	CreateFromBoundForm(ctx context.Context, handle ChatButtonHandle) (bool, error)
}

// PersistedReply is the durable projection of the draft and machine state.
// It survives page reloads and OAuth redirects.
type PersistedReply struct {
	TargetID  string `json:"target_id"`
	Message   string `json:"message"` // combined body text, see CombineBody
	State     State  `json:"state"`
	IsNewUser bool   `json:"is_new_user"`
	SavedAt   int64  `json:"saved_at"` // epoch milliseconds
}

// ReplyStore is the persistence adapter. It holds at most one record; writes
// are last-write-wins and always carry the owning target id.
type ReplyStore interface {
	// Read returns the stored record, or nil if none exists.
	Read() (*PersistedReply, error)
	// Write stores the record, replacing any previous one.
	Write(rec *PersistedReply) error
	// Clear removes the stored record.
	Clear() error
}

// ValidationResult is the outcome of Host UI form validation.
type ValidationResult struct {
	Valid bool
}

// FormHandle is the Host UI's bound form.
type FormHandle interface {
	Validate(ctx context.Context) (*ValidationResult, error)
}

// EmailFieldHandle is the Host UI's bound email input.
type EmailFieldHandle interface {
	Focus()
}

// Refs carries the Host UI handles bound via SetRefs.
type Refs struct {
	Form       FormHandle
	ChatButton ChatButtonHandle
	EmailField EmailFieldHandle
}

// EventSink receives analytics events (submits, transitions, errors).
// pkg/eventlog provides a JSONL-file implementation.
type EventSink interface {
	WriteEvent(name string, fields map[string]any) error
}
