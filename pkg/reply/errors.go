package reply

import (
	"errors"
	"fmt"
	"strings"
)

// Public errors for the reply state machine.
var (
	// ErrInvalidTransition indicates an invalid state transition was attempted.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInvalidState indicates an invalid state was provided.
	ErrInvalidState = errors.New("invalid state")
)

// ErrorKind classifies collaborator faults at the boundary, so downstream
// code never infers failure classes from message wording.
type ErrorKind string

const (
	KindAuthExpired ErrorKind = "auth_expired"
	KindNotFound    ErrorKind = "not_found"
	KindValidation  ErrorKind = "validation"
	KindTransient   ErrorKind = "transient"
)

// ReplyError is a typed collaborator error. Collaborator implementations
// should return it so auth faults are classified explicitly rather than by
// message matching.
type ReplyError struct {
	Kind   ErrorKind
	Status int // HTTP status if the fault crossed an HTTP boundary, else 0
	Msg    string
	Err    error
}

func (e *ReplyError) Error() string {
	if e.Msg != "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *ReplyError) Unwrap() error {
	return e.Err
}

// NewAuthError returns a typed auth-expired error with the given HTTP status.
func NewAuthError(status int, msg string) *ReplyError {
	return &ReplyError{Kind: KindAuthExpired, Status: status, Msg: msg}
}

// statusError is satisfied by errors that carry an HTTP status without being
// a ReplyError.
type statusError interface {
	HTTPStatus() int
}

// IsAuthError reports whether an error indicates an expired or missing
// session. Typed classification is honored first; the status and
// message-substring heuristics remain for plain errors crossing the
// collaborator boundary.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}

	var re *ReplyError
	if errors.As(err, &re) {
		if re.Kind == KindAuthExpired {
			return true
		}
		if re.Status == 401 || re.Status == 403 {
			return true
		}
	}

	var se statusError
	if errors.As(err, &se) {
		if status := se.HTTPStatus(); status == 401 || status == 403 {
			return true
		}
	}

	msg := err.Error()
	return strings.Contains(msg, "not logged in") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "session expired") ||
		strings.Contains(msg, "login required")
}
