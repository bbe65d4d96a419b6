package engine

import (
	"errors"
	"fmt"

	"github.com/storyforge/adosync/internal/ado"
	"github.com/storyforge/adosync/internal/store"
)

// ErrorKind is the fixed error vocabulary shared by both sync engines.
// Engine methods never let a raw error escape; every failure is classified
// into one of these kinds before it crosses the boundary.
type ErrorKind string

const (
	KindStoryNotFound        ErrorKind = "STORY_NOT_FOUND"
	KindNoRemoteLink         ErrorKind = "NO_ADO_LINK"
	KindAlreadyLinked        ErrorKind = "ALREADY_LINKED"
	KindRemoteNotFound       ErrorKind = "REMOTE_NOT_FOUND"
	KindAuthenticationFailed ErrorKind = "AUTHENTICATION_FAILED"
	KindAuthorizationFailed  ErrorKind = "AUTHORIZATION_FAILED"
	KindValidation           ErrorKind = "VALIDATION_ERROR"
	KindRateLimited          ErrorKind = "RATE_LIMITED"
	KindRemoteServer         ErrorKind = "REMOTE_SERVER_ERROR"
	KindInternal             ErrorKind = "INTERNAL_ERROR"
)

// SyncError is a classified engine failure.
type SyncError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *SyncError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *SyncError) Unwrap() error { return e.Err }

// newError builds a SyncError with a formatted message.
func newError(kind ErrorKind, format string, args ...any) *SyncError {
	return &SyncError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Classify converts any error into a SyncError. Remote API errors map by
// their HTTP classification, store misses become REMOTE_NOT_FOUND or
// STORY_NOT_FOUND at the call site (callers classify store lookups
// themselves); everything else is internal.
func Classify(err error) *SyncError {
	if err == nil {
		return nil
	}

	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr
	}

	var apiErr *ado.Error
	if errors.As(err, &apiErr) {
		kind := KindInternal
		switch apiErr.Kind {
		case ado.KindNotFound:
			kind = KindRemoteNotFound
		case ado.KindAuthenticationFailed:
			kind = KindAuthenticationFailed
		case ado.KindAuthorizationFailed:
			kind = KindAuthorizationFailed
		case ado.KindRateLimited:
			kind = KindRateLimited
		case ado.KindValidation:
			kind = KindValidation
		case ado.KindServerError:
			kind = KindRemoteServer
		}
		return &SyncError{Kind: kind, Message: apiErr.Message, Err: err}
	}

	if errors.Is(err, store.ErrNotFound) {
		return &SyncError{Kind: KindStoryNotFound, Message: "story not found", Err: err}
	}

	return &SyncError{Kind: KindInternal, Message: err.Error(), Err: err}
}
