// Package ado provides a typed client for the Azure DevOps work item REST API.
//
// Every call classifies HTTP failures into a fixed error taxonomy so callers
// can react to rate limiting and auth problems without parsing responses.
// Transient failures (429, 5xx) are retried with backoff before being
// surfaced.
package ado

import (
	"errors"
	"fmt"
	"time"
)

// Well-known work item field reference names.
const (
	FieldTitle              = "System.Title"
	FieldState              = "System.State"
	FieldDescription        = "System.Description"
	FieldAreaPath           = "System.AreaPath"
	FieldIterationPath      = "System.IterationPath"
	FieldAssignedTo         = "System.AssignedTo"
	FieldWorkItemType       = "System.WorkItemType"
	FieldPriority           = "Microsoft.VSTS.Common.Priority"
	FieldAcceptanceCriteria = "Microsoft.VSTS.Common.AcceptanceCriteria"
)

// BatchLimit is the maximum number of ids accepted by GetWorkItems, matching
// the service-side bound on the batch endpoint.
const BatchLimit = 200

// WorkItem is a remote work item as returned by the API.
type WorkItem struct {
	ID     int            `json:"id"`
	Rev    int            `json:"rev"`
	URL    string         `json:"url"`
	Fields map[string]any `json:"fields"`
}

// StringField returns the named field as a string, or "" when absent or not
// a string.
func (w *WorkItem) StringField(name string) string {
	if w.Fields == nil {
		return ""
	}
	s, _ := w.Fields[name].(string)
	return s
}

// State returns the work item's current state.
func (w *WorkItem) State() string {
	return w.StringField(FieldState)
}

// Type returns the work item type.
func (w *WorkItem) Type() string {
	return w.StringField(FieldWorkItemType)
}

// PatchOp is a single JSON Patch operation against a work item.
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// ErrorKind classifies a failed API call.
type ErrorKind string

const (
	KindNotFound             ErrorKind = "not_found"
	KindAuthenticationFailed ErrorKind = "authentication_failed"
	KindAuthorizationFailed  ErrorKind = "authorization_failed"
	KindRateLimited          ErrorKind = "rate_limited"
	KindValidation           ErrorKind = "validation"
	KindServerError          ErrorKind = "server_error"
)

// Error is a classified API failure.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string

	// RetryAfter is the server-requested wait, set for rate-limit errors
	// when the response carried a Retry-After header.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("ado: %s (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("ado: %s: %s", e.Kind, e.Message)
}

// IsKind reports whether err is an ado.Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// RetryAfterOf extracts the server-requested wait from a rate-limit error,
// or zero if there is none.
func RetryAfterOf(err error) time.Duration {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// classifyStatus maps an HTTP status to an error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == 401:
		return KindAuthenticationFailed
	case status == 403:
		return KindAuthorizationFailed
	case status == 404:
		return KindNotFound
	case status == 429:
		return KindRateLimited
	case status >= 400 && status < 500:
		return KindValidation
	default:
		return KindServerError
	}
}
