// Package apperr defines the error kinds shared by the orchestrator components.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// Kind classifies an error.
type Kind string

const (
	KindUpstreamUnavailable   Kind = "upstream_unavailable"
	KindMalformedDecision     Kind = "malformed_decision"
	KindUnknownTool           Kind = "unknown_tool"
	KindSchemaViolation       Kind = "schema_violation"
	KindActionExecutionFailed Kind = "action_execution_failed"
	KindAlreadyConsumed       Kind = "already_consumed"
	KindNotFound              Kind = "not_found"
	KindInvalidArgument       Kind = "invalid_argument"
	KindInProgress            Kind = "in_progress"
	KindPolicyDenied          Kind = "policy_denied"
	KindInternal              Kind = "internal"
)

// Attributes describe the default behaviour of a kind.
type Attributes struct {
	Message    string
	HTTPStatus int
	Retryable  bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Kind]Attributes{
		KindUpstreamUnavailable:   {Message: "upstream unavailable", HTTPStatus: http.StatusServiceUnavailable, Retryable: true},
		KindMalformedDecision:     {Message: "malformed decision", HTTPStatus: http.StatusUnprocessableEntity},
		KindUnknownTool:           {Message: "unknown tool", HTTPStatus: http.StatusBadRequest},
		KindSchemaViolation:       {Message: "schema violation", HTTPStatus: http.StatusBadRequest},
		KindActionExecutionFailed: {Message: "action execution failed", HTTPStatus: http.StatusBadGateway, Retryable: true},
		KindAlreadyConsumed:       {Message: "undo token already consumed", HTTPStatus: http.StatusConflict},
		KindNotFound:              {Message: "not found", HTTPStatus: http.StatusNotFound},
		KindInvalidArgument:       {Message: "invalid argument", HTTPStatus: http.StatusBadRequest},
		KindInProgress:            {Message: "operation already in progress", HTTPStatus: http.StatusConflict, Retryable: true},
		KindPolicyDenied:          {Message: "blocked by policy", HTTPStatus: http.StatusForbidden},
		KindInternal:              {Message: "internal error", HTTPStatus: http.StatusInternalServerError},
	}
)

// Register adds or replaces the attributes of a kind.
func Register(kind Kind, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = attr
}

// AttributesOf returns the attributes registered for kind, falling back to KindInternal.
func AttributesOf(kind Kind) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[kind]; ok {
		return attr
	}
	return registry[KindInternal]
}

// Error is a classified error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New creates an error of the given kind. An empty message uses the kind default.
func New(kind Kind, message string) *Error {
	if message == "" {
		message = AttributesOf(kind).Message
	}
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap classifies cause. A nil cause returns nil.
func Wrap(kind Kind, cause error, message string) *Error {
	if cause == nil {
		return nil
	}
	if message == "" {
		message = cause.Error()
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the user-facing message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err may succeed on retry.
func IsRetryable(err error) bool {
	return err != nil && AttributesOf(KindOf(err)).Retryable
}

// HTTPStatus maps err to an HTTP status code.
func HTTPStatus(err error) int {
	return AttributesOf(KindOf(err)).HTTPStatus
}
