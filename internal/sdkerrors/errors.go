package sdkerrors

import (
	"errors"
	"fmt"
)

// Error kinds. Every *Error carries exactly one of these as its Kind so callers
// can branch with errors.Is.
var (
	ErrConfiguration    = errors.New("configuration error")
	ErrScopeViolation   = errors.New("scope violation")
	ErrTaskExecution    = errors.New("task execution error")
	ErrAgentUnavailable = errors.New("agent unavailable")
	ErrTimeout          = errors.New("timeout")
	ErrValidation       = errors.New("validation error")
	ErrMCPServer        = errors.New("mcp server error")
	ErrRateLimit        = errors.New("rate limit exceeded")
	ErrAuthentication   = errors.New("authentication error")
	ErrDatabase         = errors.New("database error")
	ErrCommunication    = errors.New("communication error")
)

var kindNames = map[error]string{
	ErrConfiguration:    "configuration_error",
	ErrScopeViolation:   "scope_violation",
	ErrTaskExecution:    "task_execution_error",
	ErrAgentUnavailable: "agent_unavailable",
	ErrTimeout:          "timeout_error",
	ErrValidation:       "validation_error",
	ErrMCPServer:        "mcp_server_error",
	ErrRateLimit:        "rate_limit_error",
	ErrAuthentication:   "authentication_error",
	ErrDatabase:         "database_error",
	ErrCommunication:    "communication_error",
}

// Error is the typed failure returned by every component of the SDK.
type Error struct {
	Kind    error
	Code    string
	Message string
	Details map[string]interface{}
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Code != "" {
		msg = fmt.Sprintf("[%s] %s", e.Code, msg)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// KindName returns the snake_case name of the error kind.
func (e *Error) KindName() string {
	if name, ok := kindNames[e.Kind]; ok {
		return name
	}
	return "sdk_error"
}

// ToMap renders the error for API responses and audit records.
func (e *Error) ToMap() map[string]interface{} {
	out := map[string]interface{}{
		"error":   e.KindName(),
		"code":    e.Code,
		"message": e.Message,
	}
	if len(e.Details) > 0 {
		out["details"] = e.Details
	}
	return out
}

// WithDetail attaches a detail key and returns the same error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New builds an error of the given kind.
func New(kind error, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap builds an error of the given kind around cause.
func Wrap(kind error, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

func Configuration(code, message string) *Error { return New(ErrConfiguration, code, message) }

func ScopeViolation(code, message string) *Error { return New(ErrScopeViolation, code, message) }

func TaskExecution(code, message string, cause error) *Error {
	return Wrap(ErrTaskExecution, code, message, cause)
}

func AgentUnavailable(code, message string) *Error { return New(ErrAgentUnavailable, code, message) }

func Timeout(code, message string) *Error { return New(ErrTimeout, code, message) }

func Validation(code, message string) *Error { return New(ErrValidation, code, message) }

func MCPServer(code, message string, cause error) *Error {
	return Wrap(ErrMCPServer, code, message, cause)
}

func RateLimit(code, message string) *Error { return New(ErrRateLimit, code, message) }

func Authentication(code, message string) *Error { return New(ErrAuthentication, code, message) }

func Database(code, message string, cause error) *Error {
	return Wrap(ErrDatabase, code, message, cause)
}

// KindOf returns the kind sentinel of err, or nil when err is not an SDK error.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nil
}

// CodeOf returns the machine code of err, or "" when err is not an SDK error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// KindName returns the snake_case kind of err; unknown errors map to "internal_error".
func KindName(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.KindName()
	}
	return "internal_error"
}

// IsKind reports whether err is an SDK error of the given kind.
func IsKind(err, kind error) bool {
	return kind != nil && KindOf(err) == kind
}
