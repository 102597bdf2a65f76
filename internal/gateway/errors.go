package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies every failure that can reach a caller of the
// gateway.  The set is closed: the external status and message of an
// error depend on its kind alone.
type ErrorKind int

const (
	KeyMissing ErrorKind = iota
	BadHost
	KeyMalformed
	Unauthorized
	Forbidden
	UserNotFound
	UserAlreadyExists
	ProjectNotFound
	InvalidProjectName
	ProjectAlreadyExists
	ProjectNotReady
	ProjectUnavailable
	InvalidOperation
	Internal
	NotReady
)

// Kinds lists every ErrorKind in declaration order.
var Kinds = []ErrorKind{
	KeyMissing,
	BadHost,
	KeyMalformed,
	Unauthorized,
	Forbidden,
	UserNotFound,
	UserAlreadyExists,
	ProjectNotFound,
	InvalidProjectName,
	ProjectAlreadyExists,
	ProjectNotReady,
	ProjectUnavailable,
	InvalidOperation,
	Internal,
	NotReady,
}

var kindNames = map[ErrorKind]string{
	KeyMissing:           "key_missing",
	BadHost:              "bad_host",
	KeyMalformed:         "key_malformed",
	Unauthorized:         "unauthorized",
	Forbidden:            "forbidden",
	UserNotFound:         "user_not_found",
	UserAlreadyExists:    "user_already_exists",
	ProjectNotFound:      "project_not_found",
	InvalidProjectName:   "invalid_project_name",
	ProjectAlreadyExists: "project_already_exists",
	ProjectNotReady:      "project_not_ready",
	ProjectUnavailable:   "project_unavailable",
	InvalidOperation:     "invalid_operation",
	Internal:             "internal",
	NotReady:             "not_ready",
}

// String returns the snake_case name of the kind.
func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("error_kind(%d)", int(k))
}

// MarshalText encodes the kind as its snake_case name.
func (k ErrorKind) MarshalText() ([]byte, error) {
	name, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("unknown error kind %d", int(k))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a snake_case kind name.
func (k *ErrorKind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown error kind %q", text)
}

// Response returns the HTTP status and message exposed for the kind.
func (k ErrorKind) Response() (int, string) {
	switch k {
	case Internal:
		return http.StatusInternalServerError, "internal server error"
	case NotReady:
		return http.StatusInternalServerError, "not ready yet"
	case KeyMissing:
		return http.StatusUnauthorized, "request is missing a key"
	case Unauthorized:
		return http.StatusUnauthorized, "unauthorized"
	case KeyMalformed:
		return http.StatusBadRequest, "request has an invalid key"
	case BadHost:
		return http.StatusBadRequest, "the 'Host' header is invalid"
	case InvalidProjectName:
		return http.StatusBadRequest, "invalid project name"
	case InvalidOperation:
		return http.StatusBadRequest, "the requested operation is invalid"
	case UserAlreadyExists:
		return http.StatusBadRequest, "user already exists"
	case ProjectAlreadyExists:
		return http.StatusBadRequest, "a project with the same name already exists"
	case Forbidden:
		return http.StatusForbidden, "forbidden"
	case UserNotFound:
		return http.StatusNotFound, "user not found"
	case ProjectNotFound:
		return http.StatusNotFound, "project not found"
	case ProjectNotReady:
		return http.StatusServiceUnavailable, "project not ready"
	case ProjectUnavailable:
		return http.StatusBadGateway, "project returned invalid response"
	}
	// Only reachable for values outside the declared set.
	return http.StatusInternalServerError, "internal server error"
}

// Retryable reports whether a client may retry a request that failed
// with kind once the project settles.
func Retryable(kind ErrorKind) bool {
	return kind == ProjectNotReady || kind == ProjectUnavailable
}

// Error is the gateway's error type.  It pairs an ErrorKind with an
// optional cause.  The cause is available to logs and errors.Unwrap but
// never leaves the process: the JSON and HTTP renderings carry the
// kind's message only.
type Error struct {
	kind  ErrorKind
	cause error
}

// Source wraps err under kind.
func Source(kind ErrorKind, err error) *Error {
	return &Error{kind: kind, cause: err}
}

// Custom creates an error of kind with a free-form internal message.
func Custom(kind ErrorKind, message string) *Error {
	return &Error{kind: kind, cause: errors.New(message)}
}

// FromKind creates an error with no cause.
func FromKind(kind ErrorKind) *Error {
	return &Error{kind: kind}
}

// Kind returns the error's kind.
func (e *Error) Kind() ErrorKind { return e.kind }

func (e *Error) Error() string {
	if e.cause == nil {
		return e.kind.String()
	}
	return e.kind.String() + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error of the same kind, so callers can test with
// errors.Is(err, gateway.FromKind(gateway.ProjectNotFound)).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.kind == e.kind
}

// MarshalJSON renders the external body {"error": "<message>"}.
func (e *Error) MarshalJSON() ([]byte, error) {
	_, message := e.kind.Response()
	return json.Marshal(errorBody{Error: message})
}

type errorBody struct {
	Error string `json:"error"`
}

// KindOf returns the kind carried by err, or Internal when err is not a
// gateway error.
func KindOf(err error) ErrorKind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.kind
	}
	return Internal
}

// WriteError writes the external rendering of err.
func WriteError(w http.ResponseWriter, err error) {
	status, message := KindOf(err).Response()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: message})
}
