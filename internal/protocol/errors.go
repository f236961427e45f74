package protocol

import "fmt"

// ErrorKind enumerates every failure the dispatch layer maps to a downstream
// status. The dispatch layer owns the mapping; the rest of the relay only
// ever constructs these.
type ErrorKind int

const (
	ErrPermissionDenied ErrorKind = iota
	ErrModelRestricted
	ErrInvalidRequest
	ErrNoAccount
	ErrMisconfiguredAccount
	ErrParse
	ErrTransport
)

func (k ErrorKind) String() string {
	switch k {
	case ErrPermissionDenied:
		return "permission_denied"
	case ErrModelRestricted:
		return "model_restricted"
	case ErrInvalidRequest:
		return "invalid_request"
	case ErrNoAccount:
		return "no_account"
	case ErrMisconfiguredAccount:
		return "misconfigured_account"
	case ErrParse:
		return "parse_error"
	case ErrTransport:
		return "transport_error"
	default:
		return "unknown"
	}
}

// RelayError is the typed error surfaced from the pipeline to the dispatch
// layer, which owns mapping each kind to a downstream status. Upstream non-2xx
// bodies bypass this type entirely; they are passed through verbatim.
type RelayError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *RelayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RelayError) Unwrap() error { return e.Err }

// NewRelayError builds a RelayError without upstream context.
func NewRelayError(kind ErrorKind, message string) *RelayError {
	return &RelayError{Kind: kind, Message: message}
}

// WrapRelayError attaches a cause.
func WrapRelayError(kind ErrorKind, message string, err error) *RelayError {
	return &RelayError{Kind: kind, Message: message, Err: err}
}

// Downstream error type names, keyed to the statuses the dispatch layer
// returns them with.
const (
	ErrorTypeInvalidRequest = "invalid_request_error"
	ErrorTypePermission     = "permission_error"
	ErrorTypeOverloaded     = "overloaded_error"
	ErrorTypeConfiguration  = "configuration_error"
	ErrorTypeAPI            = "api_error"
	ErrorTypeAuthentication = "authentication_error"
)

// ErrorResponse is the downstream error envelope.
type ErrorResponse struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorResponse builds the standard error envelope.
func NewErrorResponse(errorType, message string) ErrorResponse {
	return ErrorResponse{
		Type:  "error",
		Error: ErrorDetail{Type: errorType, Message: message},
	}
}
