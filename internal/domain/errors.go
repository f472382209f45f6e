package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Prefer wrapping these with DomainError so callers can
// branch with errors.Is while HTTP surfaces resolve a stable code.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrUnauthorized = fmt.Errorf("unauthorized")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrUnavailable  = fmt.Errorf("unavailable")
)

// Sentinel errors for the relay domain.
var (
	// Admission outcomes. Both close the peer socket with a distinct
	// machine-readable close code and never reach the correlator.
	ErrMissingIdentity   = fmt.Errorf("connection identity missing")
	ErrInvalidCredential = fmt.Errorf("credential: %w", ErrUnauthorized)

	// Dispatch outcomes surfaced to HTTP callers.
	ErrNoPeerConnected = fmt.Errorf("no peer connected")
	ErrDeliveryFailure = fmt.Errorf("frame delivery failed")
	ErrRequestTimeout  = fmt.Errorf("request timed out")
	ErrRequestExpired  = fmt.Errorf("request expired")
	ErrPeerUnavailable = fmt.Errorf("peer unavailable")
	ErrPeerError       = fmt.Errorf("peer reported an error")

	// Wire protocol errors.
	ErrProtocolError    = fmt.Errorf("protocol error")
	ErrDuplicateRequest = fmt.Errorf("request id already pending")

	// Registry errors.
	ErrConnectionNotFound = fmt.Errorf("connection not found")

	// Key store errors.
	ErrKeyNotFound = fmt.Errorf("api key not found")
	ErrKeyRevoked  = fmt.Errorf("api key revoked")

	// Infrastructure errors.
	ErrConfigLoad = fmt.Errorf("failed to load configuration")
	ErrEncryption = fmt.Errorf("encryption operation failed")
	ErrDecryption = fmt.Errorf("decryption failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Registry.Admit")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether a caller may reasonably re-issue the
// command. A retried command is a new request; the correlator never revives a
// settled requestId.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrNoPeerConnected) ||
		errors.Is(err, ErrRequestTimeout) ||
		errors.Is(err, ErrRequestExpired) ||
		errors.Is(err, ErrPeerUnavailable) ||
		errors.Is(err, ErrUnavailable)
}

// ErrorCode is a machine-parseable error category carried in HTTP error bodies
// and used for monitoring.
type ErrorCode string

// Error codes. Every sentinel error maps to exactly one code.
const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeMissingIdentity    ErrorCode = "MISSING_IDENTITY"
	CodeInvalidCredential  ErrorCode = "INVALID_CREDENTIAL"
	CodeNoPeerConnected    ErrorCode = "NO_PEER_CONNECTED"
	CodeDeliveryFailure    ErrorCode = "DELIVERY_FAILURE"
	CodeRequestTimeout     ErrorCode = "REQUEST_TIMEOUT"
	CodeRequestExpired     ErrorCode = "REQUEST_EXPIRED"
	CodePeerUnavailable    ErrorCode = "PEER_UNAVAILABLE"
	CodePeerError          ErrorCode = "PEER_ERROR"
	CodeProtocolError      ErrorCode = "PROTOCOL_ERROR"
	CodeDuplicateRequest   ErrorCode = "DUPLICATE_REQUEST"
	CodeConnectionNotFound ErrorCode = "CONNECTION_NOT_FOUND"
	CodeKeyNotFound        ErrorCode = "KEY_NOT_FOUND"
	CodeKeyRevoked         ErrorCode = "KEY_REVOKED"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeEncryption         ErrorCode = "ENCRYPTION"
	CodeDecryption         ErrorCode = "DECRYPTION"

	// Category error codes used when no specific sentinel matches.
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeDuplicate    ErrorCode = "DUPLICATE"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
	CodeUnavailable  ErrorCode = "UNAVAILABLE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	// Category sentinels (fallback codes).
	ErrNotFound:     CodeNotFound,
	ErrDuplicate:    CodeDuplicate,
	ErrTimeout:      CodeTimeout,
	ErrUnauthorized: CodeUnauthorized,
	ErrInvalidInput: CodeInvalidInput,
	ErrUnavailable:  CodeUnavailable,

	ErrMissingIdentity:    CodeMissingIdentity,
	ErrInvalidCredential:  CodeInvalidCredential,
	ErrNoPeerConnected:    CodeNoPeerConnected,
	ErrDeliveryFailure:    CodeDeliveryFailure,
	ErrRequestTimeout:     CodeRequestTimeout,
	ErrRequestExpired:     CodeRequestExpired,
	ErrPeerUnavailable:    CodePeerUnavailable,
	ErrPeerError:          CodePeerError,
	ErrProtocolError:      CodeProtocolError,
	ErrDuplicateRequest:   CodeDuplicateRequest,
	ErrConnectionNotFound: CodeConnectionNotFound,
	ErrKeyNotFound:        CodeKeyNotFound,
	ErrKeyRevoked:         CodeKeyRevoked,
	ErrConfigLoad:         CodeConfigLoad,
	ErrEncryption:         CodeEncryption,
	ErrDecryption:         CodeDecryption,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	// Unwrap DomainError to check its inner sentinel.
	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	// Walk the error chain with errors.Is.
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
