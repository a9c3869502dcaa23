// Package apperr carries the runtime's tagged error-kind taxonomy and the tables that map each kind onto an HTTP
// status code or a QUIC close code.
package apperr

import "fmt"

// Kind is a stable tag identifying a class of failure. Kinds are propagated across goroutine and process boundaries
// instead of ad-hoc error strings so callers can branch on them with errors.As.
type Kind string

const (
	InvalidCredentials   Kind = "INVALID_CREDENTIALS"
	InvalidSession       Kind = "INVALID_SESSION"
	DuplicateLogin       Kind = "DUPLICATE_LOGIN"
	Unauthorized         Kind = "UNAUTHORIZED"
	RateLimitExceeded    Kind = "RATE_LIMIT_EXCEEDED"
	VersionMismatch      Kind = "VERSION_MISMATCH"
	Malformed            Kind = "MALFORMED"
	ChannelViolation     Kind = "CHANNEL_VIOLATION"
	Replay               Kind = "REPLAY"
	BackpressureOverflow Kind = "BACKPRESSURE_OVERFLOW"
	MapClosed            Kind = "MAP_CLOSED"
	TransferFailed       Kind = "TRANSFER_FAILED"
	AOIOverflow          Kind = "AOI_OVERFLOW"
	PersistenceDegraded  Kind = "PERSISTENCE_DEGRADED"
	StorageUnavailable   Kind = "STORAGE_UNAVAILABLE"
	Config               Kind = "CONFIG"
	Internal             Kind = "INTERNAL"
)

// Error wraps a Kind with a human-readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with the given kind and formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an existing error, preserving it as the Cause.
func Wrap(kind Kind, cause error) *Error {
	if cause == nil {
		return &Error{Kind: kind}
	}
	return &Error{Kind: kind, Message: cause.Error(), Cause: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, otherwise returns Internal.
func KindOf(err error) Kind {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind
	}
	return Internal
}

// asError is a tiny errors.As shim kept local to avoid importing errors in callers that only need KindOf.
func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// httpStatus maps each Kind to the HTTP status code the API layer responds with.
var httpStatus = map[Kind]int{
	InvalidCredentials:   401,
	InvalidSession:       401,
	Unauthorized:         401,
	DuplicateLogin:       409,
	RateLimitExceeded:    429,
	VersionMismatch:      400,
	Malformed:            400,
	ChannelViolation:     400,
	Replay:               400,
	BackpressureOverflow: 503,
	MapClosed:            503,
	TransferFailed:       409,
	AOIOverflow:          500,
	PersistenceDegraded:  503,
	StorageUnavailable:   503,
	Config:               500,
	Internal:             500,
}

// HTTPStatus returns the HTTP status code for a Kind, defaulting to 500 for unmapped or unknown kinds.
func HTTPStatus(k Kind) int {
	if s, ok := httpStatus[k]; ok {
		return s
	}
	return 500
}

// QUIC close codes in the 4000 application-reserved range.
const (
	CloseVersionMismatch      = 4000
	CloseMalformed            = 4001
	CloseChannelViolation     = 4002
	CloseReplay               = 4003
	CloseBackpressureOverflow = 4004
	CloseMapClosed            = 4005
	CloseInvalidSession       = 4006
	CloseInternal             = 4007
	CloseDuplicateLogin       = 4008
)

var closeCodes = map[Kind]int{
	VersionMismatch:      CloseVersionMismatch,
	Malformed:            CloseMalformed,
	ChannelViolation:     CloseChannelViolation,
	Replay:                CloseReplay,
	BackpressureOverflow: CloseBackpressureOverflow,
	MapClosed:            CloseMapClosed,
	InvalidSession:       CloseInvalidSession,
	Internal:             CloseInternal,
	DuplicateLogin:       CloseDuplicateLogin,
}

// CloseCode returns the QUIC application close code for a Kind, defaulting to CloseInternal.
func CloseCode(k Kind) int {
	if c, ok := closeCodes[k]; ok {
		return c
	}
	return CloseInternal
}
