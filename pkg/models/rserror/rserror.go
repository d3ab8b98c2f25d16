package rserror

import (
	"errors"
	"fmt"
)

const (
	RS_UNEXPECTED            = "RSU"
	RS_CONFLICTING_OPERATION = "ConflictingOperation"
	RS_NO_SUCH_OPERATION     = "NoSuchOperation"
	RS_INVALID_REQUEST       = "InvalidRequest"
	RS_ILLEGAL_TRANSITION    = "IllegalTransition"
	RS_OPERATION_ABORTED     = "OperationAborted"
	RS_COMMIT_DECIDED        = "CommitDecided"
	RS_STALE_METADATA        = "StaleMetadata"
	RS_WRITES_BLOCKED        = "WritesBlocked"
	RS_KEY_COLLISION         = "KeyCollision"
	RS_RESOURCE_GONE         = "ResourceGone"
	RS_METADATA_CORRUPTION   = "MetadataCorruption"
	RS_CONNECTION_ERROR      = "ConnectionError"
	RS_TRANSIENT             = "Transient"
	RS_NOT_IMPLEMENTED       = "NotImplemented"

	RS_CRITICAL_SECTION_TIMEOUT = "CriticalSectionTimeout"
)

var existingErrorCodeMap = map[string]string{
	RS_CONFLICTING_OPERATION: "another migration-class operation targets the namespace",
	RS_NO_SUCH_OPERATION:     "no such resharding operation",
	RS_INVALID_REQUEST:       "invalid request",
	RS_ILLEGAL_TRANSITION:    "illegal state transition",
	RS_OPERATION_ABORTED:     "operation aborted",
	RS_COMMIT_DECIDED:        "commit already decided",
	RS_STALE_METADATA:        "stale ownership metadata",
	RS_WRITES_BLOCKED:        "writes blocked for cutover",
	RS_KEY_COLLISION:         "irreconcilable key collision",
	RS_RESOURCE_GONE:         "resource disappeared",
	RS_METADATA_CORRUPTION:   "metadata corruption",
	RS_CONNECTION_ERROR:      "connection error",
	RS_TRANSIENT:             "transient error",
	RS_NOT_IMPLEMENTED:       "not implemented",

	RS_CRITICAL_SECTION_TIMEOUT: "writes stayed blocked past the critical section timeout",
}

// Kind tells callers at an RPC boundary whether repeating the call can help.
type Kind int

const (
	Terminal = Kind(iota)
	Retryable
)

func (k Kind) String() string {
	switch k {
	case Terminal:
		return "terminal"
	case Retryable:
		return "retryable"
	default:
		return "unknown"
	}
}

func GetMessageByCode(errorCode string) string {
	rep, ok := existingErrorCodeMap[errorCode]
	if ok {
		return rep
	}
	return "unexpected error"
}

func IsKnownCode(errorCode string) bool {
	_, ok := existingErrorCodeMap[errorCode]
	return ok || errorCode == RS_UNEXPECTED
}

var _ error = &ReshardError{}

type ReshardError struct {
	Err error

	ErrorCode string
	Kind      Kind
}

// New creates a terminal error with the given code.
func New(errorCode string, msg string) *ReshardError {
	return &ReshardError{
		Err:       errors.New(msg),
		ErrorCode: errorCode,
		Kind:      Terminal,
	}
}

// Newf creates a terminal error with a formatted message.
func Newf(errorCode string, format string, a ...any) *ReshardError {
	return &ReshardError{
		Err:       fmt.Errorf(format, a...),
		ErrorCode: errorCode,
		Kind:      Terminal,
	}
}

// NewRetryable creates an error that callers are expected to retry locally.
func NewRetryable(errorCode string, format string, a ...any) *ReshardError {
	return &ReshardError{
		Err:       fmt.Errorf(format, a...),
		ErrorCode: errorCode,
		Kind:      Retryable,
	}
}

func (er *ReshardError) Error() string {
	return fmt.Sprintf("%s: %s", er.ErrorCode, er.Err)
}

func (er *ReshardError) Unwrap() error {
	return er.Err
}

// IsRetryable reports whether err carries the retryable classification.
func IsRetryable(err error) bool {
	var rerr *ReshardError
	if errors.As(err, &rerr) {
		return rerr.Kind == Retryable
	}
	return false
}

// IsTerminal reports whether err is a ReshardError that repeating the
// call cannot fix.
func IsTerminal(err error) bool {
	var rerr *ReshardError
	if errors.As(err, &rerr) {
		return rerr.Kind == Terminal
	}
	return false
}

// CodeOf extracts the error code, RS_UNEXPECTED for foreign errors.
func CodeOf(err error) string {
	var rerr *ReshardError
	if errors.As(err, &rerr) {
		return rerr.ErrorCode
	}
	return RS_UNEXPECTED
}

// HasCode reports whether err is a ReshardError with the given code.
func HasCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// Description returns the message part without the code prefix.
func Description(err error) string {
	var rerr *ReshardError
	if errors.As(err, &rerr) {
		return rerr.Err.Error()
	}
	return err.Error()
}
