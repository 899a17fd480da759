package armor

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes the expected failure modes of the public API.
// Callers branch on the code, never on message text.
type ErrorCode string

const (
	// CodeKeyNotFound indicates the requested key id has no record in the
	// key store. The record may never have existed or may have been
	// destroyed after its retention elapsed.
	CodeKeyNotFound ErrorCode = "key_not_found"

	// CodeKeyInvalid indicates a key exists but cannot serve the requested
	// operation: it is missing for a direct encrypt/decrypt call, not
	// Active for encryption, expired, or destroyed.
	CodeKeyInvalid ErrorCode = "key_invalid"

	// CodeNoSuitableKey indicates key selection found no Active key
	// satisfying the encryption context's compliance, geographic and
	// classification constraints.
	CodeNoSuitableKey ErrorCode = "no_suitable_key"

	// CodeInvalidEnvelope indicates ciphertext that does not parse as an
	// envelope. Unlike a missing key, this is not recoverable.
	CodeInvalidEnvelope ErrorCode = "invalid_envelope"

	// CodeUnsupportedAlgorithm indicates an algorithm tag with no
	// registered cipher or hasher.
	CodeUnsupportedAlgorithm ErrorCode = "unsupported_algorithm"

	// CodeInvalidKeySize indicates a key creation request with a size the
	// cipher suite does not support.
	CodeInvalidKeySize ErrorCode = "invalid_key_size"

	// CodeAlreadyRotated indicates a rotation request against a key that
	// already produced a successor that can no longer be determined.
	CodeAlreadyRotated ErrorCode = "already_rotated"

	// CodeOperationFailed is the generic category for unexpected internal
	// faults. The full cause is written to the audit log; the surfaced
	// message is redacted.
	CodeOperationFailed ErrorCode = "operation_failed"
)

// Error is the categorized error returned by all public operations.
type Error struct {
	Code    ErrorCode
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is makes errors.Is match on the category alone, so callers can compare
// against a bare &Error{Code: ...}.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

func newError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// operationFailed wraps an unexpected internal fault. The cause stays
// attached for internal logging via Unwrap but the message callers see
// names only the operation, never the internals.
func operationFailed(operation string, cause error) *Error {
	return &Error{
		Code:    CodeOperationFailed,
		Message: fmt.Sprintf("%s failed", operation),
		cause:   cause,
	}
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}
