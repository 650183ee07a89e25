// Package attendance ties the biometric core together: it builds a session
// gallery from reference images or the vault, runs the acquisition loop,
// records attendance and keeps the audit trail.
package attendance

import "fmt"

// ErrorCode identifies a class of attendance failure.
type ErrorCode string

const (
	ErrCodeNoReferences  ErrorCode = "NO_REFERENCES"
	ErrCodeCamera        ErrorCode = "CAMERA_ERROR"
	ErrCodeCaptureEnded  ErrorCode = "CAPTURE_ENDED"
	ErrCodeStore         ErrorCode = "STORE_ERROR"
	ErrCodeConsentDenied ErrorCode = "CONSENT_DENIED"
	ErrCodeIntegrity     ErrorCode = "INTEGRITY_ERROR"
)

// Error is a structured attendance error.
type Error struct {
	Code    ErrorCode
	Message string
	Retry   bool
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

var errorMessages = map[ErrorCode]string{
	ErrCodeNoReferences:  "No usable reference templates for this class",
	ErrCodeCamera:        "Camera error. Please check your camera connection",
	ErrCodeCaptureEnded:  "The camera stopped delivering frames",
	ErrCodeStore:         "The record store could not be updated",
	ErrCodeConsentDenied: "No valid consent for facial recognition",
	ErrCodeIntegrity:     "A stored template failed its integrity check",
}

// GetErrorMessage returns a user-friendly message for an error code.
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return "Attendance failed"
}

// NewError creates an Error for code wrapping err.
func NewError(code ErrorCode, retry bool, err error) *Error {
	return &Error{
		Code:    code,
		Message: GetErrorMessage(code),
		Retry:   retry,
		Err:     err,
	}
}
