package domain

import "fmt"

// Stable internal error codes. User-visible text is localizable elsewhere;
// these codes are the contract for logs and telemetry.
const (
	CodeInvalidInput     = "E_INVALID_INPUT"
	CodeStorageWrite     = "E_STORAGE_WRITE"
	CodeStorageRead      = "E_STORAGE_READ"
	CodeLeaseHeld        = "E_LEASE_HELD"
	CodeTransportTimeout = "E_TRANSPORT_TIMEOUT"
	CodeTransportSend    = "E_TRANSPORT_SEND"
	CodeRateRejectPrefix = "E_RATE_REJECT_PREFIX"
	CodeComplianceSkip   = "E_COMPLIANCE_SKIP"
	CodePanic            = "E_PANIC"
)

// Error is a typed error carrying a stable code alongside its message.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewError builds a typed error with a stable code.
func NewError(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf extracts the stable code from an error, or empty string.
func CodeOf(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
