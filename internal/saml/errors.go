package saml

import "fmt"

// ReasonCode is the stable, machine-readable identifier attached to every
// assertion rejection. Codes are part of the service's logging and audit
// contract and must not be renamed.
type ReasonCode string

const (
	ReasonMalformedAssertion   ReasonCode = "MalformedAssertion"
	ReasonInvalidSignature     ReasonCode = "InvalidSignature"
	ReasonUntrustedIssuer      ReasonCode = "UntrustedIssuer"
	ReasonAudienceMismatch     ReasonCode = "AudienceMismatch"
	ReasonAssertionExpired     ReasonCode = "AssertionExpired"
	ReasonAssertionNotYetValid ReasonCode = "AssertionNotYetValid"
	ReasonReplayDetected       ReasonCode = "ReplayDetected"
)

// ValidationError is an assertion rejection with a stable code and a
// human-readable detail. The detail is for server-side logs only and is
// never shown to the browser.
type ValidationError struct {
	Code    ReasonCode
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Reason returns the stable code. Callers extract it through
// errors.As against interface{ Reason() string }.
func (e *ValidationError) Reason() string {
	return string(e.Code)
}

func validationErrorf(code ReasonCode, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}
