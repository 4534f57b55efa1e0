package contracts

import (
	"errors"
	"fmt"
)

// Reason is the machine-readable cause of a denial or failure. Denials are
// returned as values; they never cross the authorization boundary as panics
// or opaque errors.
type Reason string

const (
	ReasonNone                      Reason = ""
	ReasonPaused                    Reason = "PAUSED"
	ReasonBlacklisted               Reason = "BLACKLISTED"
	ReasonOverCallLimit             Reason = "OVER_CALL_LIMIT"
	ReasonRateLimited               Reason = "RATE_LIMITED"
	ReasonSessionNotFound           Reason = "SESSION_NOT_FOUND"
	ReasonSessionInactive           Reason = "SESSION_INACTIVE"
	ReasonSessionExpired            Reason = "SESSION_EXPIRED"
	ReasonNotAuthorizedAgent        Reason = "NOT_AUTHORIZED_AGENT"
	ReasonInsufficientBalance       Reason = "INSUFFICIENT_BALANCE"
	ReasonReplayDetected            Reason = "REPLAY_DETECTED"
	ReasonProcessNotFound           Reason = "PROCESS_NOT_FOUND"
	ReasonInvalidTransition         Reason = "INVALID_TRANSITION"
	ReasonInvalidRole               Reason = "INVALID_ROLE"
	ReasonInsufficientSessionBudget Reason = "INSUFFICIENT_SESSION_BUDGET"
	ReasonLedgerError               Reason = "LEDGER_ERROR"
	ReasonExecutionFailed           Reason = "EXECUTION_FAILED"
)

// Retryable reports whether the same request may succeed later unchanged.
// Ledger errors must be retried with the same execution ID.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonLedgerError, ReasonRateLimited, ReasonPaused:
		return true
	}
	return false
}

// DenialError adapts a Reason to the error interface for callers that
// prefer error handling over inspecting result structs.
type DenialError struct {
	Reason Reason
	Detail string
}

func (e *DenialError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Deny builds a DenialError.
func Deny(reason Reason, format string, args ...any) *DenialError {
	return &DenialError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the Reason from err, if it wraps a DenialError.
func ReasonOf(err error) (Reason, bool) {
	var de *DenialError
	if errors.As(err, &de) {
		return de.Reason, true
	}
	return ReasonNone, false
}
