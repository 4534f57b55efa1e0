package contracts

import (
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
)

// Check names one step of the authorization sequence.
type Check string

const (
	CheckNotPaused         Check = "not_paused"
	CheckNotBlacklisted    Check = "not_blacklisted"
	CheckWithinCallLimit   Check = "within_call_limit"
	CheckRateLimit         Check = "rate_limit"
	CheckSessionActive     Check = "session_active"
	CheckNotExpired        Check = "not_expired"
	CheckAgentAuthorized   Check = "agent_authorized"
	CheckSufficientBalance Check = "sufficient_balance"
)

// CheckOrder is the fixed evaluation order. Evaluation stops at the first
// failing check, so the caller always learns the first blocking reason.
var CheckOrder = []Check{
	CheckNotPaused,
	CheckNotBlacklisted,
	CheckWithinCallLimit,
	CheckRateLimit,
	CheckSessionActive,
	CheckNotExpired,
	CheckAgentAuthorized,
	CheckSufficientBalance,
}

// Decision is the answer to "can agent A spend amount X from session S now?".
type Decision struct {
	Allowed   bool           `json:"allowed"`
	Reason    Reason         `json:"reason,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	Checks    map[Check]bool `json:"checks"`
	Remaining finance.Amount `json:"remaining"`
}

// ReleaseOutcome is the terminal state of a release attempt.
type ReleaseOutcome string

const (
	OutcomeSettled  ReleaseOutcome = "SETTLED"
	OutcomeRejected ReleaseOutcome = "REJECTED"
)

// ReleaseRecord is one unit of payment from a session to an agent. It is
// written exactly once per accepted execution ID and never modified.
type ReleaseRecord struct {
	ExecutionID string         `json:"execution_id"`
	SessionID   string         `json:"session_id"`
	Agent       string         `json:"agent"`
	Amount      finance.Amount `json:"amount"`
	TxRef       string         `json:"tx_ref,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Outcome     ReleaseOutcome `json:"outcome"`
	Reason      Reason         `json:"reason,omitempty"`
}

// ReleaseResult is returned by every payment path.
type ReleaseResult struct {
	OK         bool           `json:"ok"`
	Reason     Reason         `json:"reason,omitempty"`
	Detail     string         `json:"detail,omitempty"`
	TxRef      string         `json:"tx_ref,omitempty"`
	Record     *ReleaseRecord `json:"record,omitempty"`
	Checks     map[Check]bool `json:"checks,omitempty"`
	Reconciled bool           `json:"reconciled,omitempty"`
}

// Err returns nil on success, otherwise a DenialError.
func (r *ReleaseResult) Err() error {
	if r == nil || r.OK {
		return nil
	}
	return &DenialError{Reason: r.Reason, Detail: r.Detail}
}
