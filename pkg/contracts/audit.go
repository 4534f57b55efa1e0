package contracts

import (
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
)

// AuditAction names the kind of audited event.
type AuditAction string

const (
	AuditRelease           AuditAction = "RELEASE"
	AuditReleaseDenied     AuditAction = "RELEASE_DENIED"
	AuditReleaseFailed     AuditAction = "RELEASE_FAILED"
	AuditReleaseReconciled AuditAction = "RELEASE_RECONCILED"
	AuditExecutionFailed   AuditAction = "EXECUTION_FAILED"
	AuditTransition        AuditAction = "TRANSITION"
	AuditTransitionDenied  AuditAction = "TRANSITION_DENIED"
	AuditProcessCreated    AuditAction = "PROCESS_CREATED"
	AuditPause             AuditAction = "PAUSE"
	AuditUnpause           AuditAction = "UNPAUSE"
	AuditBlacklist         AuditAction = "BLACKLIST"
	AuditUnblacklist       AuditAction = "UNBLACKLIST"
	AuditSetMaxPerCall     AuditAction = "SET_MAX_PER_CALL"
	AuditSetRateLimit      AuditAction = "SET_RATE_LIMIT"
	AuditSessionOpened     AuditAction = "SESSION_OPENED"
	AuditDeposit           AuditAction = "DEPOSIT"
	AuditSessionClosed     AuditAction = "SESSION_CLOSED"
	AuditAgentAuthorized   AuditAction = "AGENT_AUTHORIZED"
	AuditAgentRevoked      AuditAction = "AGENT_REVOKED"
)

// AuditStatus is the outcome recorded with an audit entry.
type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusDenied  AuditStatus = "denied"
	AuditStatusFailed  AuditStatus = "failed"
)

// AuditEntry is one append-only audit log row.
type AuditEntry struct {
	ID        string            `json:"id"`
	Action    AuditAction       `json:"action"`
	SessionID string            `json:"session_id,omitempty"`
	ProcessID string            `json:"process_id,omitempty"`
	Agent     string            `json:"agent,omitempty"`
	Amount    finance.Amount    `json:"amount"`
	Status    AuditStatus       `json:"status"`
	Reason    Reason            `json:"reason,omitempty"`
	Detail    string            `json:"detail,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AuditFilter selects audit entries. Zero fields match everything.
type AuditFilter struct {
	SessionID string
	ProcessID string
	Action    AuditAction
	Limit     int
}

// Matches reports whether e satisfies the filter (ignoring Limit).
func (f AuditFilter) Matches(e *AuditEntry) bool {
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.ProcessID != "" && e.ProcessID != f.ProcessID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	return true
}
