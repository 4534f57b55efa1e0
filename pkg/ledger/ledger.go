// Package ledger defines the ledger-of-record collaborator that holds
// session funds, and an in-memory hash-chained implementation.
//
// Every fund-moving call returns a transaction reference that must be
// confirmed with WaitConfirmed before the movement is treated as settled.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
)

var (
	ErrUnknownSession     = errors.New("ledger: unknown session")
	ErrSessionInactive    = errors.New("ledger: session inactive")
	ErrSessionExpired     = errors.New("ledger: session expired")
	ErrNotAuthorized      = errors.New("ledger: agent not authorized")
	ErrInsufficientFunds  = errors.New("ledger: insufficient funds")
	ErrExceedsMaxSpend    = errors.New("ledger: deposit exceeds max spend")
	ErrDuplicateExecution = errors.New("ledger: execution id already released")
	ErrUnknownTx          = errors.New("ledger: unknown transaction")
	ErrNotConfirmed       = errors.New("ledger: confirmation not received")
	ErrInvalidRequest     = errors.New("ledger: invalid request")
)

// SessionSpec describes a session to open.
type SessionSpec struct {
	Owner       string
	EscrowAgent string
	MaxSpend    finance.Amount
	Duration    time.Duration
	Agents      []string
}

// Release is a release as recorded on the ledger of record.
type Release struct {
	TxRef       string         `json:"tx_ref"`
	SessionID   string         `json:"session_id"`
	Agent       string         `json:"agent"`
	Amount      finance.Amount `json:"amount"`
	ExecutionID string         `json:"execution_id"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Ledger is the ledger of record. Implementations must be safe for
// concurrent use.
type Ledger interface {
	CreateSession(ctx context.Context, spec SessionSpec) (string, error)
	Deposit(ctx context.Context, sessionID string, amount finance.Amount) (string, error)
	Release(ctx context.Context, sessionID, agent string, amount finance.Amount, executionID string) (string, error)
	Refund(ctx context.Context, sessionID string) (string, error)
	CloseSession(ctx context.Context, sessionID string) error
	AuthorizeAgent(ctx context.Context, sessionID, agent string) error
	RevokeAgent(ctx context.Context, sessionID, agent string) error

	GetSession(ctx context.Context, sessionID string) (*contracts.Session, error)
	IsAgentAuthorized(ctx context.Context, sessionID, agent string) (bool, error)
	GetAgentSpend(ctx context.Context, sessionID, agent string) (finance.Amount, error)

	// WaitConfirmed blocks until txRef is final or ctx is done.
	WaitConfirmed(ctx context.Context, txRef string) error
	// FindRelease looks up a release by execution ID. ok is false when no
	// release with that ID landed.
	FindRelease(ctx context.Context, executionID string) (rel *Release, ok bool, err error)
}
