package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/Mindburn-Labs/helm-pay/pkg/ledger"
)

// Administrative operations take effect for the next evaluation. They are
// assumed to be pre-authorized by the caller.

func (e *Engine) Pause(ctx context.Context) error {
	if err := e.policy.Pause(ctx); err != nil {
		return err
	}
	e.logger.WarnContext(ctx, "emergency pause engaged")
	e.admin(ctx, contracts.AuditPause, "", "", nil)
	return nil
}

func (e *Engine) Unpause(ctx context.Context) error {
	if err := e.policy.Unpause(ctx); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "emergency pause lifted")
	e.admin(ctx, contracts.AuditUnpause, "", "", nil)
	return nil
}

func (e *Engine) Blacklist(ctx context.Context, agent string) error {
	agent = contracts.NormalizeAddress(agent)
	if err := e.policy.Blacklist(ctx, agent); err != nil {
		return err
	}
	e.admin(ctx, contracts.AuditBlacklist, "", agent, nil)
	return nil
}

func (e *Engine) Unblacklist(ctx context.Context, agent string) error {
	agent = contracts.NormalizeAddress(agent)
	if err := e.policy.Unblacklist(ctx, agent); err != nil {
		return err
	}
	e.admin(ctx, contracts.AuditUnblacklist, "", agent, nil)
	return nil
}

// SetMaxPerCall sets the per-call ceiling for sessionID, or the global
// default when sessionID is empty.
func (e *Engine) SetMaxPerCall(ctx context.Context, sessionID string, max finance.Amount) error {
	if err := e.policy.SetMaxPerCall(ctx, sessionID, max); err != nil {
		return err
	}
	e.admin(ctx, contracts.AuditSetMaxPerCall, sessionID, "", map[string]string{"max_per_call": max.String()})
	return nil
}

// SetRateLimit sets the calls-per-window ceiling for sessionID, or the
// global default when sessionID is empty.
func (e *Engine) SetRateLimit(ctx context.Context, sessionID string, limit int) error {
	if err := e.policy.SetRateLimit(ctx, sessionID, limit); err != nil {
		return err
	}
	e.admin(ctx, contracts.AuditSetRateLimit, sessionID, "", map[string]string{"rate_limit": strconv.Itoa(limit)})
	return nil
}

func (e *Engine) admin(ctx context.Context, action contracts.AuditAction, sessionID, agent string, meta map[string]string) {
	e.trail.Emit(ctx, contracts.AuditEntry{
		Action:    action,
		SessionID: sessionID,
		Agent:     agent,
		Status:    contracts.AuditStatusSuccess,
		Metadata:  meta,
	})
}

// OpenSession creates a session on the ledger, optionally funds it, and
// seeds the mirror.
func (e *Engine) OpenSession(ctx context.Context, spec ledger.SessionSpec, initialDeposit finance.Amount) (*contracts.Session, error) {
	id, err := e.ledger.CreateSession(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	e.trail.Emit(ctx, contracts.AuditEntry{
		Action:    contracts.AuditSessionOpened,
		SessionID: id,
		Agent:     contracts.NormalizeAddress(spec.Owner),
		Amount:    spec.MaxSpend,
		Status:    contracts.AuditStatusSuccess,
		Metadata:  map[string]string{"duration": spec.Duration.String()},
	})
	if initialDeposit.IsPositive() {
		return e.Deposit(ctx, id, initialDeposit)
	}
	return e.SyncSession(ctx, id)
}

// Deposit funds a session and waits for confirmation. The ledger rejects
// deposits that would exceed the session's max spend.
func (e *Engine) Deposit(ctx context.Context, sessionID string, amount finance.Amount) (*contracts.Session, error) {
	if err := validate(sessionID, amount); err != nil {
		return nil, err
	}
	start := time.Now()
	err := e.moveFunds(ctx, func(ctx context.Context) (string, error) {
		return e.ledger.Deposit(ctx, sessionID, amount)
	})
	e.metrics.RecordLedgerCall(ctx, "deposit", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("deposit to session %s: %w", sessionID, err)
	}
	e.trail.Emit(ctx, contracts.AuditEntry{
		Action:    contracts.AuditDeposit,
		SessionID: sessionID,
		Amount:    amount,
		Status:    contracts.AuditStatusSuccess,
	})
	return e.SyncSession(ctx, sessionID)
}

// CloseSession refunds the unreleased remainder to the owner and
// deactivates the session.
func (e *Engine) CloseSession(ctx context.Context, sessionID string) (*contracts.Session, error) {
	if sessionID == "" {
		return nil, ErrEmptySession
	}
	before, err := e.ledger.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if before.Remaining().IsPositive() {
		start := time.Now()
		err := e.moveFunds(ctx, func(ctx context.Context) (string, error) {
			return e.ledger.Refund(ctx, sessionID)
		})
		e.metrics.RecordLedgerCall(ctx, "refund", time.Since(start), err)
		if err != nil {
			return nil, fmt.Errorf("refund session %s: %w", sessionID, err)
		}
	}
	if err := e.ledger.CloseSession(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("close session %s: %w", sessionID, err)
	}
	e.trail.Emit(ctx, contracts.AuditEntry{
		Action:    contracts.AuditSessionClosed,
		SessionID: sessionID,
		Amount:    before.Remaining(),
		Status:    contracts.AuditStatusSuccess,
		Metadata:  map[string]string{"refunded": before.Remaining().String()},
	})
	return e.SyncSession(ctx, sessionID)
}

func (e *Engine) AuthorizeAgent(ctx context.Context, sessionID, agent string) error {
	agent = contracts.NormalizeAddress(agent)
	if err := e.ledger.AuthorizeAgent(ctx, sessionID, agent); err != nil {
		return err
	}
	e.admin(ctx, contracts.AuditAgentAuthorized, sessionID, agent, nil)
	_, err := e.SyncSession(ctx, sessionID)
	return err
}

// RevokeAgent removes agent from the session. Payments already admitted
// for the agent still complete.
func (e *Engine) RevokeAgent(ctx context.Context, sessionID, agent string) error {
	agent = contracts.NormalizeAddress(agent)
	if err := e.ledger.RevokeAgent(ctx, sessionID, agent); err != nil {
		return err
	}
	e.admin(ctx, contracts.AuditAgentRevoked, sessionID, agent, nil)
	_, err := e.SyncSession(ctx, sessionID)
	return err
}

// SyncSession refreshes the mirror from the ledger of record.
func (e *Engine) SyncSession(ctx context.Context, sessionID string) (*contracts.Session, error) {
	var (
		sess *contracts.Session
		err  error
	)
	if doErr := e.do(ctx, sessionID, func(st *actorState) {
		sess, err = e.syncOnActor(ctx, st, sessionID)
	}); doErr != nil {
		return nil, doErr
	}
	return sess, err
}

// Session returns the mirrored session.
func (e *Engine) Session(ctx context.Context, sessionID string) (*contracts.Session, error) {
	return e.store.GetSession(ctx, sessionID)
}

func (e *Engine) moveFunds(ctx context.Context, call func(context.Context) (string, error)) error {
	lctx, cancel := context.WithTimeout(ctx, e.ledgerTimeout)
	defer cancel()
	ref, err := call(lctx)
	if err != nil {
		return err
	}
	return e.ledger.WaitConfirmed(lctx, ref)
}
