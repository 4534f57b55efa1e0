package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/Mindburn-Labs/helm-pay/pkg/ledger"
	"github.com/Mindburn-Labs/helm-pay/pkg/nonce"
	"github.com/Mindburn-Labs/helm-pay/pkg/observability"
	"github.com/Mindburn-Labs/helm-pay/pkg/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Action is a unit of paid work run by ExecuteWithPayment.
type Action func(ctx context.Context) error

// ErrInFlight is returned by Reconcile while another attempt holds the ID.
var ErrInFlight = errors.New("session: execution id is in flight")

func validate(sessionID string, amount finance.Amount) error {
	if sessionID == "" {
		return ErrEmptySession
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

// ReleasePayment pays agent amount from the session, at most once per
// executionID.
//
// The ID is claimed in the nonce ledger first, then checked against durable
// release records and against the ledger of record (an earlier attempt may
// have landed without being confirmed, in which case it is adopted rather
// than paid again). The authorization checks then run with admission, the
// amount is reserved on the session actor, the ledger release is issued
// and confirmed, and only then is the ID consumed and the release recorded.
// A ledger failure leaves the ID retryable and marked uncertain.
func (e *Engine) ReleasePayment(ctx context.Context, sessionID, agent string, amount finance.Amount, executionID string) (*contracts.ReleaseResult, error) {
	ctx, span := observability.StartSpan(ctx, "session.ReleasePayment",
		attribute.String("session.id", sessionID),
		attribute.String("execution.id", executionID),
	)
	defer span.End()

	if err := validate(sessionID, amount); err != nil {
		return nil, err
	}
	res, err := e.pay(ctx, sessionID, contracts.NormalizeAddress(agent), amount, executionID, nil)
	if err != nil {
		span.RecordError(err)
	}
	return res, err
}

// ExecuteWithPayment runs action only after the authorization checks pass,
// holding the amount reserved while it runs, and releases payment only if
// action returns nil. A failing (or panicking) action moves no funds and
// leaves executionID retryable. An empty executionID gets a fresh one.
func (e *Engine) ExecuteWithPayment(ctx context.Context, sessionID, agent string, amount finance.Amount, executionID string, action Action) (*contracts.ReleaseResult, error) {
	if executionID == "" {
		executionID = uuid.NewString()
	}
	ctx, span := observability.StartSpan(ctx, "session.ExecuteWithPayment",
		attribute.String("session.id", sessionID),
		attribute.String("execution.id", executionID),
	)
	defer span.End()

	if action == nil {
		return nil, errors.New("session: nil action")
	}
	if err := validate(sessionID, amount); err != nil {
		return nil, err
	}
	res, err := e.pay(ctx, sessionID, contracts.NormalizeAddress(agent), amount, executionID, action)
	if err != nil {
		span.RecordError(err)
	}
	return res, err
}

func (e *Engine) pay(ctx context.Context, sessionID, agent string, amount finance.Amount, executionID string, action Action) (*contracts.ReleaseResult, error) {
	uncertain, err := e.nonces.Reserve(executionID)
	if errors.Is(err, nonce.ErrReplay) {
		return e.deny(ctx, sessionID, agent, amount, executionID, nil, contracts.ReasonReplayDetected, "execution id already processed", false), nil
	}
	if err != nil {
		return nil, err
	}

	// durable check for IDs older than the nonce window
	prior, err := e.store.GetRelease(ctx, executionID)
	switch {
	case err == nil && prior.Outcome == contracts.OutcomeSettled:
		e.nonces.Commit(executionID)
		return e.deny(ctx, sessionID, agent, amount, executionID, nil, contracts.ReasonReplayDetected, "execution id already settled", false), nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		e.nonces.Abort(executionID, false)
		return nil, fmt.Errorf("load release record: %w", err)
	}

	// pause, blacklist and the per-call limit apply before the ledger is
	// consulted, so a paused engine neither queries nor adopts
	gate := newChecker()
	if _, ok, err := e.policyChecks(ctx, gate, sessionID, agent, amount); err != nil || !ok {
		e.metrics.RecordDecision(ctx, false, gate.d.Reason)
		e.nonces.Abort(executionID, uncertain)
		if err != nil {
			return nil, err
		}
		return e.deny(ctx, sessionID, agent, amount, executionID, gate.d.Checks, gate.d.Reason, gate.d.Detail, true), nil
	}

	landed, found, err := e.ledger.FindRelease(ctx, executionID)
	if err != nil {
		// nothing was attempted, so this is a denial rather than a failed release
		e.nonces.Abort(executionID, uncertain)
		e.logger.WarnContext(ctx, "ledger lookup failed", "execution_id", executionID, "error", err)
		return e.deny(ctx, sessionID, agent, amount, executionID, gate.d.Checks, contracts.ReasonLedgerError,
			"ledger lookup failed: "+err.Error(), false), nil
	}
	if found {
		if landed.SessionID != sessionID || landed.Agent != agent || landed.Amount != amount {
			e.nonces.Commit(executionID)
			return e.deny(ctx, sessionID, agent, amount, executionID, nil, contracts.ReasonReplayDetected,
				"execution id already paid a different release", false), nil
		}
		return e.adopt(ctx, landed)
	}
	if uncertain {
		e.logger.InfoContext(ctx, "earlier attempt did not land, proceeding", "execution_id", executionID)
	}

	d, err := e.evaluate(ctx, sessionID, agent, amount, admitAndHold, executionID)
	e.metrics.RecordDecision(ctx, d.Allowed, d.Reason)
	if err != nil {
		e.nonces.Abort(executionID, false)
		return nil, err
	}
	if !d.Allowed {
		e.nonces.Abort(executionID, false)
		return e.deny(ctx, sessionID, agent, amount, executionID, d.Checks, d.Reason, d.Detail, true), nil
	}

	// from here the amount is reserved on the actor and must be settled or
	// cancelled even if the caller goes away
	bg := context.WithoutCancel(ctx)

	if action != nil {
		if err := runAction(ctx, action); err != nil {
			e.cancel(bg, sessionID, executionID)
			e.nonces.Abort(executionID, false)
			e.metrics.RecordRelease(ctx, false, contracts.ReasonExecutionFailed, amount)
			e.trail.Emit(bg, contracts.AuditEntry{
				Action:    contracts.AuditExecutionFailed,
				SessionID: sessionID,
				Agent:     agent,
				Amount:    amount,
				Status:    contracts.AuditStatusFailed,
				Reason:    contracts.ReasonExecutionFailed,
				Detail:    err.Error(),
				Metadata:  map[string]string{"execution_id": executionID},
			})
			return &contracts.ReleaseResult{
				Reason: contracts.ReasonExecutionFailed,
				Detail: err.Error(),
				Checks: d.Checks,
			}, nil
		}
	}

	txRef, err := e.callLedger(ctx, sessionID, agent, amount, executionID)
	if err != nil {
		e.cancel(bg, sessionID, executionID)
		e.nonces.Abort(executionID, true)
		return e.ledgerFailure(bg, sessionID, agent, amount, executionID, d.Checks, err), nil
	}

	e.nonces.Commit(executionID)
	var settleErr error
	if err := e.do(bg, sessionID, func(st *actorState) {
		settleErr = e.settleOnActor(bg, st, sessionID, executionID)
	}); err != nil {
		settleErr = err
	}
	if settleErr != nil {
		// funds moved; the mirror catches up on the next sync
		e.logger.ErrorContext(bg, "release confirmed but mirror not updated",
			"session_id", sessionID, "execution_id", executionID, "tx_ref", txRef, "error", settleErr)
	}

	rec := &contracts.ReleaseRecord{
		ExecutionID: executionID,
		SessionID:   sessionID,
		Agent:       agent,
		Amount:      amount,
		TxRef:       txRef,
		Timestamp:   e.clock().UTC(),
		Outcome:     contracts.OutcomeSettled,
	}
	e.putRecord(bg, rec)
	e.metrics.RecordRelease(ctx, true, contracts.ReasonNone, amount)
	e.trail.Emit(bg, contracts.AuditEntry{
		Action:    contracts.AuditRelease,
		SessionID: sessionID,
		Agent:     agent,
		Amount:    amount,
		Status:    contracts.AuditStatusSuccess,
		Metadata:  map[string]string{"execution_id": executionID, "tx_ref": txRef},
	})
	return &contracts.ReleaseResult{OK: true, TxRef: txRef, Record: rec, Checks: d.Checks}, nil
}

func runAction(ctx context.Context, action Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return action(ctx)
}

func (e *Engine) callLedger(ctx context.Context, sessionID, agent string, amount finance.Amount, executionID string) (string, error) {
	lctx, cancel := context.WithTimeout(ctx, e.ledgerTimeout)
	defer cancel()

	start := time.Now()
	txRef, err := e.ledger.Release(lctx, sessionID, agent, amount, executionID)
	if err == nil {
		err = e.ledger.WaitConfirmed(lctx, txRef)
	}
	e.metrics.RecordLedgerCall(ctx, "release", time.Since(start), err)
	return txRef, err
}

func (e *Engine) cancel(ctx context.Context, sessionID, executionID string) {
	err := e.do(ctx, sessionID, func(st *actorState) {
		e.cancelOnActor(ctx, st, sessionID, executionID)
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to cancel reservation", "session_id", sessionID, "execution_id", executionID, "error", err)
	}
}

// adopt records a release that reached the ledger in an earlier attempt
// without being confirmed to the caller. No funds move.
func (e *Engine) adopt(ctx context.Context, landed *ledger.Release) (*contracts.ReleaseResult, error) {
	id := landed.ExecutionID
	lctx, cancel := context.WithTimeout(ctx, e.ledgerTimeout)
	err := e.ledger.WaitConfirmed(lctx, landed.TxRef)
	cancel()
	if err != nil {
		e.nonces.Abort(id, true)
		return e.ledgerFailure(ctx, landed.SessionID, landed.Agent, landed.Amount, id, nil, err), nil
	}

	e.nonces.Commit(id)
	bg := context.WithoutCancel(ctx)
	var syncErr error
	if err := e.do(bg, landed.SessionID, func(st *actorState) {
		_, syncErr = e.syncOnActor(bg, st, landed.SessionID)
	}); err != nil {
		syncErr = err
	}
	if syncErr != nil {
		e.logger.ErrorContext(bg, "adopted release but mirror not updated", "session_id", landed.SessionID, "execution_id", id, "error", syncErr)
	}

	rec := &contracts.ReleaseRecord{
		ExecutionID: id,
		SessionID:   landed.SessionID,
		Agent:       landed.Agent,
		Amount:      landed.Amount,
		TxRef:       landed.TxRef,
		Timestamp:   landed.Timestamp,
		Outcome:     contracts.OutcomeSettled,
	}
	e.putRecord(bg, rec)
	e.metrics.RecordRelease(ctx, true, contracts.ReasonNone, landed.Amount)
	e.trail.Emit(bg, contracts.AuditEntry{
		Action:    contracts.AuditReleaseReconciled,
		SessionID: landed.SessionID,
		Agent:     landed.Agent,
		Amount:    landed.Amount,
		Status:    contracts.AuditStatusSuccess,
		Metadata:  map[string]string{"execution_id": id, "tx_ref": landed.TxRef},
	})
	e.logger.InfoContext(bg, "release reconciled from ledger", "execution_id", id, "tx_ref", landed.TxRef)
	return &contracts.ReleaseResult{OK: true, TxRef: landed.TxRef, Record: rec, Reconciled: true}, nil
}

// Reconcile resolves an execution ID whose outcome is unknown by querying
// the ledger of record. A release that landed is adopted; if none landed
// the ID is cleared for a normal retry and a non-OK result is returned.
func (e *Engine) Reconcile(ctx context.Context, executionID string) (*contracts.ReleaseResult, error) {
	ctx, span := observability.StartSpan(ctx, "session.Reconcile", attribute.String("execution.id", executionID))
	defer span.End()

	if _, err := e.nonces.Reserve(executionID); err != nil {
		if !errors.Is(err, nonce.ErrReplay) {
			return nil, err
		}
		rec, getErr := e.store.GetRelease(ctx, executionID)
		if getErr == nil && rec.Outcome == contracts.OutcomeSettled {
			return &contracts.ReleaseResult{OK: true, TxRef: rec.TxRef, Record: rec}, nil
		}
		return nil, ErrInFlight
	}

	rec, err := e.store.GetRelease(ctx, executionID)
	if err == nil && rec.Outcome == contracts.OutcomeSettled {
		e.nonces.Commit(executionID)
		return &contracts.ReleaseResult{OK: true, TxRef: rec.TxRef, Record: rec}, nil
	}

	landed, found, err := e.ledger.FindRelease(ctx, executionID)
	if err != nil {
		e.nonces.Abort(executionID, false)
		return nil, fmt.Errorf("query ledger by execution id: %w", err)
	}
	if !found {
		e.nonces.Resolve(executionID)
		return &contracts.ReleaseResult{Detail: "no release with this execution id reached the ledger"}, nil
	}
	return e.adopt(ctx, landed)
}

// deny builds a denial result, audits it and, when record is set, stores a
// rejected release record for the execution ID.
func (e *Engine) deny(ctx context.Context, sessionID, agent string, amount finance.Amount, executionID string,
	checks map[contracts.Check]bool, reason contracts.Reason, detail string, record bool) *contracts.ReleaseResult {

	res := &contracts.ReleaseResult{Reason: reason, Detail: detail, Checks: checks}
	if record {
		rec := &contracts.ReleaseRecord{
			ExecutionID: executionID,
			SessionID:   sessionID,
			Agent:       agent,
			Amount:      amount,
			Timestamp:   e.clock().UTC(),
			Outcome:     contracts.OutcomeRejected,
			Reason:      reason,
		}
		e.putRecord(ctx, rec)
		res.Record = rec
	}
	e.metrics.RecordRelease(ctx, false, reason, amount)
	e.trail.Emit(ctx, contracts.AuditEntry{
		Action:    contracts.AuditReleaseDenied,
		SessionID: sessionID,
		Agent:     agent,
		Amount:    amount,
		Status:    contracts.AuditStatusDenied,
		Reason:    reason,
		Detail:    detail,
		Metadata:  map[string]string{"execution_id": executionID},
	})
	return res
}

func (e *Engine) ledgerFailure(ctx context.Context, sessionID, agent string, amount finance.Amount, executionID string,
	checks map[contracts.Check]bool, cause error) *contracts.ReleaseResult {

	e.logger.WarnContext(ctx, "ledger release failed",
		"session_id", sessionID, "execution_id", executionID, "error", cause)
	rec := &contracts.ReleaseRecord{
		ExecutionID: executionID,
		SessionID:   sessionID,
		Agent:       agent,
		Amount:      amount,
		Timestamp:   e.clock().UTC(),
		Outcome:     contracts.OutcomeRejected,
		Reason:      contracts.ReasonLedgerError,
	}
	e.putRecord(ctx, rec)
	e.metrics.RecordRelease(ctx, false, contracts.ReasonLedgerError, amount)
	e.trail.Emit(ctx, contracts.AuditEntry{
		Action:    contracts.AuditReleaseFailed,
		SessionID: sessionID,
		Agent:     agent,
		Amount:    amount,
		Status:    contracts.AuditStatusFailed,
		Reason:    contracts.ReasonLedgerError,
		Detail:    cause.Error(),
		Metadata:  map[string]string{"execution_id": executionID},
	})
	return &contracts.ReleaseResult{
		Reason: contracts.ReasonLedgerError,
		Detail: cause.Error(),
		Checks: checks,
		Record: rec,
	}
}

func (e *Engine) putRecord(ctx context.Context, rec *contracts.ReleaseRecord) {
	err := e.store.PutRelease(ctx, rec)
	if err == nil {
		return
	}
	if errors.Is(err, store.ErrConflict) {
		// a settled record for this ID already exists
		e.logger.DebugContext(ctx, "release record not overwritten", "execution_id", rec.ExecutionID)
		return
	}
	e.logger.WarnContext(ctx, "release record write failed", "execution_id", rec.ExecutionID, "error", err)
}

// Releases lists the release records of a session.
func (e *Engine) Releases(ctx context.Context, sessionID string) ([]*contracts.ReleaseRecord, error) {
	return e.store.ListReleases(ctx, sessionID)
}

// ReleaseRecord returns the stored release record for executionID.
func (e *Engine) ReleaseRecord(ctx context.Context, executionID string) (*contracts.ReleaseRecord, error) {
	return e.store.GetRelease(ctx, executionID)
}
