// Package store persists the session mirror, release records, process
// instances with their transition log, and the audit log.
//
// Two implementations are provided: Memory for tests and single-node demos,
// and SQL for Postgres (lib/pq) or SQLite (modernc.org/sqlite). Both support
// the conditional updates the engine relies on to serialize accounting.
package store

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/helm-pay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

// SessionStore holds the session mirror.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*contracts.Session, error)
	// PutSession upserts the mirror from the ledger of record. The released
	// total never decreases. The session must satisfy Validate, and an
	// existing row with the same ID but a different owner or expiry is a
	// different session: the write fails with ErrConflict.
	PutSession(ctx context.Context, s *contracts.Session) error
	// CompareAndSetReleased moves released from expected to next. It fails
	// with ErrConflict if released changed underneath or next would exceed
	// deposited.
	CompareAndSetReleased(ctx context.Context, id string, expected, next finance.Amount) error
}

// ReleaseStore holds release records keyed by execution ID. A settled
// record is never overwritten; a rejected one may be replaced by a later
// attempt with the same ID.
type ReleaseStore interface {
	PutRelease(ctx context.Context, r *contracts.ReleaseRecord) error
	GetRelease(ctx context.Context, executionID string) (*contracts.ReleaseRecord, error)
	ListReleases(ctx context.Context, sessionID string) ([]*contracts.ReleaseRecord, error)
}

// ProcessStore holds process instances and their transition log.
type ProcessStore interface {
	CreateProcess(ctx context.Context, p *contracts.ProcessInstance) error
	GetProcess(ctx context.Context, id string) (*contracts.ProcessInstance, error)
	// CommitTransition atomically stores p (whose Version must be
	// expectedVersion+1) and appends rec. ErrConflict if the stored
	// version is not expectedVersion.
	CommitTransition(ctx context.Context, p *contracts.ProcessInstance, expectedVersion int64, rec *contracts.TransitionRecord) error
	ListTransitions(ctx context.Context, processID string) ([]*contracts.TransitionRecord, error)
}

// AuditStore is the append-only audit log.
type AuditStore interface {
	AppendAudit(ctx context.Context, e *contracts.AuditEntry) error
	// QueryAudit returns matching entries in chronological order. A
	// positive Limit keeps only the most recent entries.
	QueryAudit(ctx context.Context, f contracts.AuditFilter) ([]*contracts.AuditEntry, error)
}

// Store bundles all persistence concerns.
type Store interface {
	SessionStore
	ReleaseStore
	ProcessStore
	AuditStore
	Close() error
}

// sameIdentity reports whether two mirrors describe the same ledger session.
func sameIdentity(a, b *contracts.Session) bool {
	return a.Owner == b.Owner && a.Expiry.Equal(b.Expiry)
}
