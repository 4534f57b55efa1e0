package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/audit"
	"github.com/Mindburn-Labs/helm-pay/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-pay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/Mindburn-Labs/helm-pay/pkg/observability"
	"github.com/Mindburn-Labs/helm-pay/pkg/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Payer is the part of the session engine the machine charges through.
type Payer interface {
	Paused(ctx context.Context) (bool, error)
	ReleasePayment(ctx context.Context, sessionID, agent string, amount finance.Amount, executionID string) (*contracts.ReleaseResult, error)
	ReleaseRecord(ctx context.Context, executionID string) (*contracts.ReleaseRecord, error)
}

// Request asks for one transition of a process.
type Request struct {
	ProcessID string
	To        contracts.State
	Agent     string
	Role      contracts.Role
	SessionID string
	Proof     []byte
}

// Machine drives process instances through a Graph. Transitions of one
// process are serialized; different processes proceed in parallel.
type Machine struct {
	graph   *Graph
	store   store.ProcessStore
	payer   Payer
	trail   *audit.Trail
	metrics *observability.Metrics
	logger  *slog.Logger
	clock   func() time.Time

	mu    sync.Mutex
	locks map[string]*procLock
}

type procLock struct {
	mu   sync.Mutex
	refs int
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the clock used for process and transition timestamps.
func WithClock(clock func() time.Time) Option {
	return func(m *Machine) { m.clock = clock }
}

// WithLogger sets the machine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) { m.logger = logger }
}

// WithAudit sets the trail that receives transition entries.
func WithAudit(t *audit.Trail) Option {
	return func(m *Machine) { m.trail = t }
}

// WithMetrics sets the transition counters. Nil disables them.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Machine) { m.metrics = metrics }
}

// NewMachine creates a machine over graph g.
func NewMachine(g *Graph, s store.ProcessStore, payer Payer, opts ...Option) *Machine {
	m := &Machine{
		graph: g,
		store: s,
		payer: payer,
		clock: time.Now,
		locks: make(map[string]*procLock),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "process")
	return m
}

// Graph returns the transition graph.
func (m *Machine) Graph() *Graph { return m.graph }

// CreateProcess starts a new instance in CREATED.
func (m *Machine) CreateProcess(ctx context.Context, metadata map[string]string) (*contracts.ProcessInstance, error) {
	now := m.clock().UTC()
	p := &contracts.ProcessInstance{
		ID:           uuid.NewString(),
		CurrentState: contracts.StateCreated,
		Metadata:     metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.CreateProcess(ctx, p); err != nil {
		return nil, fmt.Errorf("create process: %w", err)
	}
	m.trail.Emit(ctx, contracts.AuditEntry{
		Action:    contracts.AuditProcessCreated,
		ProcessID: p.ID,
		Status:    contracts.AuditStatusSuccess,
		Metadata:  metadata,
	})
	return p.Clone(), nil
}

// Get loads a process instance.
func (m *Machine) Get(ctx context.Context, id string) (*contracts.ProcessInstance, error) {
	return m.store.GetProcess(ctx, id)
}

// History lists the accepted transitions of a process, oldest first.
func (m *Machine) History(ctx context.Context, id string) ([]*contracts.TransitionRecord, error) {
	return m.store.ListTransitions(ctx, id)
}

// ExpectedFee recomputes what a process should have cost so far.
func (m *Machine) ExpectedFee(ctx context.Context, id string) (finance.Amount, error) {
	recs, err := m.store.ListTransitions(ctx, id)
	if err != nil {
		return 0, err
	}
	return m.graph.ExpectedFee(recs)
}

// Transition moves a process along one edge. The checks run in order:
// pause, process exists, edge is legal, role matches, fee is paid. A
// denial at any step leaves the process and the session untouched.
func (m *Machine) Transition(ctx context.Context, req Request) (*contracts.TransitionResult, error) {
	ctx, span := observability.StartSpan(ctx, "process.Transition",
		attribute.String("process.id", req.ProcessID),
		attribute.String("process.to", string(req.To)),
	)
	defer span.End()

	req.Agent = contracts.NormalizeAddress(req.Agent)

	paused, err := m.payer.Paused(ctx)
	if err != nil {
		return nil, fmt.Errorf("read pause flag: %w", err)
	}
	if paused {
		return m.deny(ctx, req, "", contracts.ReasonPaused, "emergency pause engaged"), nil
	}

	unlock := m.lock(req.ProcessID)
	defer unlock()

	p, err := m.store.GetProcess(ctx, req.ProcessID)
	if errors.Is(err, store.ErrNotFound) {
		return m.deny(ctx, req, "", contracts.ReasonProcessNotFound, fmt.Sprintf("process %s not found", req.ProcessID)), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load process: %w", err)
	}
	from := p.CurrentState

	edge, ok := m.graph.Edge(from, req.To)
	if !ok {
		return m.deny(ctx, req, from, contracts.ReasonInvalidTransition, fmt.Sprintf("%s cannot move to %s", from, req.To)), nil
	}
	if edge.Role != contracts.RoleNone && edge.Role != req.Role {
		return m.deny(ctx, req, from, contracts.ReasonInvalidRole,
			fmt.Sprintf("%s->%s requires %s, got %q", from, req.To, edge.Role, req.Role)), nil
	}

	var paymentRef, txRef string
	if edge.Cost.IsPositive() {
		paymentRef = PaymentID(p.ID, from, req.To, p.Version)
		res, err := m.payer.ReleasePayment(ctx, req.SessionID, req.Agent, edge.Cost, paymentRef)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("charge transition: %w", err)
		}
		if !res.OK && res.Reason == contracts.ReasonReplayDetected {
			// a previous attempt paid but did not commit
			res = m.paidEarlier(ctx, req, edge, paymentRef, res)
		}
		if !res.OK {
			return m.deny(ctx, req, from, res.Reason, res.Detail), nil
		}
		txRef = res.TxRef
	}

	now := m.clock().UTC()
	rec := &contracts.TransitionRecord{
		ProcessID:  p.ID,
		Sequence:   p.Version + 1,
		From:       from,
		To:         req.To,
		Agent:      req.Agent,
		Role:       edge.Role,
		Cost:       edge.Cost,
		PaymentRef: paymentRef,
		TxRef:      txRef,
		Proof:      req.Proof,
		Timestamp:  now,
	}
	if edge.Cost.IsPositive() {
		rec.SessionID = req.SessionID
	}
	if rec.ProofDigest, err = proofDigest(rec); err != nil {
		return nil, err
	}

	next := p.Clone()
	next.PreviousState = from
	next.CurrentState = req.To
	next.Version = p.Version + 1
	next.UpdatedAt = now
	if err := m.store.CommitTransition(ctx, next, p.Version, rec); err != nil {
		m.logger.ErrorContext(ctx, "transition paid but not committed",
			"process_id", p.ID, "from", from, "to", req.To, "payment_ref", paymentRef, "error", err)
		return nil, fmt.Errorf("commit transition: %w", err)
	}

	m.metrics.RecordTransition(ctx, from, req.To, true, contracts.ReasonNone)
	m.trail.Emit(ctx, contracts.AuditEntry{
		Action:    contracts.AuditTransition,
		ProcessID: p.ID,
		SessionID: rec.SessionID,
		Agent:     req.Agent,
		Amount:    edge.Cost,
		Status:    contracts.AuditStatusSuccess,
		Metadata: map[string]string{
			"from":        string(from),
			"to":          string(req.To),
			"payment_ref": paymentRef,
		},
	})
	return &contracts.TransitionResult{
		OK:            true,
		State:         req.To,
		PreviousState: from,
		PaymentRef:    paymentRef,
		TxRef:         txRef,
		Record:        rec,
	}, nil
}

// PaymentID derives the execution ID that pays for one transition. It is
// stable across retries of the same transition from the same version.
func PaymentID(processID string, from, to contracts.State, version int64) string {
	return fmt.Sprintf("%s/%s->%s/%d", processID, from, to, version)
}

// paidEarlier turns a replay denial into success when the settled release
// under paymentRef is exactly this transition's fee.
func (m *Machine) paidEarlier(ctx context.Context, req Request, edge Edge, paymentRef string, denied *contracts.ReleaseResult) *contracts.ReleaseResult {
	rec, err := m.payer.ReleaseRecord(ctx, paymentRef)
	if err != nil || rec.Outcome != contracts.OutcomeSettled {
		return denied
	}
	if rec.SessionID != req.SessionID || rec.Agent != req.Agent || rec.Amount != edge.Cost {
		return denied
	}
	m.logger.InfoContext(ctx, "reusing settled payment for retried transition", "payment_ref", paymentRef)
	return &contracts.ReleaseResult{OK: true, TxRef: rec.TxRef, Record: rec}
}

func (m *Machine) deny(ctx context.Context, req Request, from contracts.State, reason contracts.Reason, detail string) *contracts.TransitionResult {
	m.metrics.RecordTransition(ctx, from, req.To, false, reason)
	m.trail.Emit(ctx, contracts.AuditEntry{
		Action:    contracts.AuditTransitionDenied,
		ProcessID: req.ProcessID,
		SessionID: req.SessionID,
		Agent:     req.Agent,
		Status:    contracts.AuditStatusDenied,
		Reason:    reason,
		Detail:    detail,
		Metadata:  map[string]string{"from": string(from), "to": string(req.To), "role": string(req.Role)},
	})
	return &contracts.TransitionResult{
		Reason: reason,
		Detail: detail,
		State:  from,
	}
}

// lock serializes transitions of one process and returns the unlock.
func (m *Machine) lock(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &procLock{}
		m.locks[id] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, id)
		}
		m.mu.Unlock()
	}
}

// proofDigest binds the proof to the transition it was submitted with.
func proofDigest(rec *contracts.TransitionRecord) (string, error) {
	return canonicalize.CanonicalHash(struct {
		ProcessID  string          `json:"process_id"`
		Sequence   int64           `json:"sequence"`
		From       contracts.State `json:"from"`
		To         contracts.State `json:"to"`
		Agent      string          `json:"agent"`
		PaymentRef string          `json:"payment_ref"`
		Proof      string          `json:"proof_sha256"`
	}{
		ProcessID:  rec.ProcessID,
		Sequence:   rec.Sequence,
		From:       rec.From,
		To:         rec.To,
		Agent:      rec.Agent,
		PaymentRef: rec.PaymentRef,
		Proof:      canonicalize.HashBytes(rec.Proof),
	})
}

// VerifyProof recomputes the digest of a stored record.
func VerifyProof(rec *contracts.TransitionRecord) error {
	d, err := proofDigest(rec)
	if err != nil {
		return err
	}
	if d != rec.ProofDigest {
		return fmt.Errorf("process %s record %d: proof digest mismatch", rec.ProcessID, rec.Sequence)
	}
	return nil
}
