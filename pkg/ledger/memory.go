package ledger

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-pay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/google/uuid"
)

const genesis = "genesis"

// EntryKind categorizes a chain entry.
type EntryKind string

const (
	KindCreate    EntryKind = "CREATE"
	KindDeposit   EntryKind = "DEPOSIT"
	KindRelease   EntryKind = "RELEASE"
	KindRefund    EntryKind = "REFUND"
	KindClose     EntryKind = "CLOSE"
	KindAuthorize EntryKind = "AUTHORIZE"
	KindRevoke    EntryKind = "REVOKE"
)

// Entry is an immutable, hash-chained ledger entry.
type Entry struct {
	Sequence    uint64            `json:"sequence"`
	Kind        EntryKind         `json:"kind"`
	SessionID   string            `json:"session_id"`
	Data        map[string]string `json:"data"`
	PrevHash    string            `json:"prev_hash"`
	ContentHash string            `json:"content_hash"`
	Timestamp   time.Time         `json:"timestamp"`
}

// TxRef is the reference handed back to callers for an entry.
func (e *Entry) TxRef() string {
	return "0x" + e.ContentHash
}

// Op names a fund-moving call for fault injection.
type Op string

const (
	OpDeposit Op = "deposit"
	OpRelease Op = "release"
	OpRefund  Op = "refund"
)

// Fault is a one-shot failure injected into the next call of an Op.
type Fault int

const (
	// FaultReject makes the call fail with nothing recorded.
	FaultReject Fault = iota + 1
	// FaultLostConfirmation records the movement but makes WaitConfirmed
	// for its reference fail, as when a client times out on a call that
	// actually landed.
	FaultLostConfirmation
)

type account struct {
	session contracts.Session
	spend   map[string]finance.Amount
}

// Memory is an in-memory ledger of record. Each state change is appended to
// a hash chain whose integrity can be checked with Verify.
type Memory struct {
	mu          sync.RWMutex
	clock       func() time.Time
	accounts    map[string]*account
	entries     []Entry
	headHash    string
	txs         map[string]uint64 // tx ref -> sequence
	unconfirmed map[string]struct{}
	releases    map[string]Release
	faults      map[Op][]Fault
	ops         map[Op]int
}

// NewMemory creates an empty ledger.
func NewMemory() *Memory {
	return &Memory{
		clock:       time.Now,
		accounts:    make(map[string]*account),
		headHash:    genesis,
		txs:         make(map[string]uint64),
		unconfirmed: make(map[string]struct{}),
		releases:    make(map[string]Release),
		faults:      make(map[Op][]Fault),
		ops:         make(map[Op]int),
	}
}

// WithClock overrides clock for testing.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	m.clock = clock
	return m
}

// InjectFault queues a one-shot fault for the next call of op.
func (m *Memory) InjectFault(op Op, f Fault) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], f)
}

// Calls returns how many times op reached the ledger, including faulted calls.
func (m *Memory) Calls(op Op) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ops[op]
}

// takeFault pops the next fault for op. Caller holds mu.
func (m *Memory) takeFault(op Op) Fault {
	m.ops[op]++
	q := m.faults[op]
	if len(q) == 0 {
		return 0
	}
	m.faults[op] = q[1:]
	return q[0]
}

// appendEntry adds a chain entry. Caller holds mu.
func (m *Memory) appendEntry(kind EntryKind, sessionID string, data map[string]string) (*Entry, error) {
	e := Entry{
		Sequence:  uint64(len(m.entries)) + 1,
		Kind:      kind,
		SessionID: sessionID,
		Data:      data,
		PrevHash:  m.headHash,
		Timestamp: m.clock().UTC(),
	}
	h, err := entryHash(&e)
	if err != nil {
		return nil, err
	}
	e.ContentHash = h
	m.entries = append(m.entries, e)
	m.headHash = h
	m.txs[e.TxRef()] = e.Sequence
	return &m.entries[len(m.entries)-1], nil
}

func entryHash(e *Entry) (string, error) {
	h, err := canonicalize.CanonicalHash(struct {
		Seq       uint64            `json:"seq"`
		Kind      EntryKind         `json:"kind"`
		SessionID string            `json:"session"`
		Data      map[string]string `json:"data"`
		PrevHash  string            `json:"prev"`
		Timestamp time.Time         `json:"ts"`
	}{e.Sequence, e.Kind, e.SessionID, e.Data, e.PrevHash, e.Timestamp})
	if err != nil {
		return "", fmt.Errorf("ledger: hash entry: %w", err)
	}
	return h, nil
}

func (m *Memory) account(sessionID string) (*account, error) {
	a, ok := m.accounts[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return a, nil
}

func (m *Memory) CreateSession(ctx context.Context, spec SessionSpec) (string, error) {
	owner := contracts.NormalizeAddress(spec.Owner)
	if owner == "" || spec.MaxSpend <= 0 || spec.Duration <= 0 {
		return "", fmt.Errorf("%w: owner, positive max spend and duration required", ErrInvalidRequest)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// random IDs so a restarted ledger never reissues one a durable mirror holds
	id := uuid.NewString()
	now := m.clock()
	s := contracts.Session{
		ID:          id,
		Owner:       owner,
		EscrowAgent: contracts.NormalizeAddress(spec.EscrowAgent),
		MaxSpend:    spec.MaxSpend,
		Expiry:      now.Add(spec.Duration),
		Active:      true,
		Agents:      contracts.NormalizeAgents(spec.Agents),
		UpdatedAt:   now,
	}
	if _, err := m.appendEntry(KindCreate, id, map[string]string{
		"owner":     s.Owner,
		"max_spend": s.MaxSpend.String(),
		"expiry":    s.Expiry.UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return "", err
	}
	m.accounts[id] = &account{session: s, spend: make(map[string]finance.Amount)}
	return id, nil
}

func (m *Memory) Deposit(ctx context.Context, sessionID string, amount finance.Amount) (string, error) {
	if !amount.IsPositive() {
		return "", fmt.Errorf("%w: deposit must be positive", ErrInvalidRequest)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.takeFault(OpDeposit) == FaultReject {
		return "", fmt.Errorf("ledger: deposit to %s rejected", sessionID)
	}
	a, err := m.account(sessionID)
	if err != nil {
		return "", err
	}
	if !a.session.Active {
		return "", ErrSessionInactive
	}
	total, err := a.session.Deposited.Add(amount)
	if err != nil || total > a.session.MaxSpend {
		return "", fmt.Errorf("%w: %s + %s > %s", ErrExceedsMaxSpend, a.session.Deposited, amount, a.session.MaxSpend)
	}
	e, err := m.appendEntry(KindDeposit, sessionID, map[string]string{"amount": amount.String()})
	if err != nil {
		return "", err
	}
	a.session.Deposited = total
	a.session.UpdatedAt = m.clock()
	return e.TxRef(), nil
}

func (m *Memory) Release(ctx context.Context, sessionID, agent string, amount finance.Amount, executionID string) (string, error) {
	if !amount.IsPositive() || executionID == "" {
		return "", fmt.Errorf("%w: positive amount and execution id required", ErrInvalidRequest)
	}
	agent = contracts.NormalizeAddress(agent)
	m.mu.Lock()
	defer m.mu.Unlock()

	fault := m.takeFault(OpRelease)
	if fault == FaultReject {
		return "", fmt.Errorf("ledger: release %s rejected", executionID)
	}
	if _, dup := m.releases[executionID]; dup {
		return "", fmt.Errorf("%w: %s", ErrDuplicateExecution, executionID)
	}
	a, err := m.account(sessionID)
	if err != nil {
		return "", err
	}
	switch {
	case !a.session.Active:
		return "", ErrSessionInactive
	case a.session.Expired(m.clock()):
		return "", ErrSessionExpired
	case !a.session.IsAuthorized(agent):
		return "", fmt.Errorf("%w: %s", ErrNotAuthorized, agent)
	case amount > a.session.Remaining():
		return "", fmt.Errorf("%w: %s > %s", ErrInsufficientFunds, amount, a.session.Remaining())
	}

	e, err := m.appendEntry(KindRelease, sessionID, map[string]string{
		"agent":        agent,
		"amount":       amount.String(),
		"execution_id": executionID,
	})
	if err != nil {
		return "", err
	}
	a.session.Released += amount
	a.session.UpdatedAt = m.clock()
	a.spend[agent] += amount
	ref := e.TxRef()
	m.releases[executionID] = Release{
		TxRef:       ref,
		SessionID:   sessionID,
		Agent:       agent,
		Amount:      amount,
		ExecutionID: executionID,
		Timestamp:   e.Timestamp,
	}
	if fault == FaultLostConfirmation {
		m.unconfirmed[ref] = struct{}{}
	}
	return ref, nil
}

func (m *Memory) Refund(ctx context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.takeFault(OpRefund) == FaultReject {
		return "", fmt.Errorf("ledger: refund of %s rejected", sessionID)
	}
	a, err := m.account(sessionID)
	if err != nil {
		return "", err
	}
	remaining := a.session.Remaining()
	e, err := m.appendEntry(KindRefund, sessionID, map[string]string{
		"owner":  a.session.Owner,
		"amount": remaining.String(),
	})
	if err != nil {
		return "", err
	}
	// refunded funds leave the session
	a.session.Deposited = a.session.Released
	a.session.UpdatedAt = m.clock()
	return e.TxRef(), nil
}

func (m *Memory) CloseSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.account(sessionID)
	if err != nil {
		return err
	}
	if !a.session.Active {
		return nil
	}
	if _, err := m.appendEntry(KindClose, sessionID, map[string]string{}); err != nil {
		return err
	}
	a.session.Active = false
	a.session.UpdatedAt = m.clock()
	return nil
}

func (m *Memory) AuthorizeAgent(ctx context.Context, sessionID, agent string) error {
	return m.setAgent(sessionID, agent, true)
}

func (m *Memory) RevokeAgent(ctx context.Context, sessionID, agent string) error {
	return m.setAgent(sessionID, agent, false)
}

func (m *Memory) setAgent(sessionID, agent string, on bool) error {
	agent = contracts.NormalizeAddress(agent)
	if agent == "" {
		return fmt.Errorf("%w: empty agent", ErrInvalidRequest)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.account(sessionID)
	if err != nil {
		return err
	}
	kind := KindAuthorize
	agents := append(slices.Clone(a.session.Agents), agent)
	if !on {
		kind = KindRevoke
		agents = slices.DeleteFunc(slices.Clone(a.session.Agents), func(s string) bool { return s == agent })
	}
	if _, err := m.appendEntry(kind, sessionID, map[string]string{"agent": agent}); err != nil {
		return err
	}
	a.session.Agents = contracts.NormalizeAgents(agents)
	a.session.UpdatedAt = m.clock()
	return nil
}

func (m *Memory) GetSession(ctx context.Context, sessionID string) (*contracts.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, err := m.account(sessionID)
	if err != nil {
		return nil, err
	}
	return a.session.Clone(), nil
}

func (m *Memory) IsAgentAuthorized(ctx context.Context, sessionID, agent string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, err := m.account(sessionID)
	if err != nil {
		return false, err
	}
	return a.session.IsAuthorized(agent), nil
}

func (m *Memory) GetAgentSpend(ctx context.Context, sessionID, agent string) (finance.Amount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, err := m.account(sessionID)
	if err != nil {
		return 0, err
	}
	return a.spend[contracts.NormalizeAddress(agent)], nil
}

// WaitConfirmed confirms immediately. A reference marked by
// FaultLostConfirmation fails once, like a client-side timeout, and is
// final on the next query.
func (m *Memory) WaitConfirmed(ctx context.Context, txRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[txRef]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTx, txRef)
	}
	if _, lost := m.unconfirmed[txRef]; lost {
		delete(m.unconfirmed, txRef)
		return fmt.Errorf("%w: %s", ErrNotConfirmed, txRef)
	}
	return nil
}

func (m *Memory) FindRelease(ctx context.Context, executionID string) (*Release, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.releases[executionID]
	if !ok {
		return nil, false, nil
	}
	return &r, true, nil
}

// Entries returns a copy of the chain.
func (m *Memory) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.entries)
}

// Head returns the current head hash.
func (m *Memory) Head() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.headHash
}

// Verify checks the integrity of the entire chain.
func (m *Memory) Verify() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prev := genesis
	for i := range m.entries {
		e := &m.entries[i]
		if e.PrevHash != prev {
			return fmt.Errorf("ledger: chain broken at entry %d: expected prev %s, got %s", e.Sequence, prev, e.PrevHash)
		}
		h, err := entryHash(e)
		if err != nil {
			return err
		}
		if h != e.ContentHash {
			return fmt.Errorf("ledger: hash mismatch at entry %d", e.Sequence)
		}
		prev = e.ContentHash
	}
	return nil
}
