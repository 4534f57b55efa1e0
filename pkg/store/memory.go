package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/helm-pay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
)

// Memory implements Store in memory. Thread-safe via RWMutex.
type Memory struct {
	mu          sync.RWMutex
	sessions    map[string]*contracts.Session
	releases    map[string]*contracts.ReleaseRecord
	processes   map[string]*contracts.ProcessInstance
	transitions map[string][]*contracts.TransitionRecord
	audit       []*contracts.AuditEntry
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		sessions:    make(map[string]*contracts.Session),
		releases:    make(map[string]*contracts.ReleaseRecord),
		processes:   make(map[string]*contracts.ProcessInstance),
		transitions: make(map[string][]*contracts.TransitionRecord),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) GetSession(ctx context.Context, id string) (*contracts.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return s.Clone(), nil
}

func (m *Memory) PutSession(ctx context.Context, s *contracts.Session) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("store: put session %s: %w", s.ID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := s.Clone()
	if prev, ok := m.sessions[s.ID]; ok {
		if !sameIdentity(prev, c) {
			return fmt.Errorf("%w: session %s belongs to a different owner or term", ErrConflict, s.ID)
		}
		if prev.Released > c.Released {
			c.Released = prev.Released
		}
		if err := c.Validate(); err != nil {
			return fmt.Errorf("%w: session %s: %v", ErrConflict, s.ID, err)
		}
	}
	m.sessions[s.ID] = c
	return nil
}

func (m *Memory) CompareAndSetReleased(ctx context.Context, id string, expected, next finance.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if s.Released != expected || next > s.Deposited {
		return fmt.Errorf("%w: session %s released is %s, expected %s", ErrConflict, id, s.Released, expected)
	}
	s.Released = next
	return nil
}

func (m *Memory) PutRelease(ctx context.Context, r *contracts.ReleaseRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.releases[r.ExecutionID]; ok && prev.Outcome == contracts.OutcomeSettled {
		return fmt.Errorf("%w: release %s already settled", ErrConflict, r.ExecutionID)
	}
	c := *r
	m.releases[r.ExecutionID] = &c
	return nil
}

func (m *Memory) GetRelease(ctx context.Context, executionID string) (*contracts.ReleaseRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.releases[executionID]
	if !ok {
		return nil, fmt.Errorf("%w: release %s", ErrNotFound, executionID)
	}
	c := *r
	return &c, nil
}

func (m *Memory) ListReleases(ctx context.Context, sessionID string) ([]*contracts.ReleaseRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*contracts.ReleaseRecord
	for _, r := range m.releases {
		if r.SessionID == sessionID {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ExecutionID < out[j].ExecutionID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (m *Memory) CreateProcess(ctx context.Context, p *contracts.ProcessInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.processes[p.ID]; ok {
		return fmt.Errorf("%w: process %s exists", ErrConflict, p.ID)
	}
	m.processes[p.ID] = p.Clone()
	return nil
}

func (m *Memory) GetProcess(ctx context.Context, id string) (*contracts.ProcessInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.processes[id]
	if !ok {
		return nil, fmt.Errorf("%w: process %s", ErrNotFound, id)
	}
	return p.Clone(), nil
}

func (m *Memory) CommitTransition(ctx context.Context, p *contracts.ProcessInstance, expectedVersion int64, rec *contracts.TransitionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.processes[p.ID]
	if !ok {
		return fmt.Errorf("%w: process %s", ErrNotFound, p.ID)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("%w: process %s at version %d, expected %d", ErrConflict, p.ID, cur.Version, expectedVersion)
	}
	m.processes[p.ID] = p.Clone()
	r := *rec
	m.transitions[p.ID] = append(m.transitions[p.ID], &r)
	return nil
}

func (m *Memory) ListTransitions(ctx context.Context, processID string) ([]*contracts.TransitionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.transitions[processID]
	out := make([]*contracts.TransitionRecord, len(recs))
	for i, r := range recs {
		c := *r
		out[i] = &c
	}
	return out, nil
}

func (m *Memory) AppendAudit(ctx context.Context, e *contracts.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *e
	m.audit = append(m.audit, &c)
	return nil
}

func (m *Memory) QueryAudit(ctx context.Context, f contracts.AuditFilter) ([]*contracts.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*contracts.AuditEntry
	for _, e := range m.audit {
		if f.Matches(e) {
			c := *e
			out = append(out, &c)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}
