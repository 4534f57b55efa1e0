package process

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/audit"
	"github.com/Mindburn-Labs/helm-pay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/Mindburn-Labs/helm-pay/pkg/ledger"
	"github.com/Mindburn-Labs/helm-pay/pkg/security"
	"github.com/Mindburn-Labs/helm-pay/pkg/session"
	"github.com/Mindburn-Labs/helm-pay/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const worker = "0xworker"

type rig struct {
	machine *Machine
	engine  *session.Engine
	ledger  *ledger.Memory
	store   *store.Memory
	session string
}

func newRig(t *testing.T, deposit string, ps store.ProcessStore) *rig {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	l := ledger.NewMemory().WithClock(clock)
	s := store.NewMemory()
	trail := audit.NewTrail(audit.NewStoreRecorder(s), nil)
	policy := security.NewPolicy(security.NewMemoryStore(security.Limits{
		MaxPerCall: finance.MustParse("10"),
		RateLimit:  100,
		Window:     time.Minute,
	}))
	e := session.NewEngine(l, s, policy, session.WithClock(clock), session.WithAudit(trail))
	t.Cleanup(func() { _ = e.Close() })

	sess, err := e.OpenSession(ctx, ledger.SessionSpec{
		Owner:    "0xowner",
		MaxSpend: finance.MustParse("100"),
		Duration: time.Hour,
		Agents:   []string{worker},
	}, finance.MustParse(deposit))
	require.NoError(t, err)

	if ps == nil {
		ps = s
	}
	m := NewMachine(MustGraph(nil), ps, e, WithClock(clock), WithAudit(trail))
	return &rig{machine: m, engine: e, ledger: l, store: s, session: sess.ID}
}

func (r *rig) move(t *testing.T, id string, to contracts.State, role contracts.Role) *contracts.TransitionResult {
	t.Helper()
	res, err := r.machine.Transition(context.Background(), Request{
		ProcessID: id,
		To:        to,
		Agent:     worker,
		Role:      role,
		SessionID: r.session,
		Proof:     []byte("evidence:" + string(to)),
	})
	require.NoError(t, err)
	return res
}

func (r *rig) released(t *testing.T) finance.Amount {
	t.Helper()
	s, err := r.store.GetSession(context.Background(), r.session)
	require.NoError(t, err)
	return s.Released
}

func TestTransition_CreatedToVerified(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, "10", nil)
	p, err := r.machine.CreateProcess(ctx, map[string]string{"order": "42"})
	require.NoError(t, err)
	assert.Equal(t, contracts.StateCreated, p.CurrentState)

	res := r.move(t, p.ID, contracts.StateVerified, contracts.RoleVerifier)
	require.True(t, res.OK, res.Detail)
	assert.Equal(t, contracts.StateVerified, res.State)
	assert.Equal(t, contracts.StateCreated, res.PreviousState)
	assert.Equal(t, PaymentID(p.ID, contracts.StateCreated, contracts.StateVerified, 0), res.PaymentRef)
	assert.NotEmpty(t, res.TxRef)

	got, err := r.machine.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateVerified, got.CurrentState)
	assert.Equal(t, contracts.StateCreated, got.PreviousState)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, "42", got.Metadata["order"])

	hist, err := r.machine.History(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, res.PaymentRef, hist[0].PaymentRef)
	assert.Equal(t, r.session, hist[0].SessionID)
	require.NoError(t, VerifyProof(hist[0]))

	recs, err := r.engine.Releases(ctx, r.session)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, finance.MustParse("0.10"), recs[0].Amount)
	assert.Equal(t, finance.MustParse("0.10"), r.released(t))
}

func TestTransition_IllegalEdgesLeaveStateUnchanged(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, "10", nil)
	p, err := r.machine.CreateProcess(ctx, nil)
	require.NoError(t, err)

	for _, to := range contracts.AllStates {
		if _, ok := r.machine.Graph().Edge(contracts.StateCreated, to); ok {
			continue
		}
		res := r.move(t, p.ID, to, contracts.RoleSettler)
		assert.Equal(t, contracts.ReasonInvalidTransition, res.Reason, to)
	}
	got, err := r.machine.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateCreated, got.CurrentState)
	assert.Equal(t, 0, r.ledger.Calls(ledger.OpRelease))
}

func TestTransition_WrongRoleDoesNotCharge(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, "10", nil)
	p, _ := r.machine.CreateProcess(ctx, nil)

	res := r.move(t, p.ID, contracts.StateVerified, contracts.RoleExecutor)
	assert.Equal(t, contracts.ReasonInvalidRole, res.Reason)
	assert.Equal(t, contracts.StateCreated, res.State)
	assert.Equal(t, 0, r.ledger.Calls(ledger.OpRelease))
	assert.True(t, r.released(t).IsZero())

	denied, err := r.store.QueryAudit(ctx, contracts.AuditFilter{ProcessID: p.ID, Action: contracts.AuditTransitionDenied})
	require.NoError(t, err)
	assert.Len(t, denied, 1)
}

func TestTransition_ProcessNotFound(t *testing.T) {
	r := newRig(t, "10", nil)
	res := r.move(t, "missing", contracts.StateVerified, contracts.RoleVerifier)
	assert.Equal(t, contracts.ReasonProcessNotFound, res.Reason)
}

func TestTransition_PausedWinsOverEverything(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, "10", nil)
	p, _ := r.machine.CreateProcess(ctx, nil)
	require.NoError(t, r.engine.Pause(ctx))

	assert.Equal(t, contracts.ReasonPaused, r.move(t, p.ID, contracts.StateVerified, contracts.RoleVerifier).Reason)
	assert.Equal(t, contracts.ReasonPaused, r.move(t, p.ID, contracts.StateSettled, contracts.RoleNone).Reason)
	assert.Equal(t, contracts.ReasonPaused, r.move(t, "missing", contracts.StateVerified, contracts.RoleVerifier).Reason)

	require.NoError(t, r.engine.Unpause(ctx))
	assert.True(t, r.move(t, p.ID, contracts.StateVerified, contracts.RoleVerifier).OK)
}

func TestTransition_DenialFromSessionPassesThrough(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, "0.05", nil)
	p, _ := r.machine.CreateProcess(ctx, nil)

	res := r.move(t, p.ID, contracts.StateVerified, contracts.RoleVerifier)
	assert.Equal(t, contracts.ReasonInsufficientBalance, res.Reason)
	got, _ := r.machine.Get(ctx, p.ID)
	assert.Equal(t, contracts.StateCreated, got.CurrentState)

	require.NoError(t, r.engine.Blacklist(ctx, worker))
	res = r.move(t, p.ID, contracts.StateVerified, contracts.RoleVerifier)
	assert.Equal(t, contracts.ReasonBlacklisted, res.Reason)
}

func TestTransition_FullRunAndDispute(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, "10", nil)
	p, _ := r.machine.CreateProcess(ctx, nil)

	require.True(t, r.move(t, p.ID, contracts.StateVerified, contracts.RoleVerifier).OK)
	res := r.move(t, p.ID, contracts.StateDisputed, contracts.RoleNone)
	require.True(t, res.OK)
	assert.Empty(t, res.PaymentRef)
	require.True(t, r.move(t, p.ID, contracts.StateCreated, contracts.RoleNone).OK)

	for _, e := range r.machine.Graph().Path() {
		require.True(t, r.move(t, p.ID, e.To, e.Role).OK, "%s->%s", e.From, e.To)
	}
	got, _ := r.machine.Get(ctx, p.ID)
	assert.Equal(t, contracts.StateSettled, got.CurrentState)
	assert.Equal(t, contracts.StateFulfilled, got.PreviousState)

	assert.Equal(t, contracts.ReasonInvalidTransition, r.move(t, p.ID, contracts.StateDisputed, contracts.RoleNone).Reason)

	fee, err := r.machine.ExpectedFee(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, finance.MustParse("1.40"), fee)
	assert.Equal(t, fee, r.released(t))

	hist, _ := r.machine.History(ctx, p.ID)
	require.Len(t, hist, 8)
	for i, rec := range hist {
		assert.Equal(t, int64(i+1), rec.Sequence)
		require.NoError(t, VerifyProof(rec))
	}
	hist[3].Proof = []byte("forged")
	assert.ErrorContains(t, VerifyProof(hist[3]), "proof digest mismatch")
}

type flakyCommit struct {
	store.ProcessStore
	mu    sync.Mutex
	fails int
}

func (f *flakyCommit) CommitTransition(ctx context.Context, p *contracts.ProcessInstance, v int64, rec *contracts.TransitionRecord) error {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return errors.New("db: connection reset")
	}
	f.mu.Unlock()
	return f.ProcessStore.CommitTransition(ctx, p, v, rec)
}

func TestTransition_RetryAfterCommitFailureDoesNotChargeTwice(t *testing.T) {
	ctx := context.Background()
	ps := &flakyCommit{ProcessStore: store.NewMemory(), fails: 1}
	r := newRig(t, "10", ps)
	p, err := r.machine.CreateProcess(ctx, nil)
	require.NoError(t, err)

	_, err = r.machine.Transition(ctx, Request{ProcessID: p.ID, To: contracts.StateVerified, Agent: worker, Role: contracts.RoleVerifier, SessionID: r.session})
	require.Error(t, err)
	assert.Equal(t, finance.MustParse("0.10"), r.released(t))

	res := r.move(t, p.ID, contracts.StateVerified, contracts.RoleVerifier)
	require.True(t, res.OK)
	assert.Equal(t, 1, r.ledger.Calls(ledger.OpRelease))
	assert.Equal(t, finance.MustParse("0.10"), r.released(t))
}

func TestTransition_ConcurrentRequestsAdvanceOnce(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, "10", nil)
	p, _ := r.machine.CreateProcess(ctx, nil)

	const n = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		reasons []contracts.Reason
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.machine.Transition(ctx, Request{ProcessID: p.ID, To: contracts.StateVerified, Agent: worker, Role: contracts.RoleVerifier, SessionID: r.session})
			mu.Lock()
			defer mu.Unlock()
			if err == nil && res.OK {
				ok++
			} else if err == nil {
				reasons = append(reasons, res.Reason)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	for _, reason := range reasons {
		assert.Equal(t, contracts.ReasonInvalidTransition, reason)
	}
	assert.Equal(t, finance.MustParse("0.10"), r.released(t))
}
