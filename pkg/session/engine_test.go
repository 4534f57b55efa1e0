package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/audit"
	"github.com/Mindburn-Labs/helm-pay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/Mindburn-Labs/helm-pay/pkg/ledger"
	"github.com/Mindburn-Labs/helm-pay/pkg/security"
	"github.com/Mindburn-Labs/helm-pay/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	owner = "0xowner"
	agent = "0xagent"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	engine *Engine
	ledger *ledger.Memory
	store  *store.Memory
	policy *security.Policy
	clock  *fakeClock
}

func defaultLimits() security.Limits {
	return security.Limits{MaxPerCall: finance.MustParse("100"), RateLimit: 1000, Window: time.Minute}
}

func newHarness(t *testing.T, limits security.Limits, opts ...Option) *harness {
	t.Helper()
	clock := newFakeClock()
	l := ledger.NewMemory().WithClock(clock.Now)
	s := store.NewMemory()
	p := security.NewPolicy(security.NewMemoryStore(limits))
	trail := audit.NewTrail(audit.NewStoreRecorder(s), nil).WithClock(clock.Now)
	opts = append([]Option{WithClock(clock.Now), WithAudit(trail)}, opts...)
	e := NewEngine(l, s, p, opts...)
	t.Cleanup(func() { _ = e.Close() })
	return &harness{engine: e, ledger: l, store: s, policy: p, clock: clock}
}

// open creates a session with the given max spend and deposit.
func (h *harness) open(t *testing.T, maxSpend, deposit string) string {
	t.Helper()
	sess, err := h.engine.OpenSession(context.Background(), ledger.SessionSpec{
		Owner:    owner,
		MaxSpend: finance.MustParse(maxSpend),
		Duration: time.Hour,
		Agents:   []string{agent},
	}, finance.MustParse(deposit))
	require.NoError(t, err)
	return sess.ID
}

func (h *harness) pay(t *testing.T, sid, amount, executionID string) *contracts.ReleaseResult {
	t.Helper()
	res, err := h.engine.ReleasePayment(context.Background(), sid, agent, finance.MustParse(amount), executionID)
	require.NoError(t, err)
	return res
}

func (h *harness) released(t *testing.T, sid string) finance.Amount {
	t.Helper()
	s, err := h.store.GetSession(context.Background(), sid)
	require.NoError(t, err)
	return s.Released
}

func (h *harness) auditCount(t *testing.T, action contracts.AuditAction) int {
	t.Helper()
	entries, err := h.store.QueryAudit(context.Background(), contracts.AuditFilter{Action: action})
	require.NoError(t, err)
	return len(entries)
}

func TestCanExecute_AllChecksPass(t *testing.T) {
	h := newHarness(t, defaultLimits())
	sid := h.open(t, "100", "100")

	d, err := h.engine.CanExecute(context.Background(), sid, "0xAGENT", finance.MustParse("10"))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, contracts.ReasonNone, d.Reason)
	assert.Equal(t, finance.MustParse("100"), d.Remaining)
	require.Len(t, d.Checks, len(contracts.CheckOrder))
	for _, c := range contracts.CheckOrder {
		assert.True(t, d.Checks[c], c)
	}
}

func TestCanExecute_ReportsFirstBlockingReason(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultLimits())
	sid := h.open(t, "100", "100")

	require.NoError(t, h.engine.Pause(ctx))
	require.NoError(t, h.engine.Blacklist(ctx, agent))
	d, err := h.engine.CanExecute(ctx, sid, agent, finance.MustParse("500"))
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonPaused, d.Reason)
	assert.Len(t, d.Checks, 1)

	require.NoError(t, h.engine.Unpause(ctx))
	d, _ = h.engine.CanExecute(ctx, sid, agent, finance.MustParse("500"))
	assert.Equal(t, contracts.ReasonBlacklisted, d.Reason)
	assert.True(t, d.Checks[contracts.CheckNotPaused])

	require.NoError(t, h.engine.Unblacklist(ctx, agent))
	d, _ = h.engine.CanExecute(ctx, sid, agent, finance.MustParse("500"))
	assert.Equal(t, contracts.ReasonOverCallLimit, d.Reason)

	d, _ = h.engine.CanExecute(ctx, "999", agent, finance.MustParse("1"))
	assert.Equal(t, contracts.ReasonSessionNotFound, d.Reason)

	d, _ = h.engine.CanExecute(ctx, sid, "0xstranger", finance.MustParse("1"))
	assert.Equal(t, contracts.ReasonNotAuthorizedAgent, d.Reason)

	h.clock.Advance(2 * time.Hour)
	d, _ = h.engine.CanExecute(ctx, sid, agent, finance.MustParse("1"))
	assert.Equal(t, contracts.ReasonSessionExpired, d.Reason)
	assert.False(t, d.Checks[contracts.CheckNotExpired])

	assert.GreaterOrEqual(t, h.auditCount(t, contracts.AuditReleaseDenied), 6)
	assert.Equal(t, 1, h.auditCount(t, contracts.AuditPause))
}

type failingPolicyStore struct {
	*security.MemoryStore
}

func (failingPolicyStore) Paused(context.Context) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func TestCanExecute_FailsClosedOnPolicyError(t *testing.T) {
	clock := newFakeClock()
	e := NewEngine(ledger.NewMemory(), store.NewMemory(),
		security.NewPolicy(failingPolicyStore{security.NewMemoryStore(defaultLimits())}),
		WithClock(clock.Now))
	defer e.Close()

	d, err := e.CanExecute(context.Background(), "1", agent, finance.MustParse("1"))
	require.Error(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, e.ActiveActors())
}

func TestReleasePayment_InsufficientBalance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultLimits())
	sid := h.open(t, "100", "100")

	require.True(t, h.pay(t, sid, "90", "setup").OK)
	require.NoError(t, h.engine.SetMaxPerCall(ctx, sid, finance.MustParse("20")))

	res := h.pay(t, sid, "15", "over")
	assert.False(t, res.OK)
	assert.Equal(t, contracts.ReasonInsufficientBalance, res.Reason)
	assert.Equal(t, finance.MustParse("90"), h.released(t, sid))

	rec, err := h.store.GetRelease(ctx, "over")
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeRejected, rec.Outcome)

	// the rejected ID is retryable once funds allow
	res = h.pay(t, sid, "10", "over")
	assert.True(t, res.OK)
	assert.Equal(t, finance.MustParse("100"), h.released(t, sid))
}

func TestReleasePayment_SettlesAndRecords(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultLimits())
	sid := h.open(t, "100", "50")

	res := h.pay(t, sid, "12.5", "job-1")
	require.True(t, res.OK)
	assert.NotEmpty(t, res.TxRef)
	assert.False(t, res.Reconciled)

	assert.Equal(t, finance.MustParse("12.5"), h.released(t, sid))
	led, err := h.ledger.GetSession(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, finance.MustParse("12.5"), led.Released)

	recs, err := h.engine.Releases(ctx, sid)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, res.TxRef, recs[0].TxRef)
	assert.Equal(t, contracts.OutcomeSettled, recs[0].Outcome)
	assert.Equal(t, 1, h.auditCount(t, contracts.AuditRelease))
	require.NoError(t, h.ledger.Verify())
}

func TestReleasePayment_ReplayDetected(t *testing.T) {
	h := newHarness(t, defaultLimits())
	sid := h.open(t, "100", "100")

	require.True(t, h.pay(t, sid, "5", "dup").OK)
	res := h.pay(t, sid, "5", "dup")
	assert.False(t, res.OK)
	assert.Equal(t, contracts.ReasonReplayDetected, res.Reason)
	assert.Equal(t, 1, h.ledger.Calls(ledger.OpRelease))
	assert.Equal(t, finance.MustParse("5"), h.released(t, sid))
}

func TestReleasePayment_ReplayDetectedAfterNonceEviction(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultLimits(), WithNonceTTL(time.Minute))
	sid := h.open(t, "100", "100")

	require.True(t, h.pay(t, sid, "5", "old").OK)
	h.clock.Advance(2 * time.Minute)
	evicted, _ := h.engine.Sweep(ctx)
	require.Equal(t, 1, evicted)
	require.False(t, h.engine.Nonces().Seen("old"))

	res := h.pay(t, sid, "5", "old")
	assert.Equal(t, contracts.ReasonReplayDetected, res.Reason)
	assert.Equal(t, 1, h.ledger.Calls(ledger.OpRelease))
}

func TestReleasePayment_ConcurrentSameExecutionID(t *testing.T) {
	h := newHarness(t, defaultLimits())
	sid := h.open(t, "100", "100")

	const n = 20
	results := make([]*contracts.ReleaseResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.engine.ReleasePayment(context.Background(), sid, agent, finance.MustParse("7"), "same")
			if err == nil {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, r := range results {
		require.NotNil(t, r)
		if r.OK {
			ok++
		} else {
			assert.Equal(t, contracts.ReasonReplayDetected, r.Reason)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, h.ledger.Calls(ledger.OpRelease))
	assert.Equal(t, finance.MustParse("7"), h.released(t, sid))
}

func TestReleasePayment_ConcurrentNeverOverspends(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultLimits())
	sid := h.open(t, "100", "100")

	const n = 50
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		ok     int
		denied = map[contracts.Reason]int{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.engine.ReleasePayment(ctx, sid, agent, finance.MustParse("10"), fmt.Sprintf("exec-%d", i))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				denied[contracts.ReasonNone]++
				return
			}
			if res.OK {
				ok++
			} else {
				denied[res.Reason]++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assert.Equal(t, n-10, denied[contracts.ReasonInsufficientBalance])
	assert.Equal(t, finance.MustParse("100"), h.released(t, sid))

	led, err := h.ledger.GetSession(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, finance.MustParse("100"), led.Released)
	require.NoError(t, led.Validate())
}

func TestReleasePayment_RateLimitSlides(t *testing.T) {
	h := newHarness(t, security.Limits{MaxPerCall: finance.MustParse("10"), RateLimit: 100, Window: time.Minute})
	sid := h.open(t, "1000", "1000")

	require.True(t, h.pay(t, sid, "1", "call-0").OK)
	h.clock.Advance(time.Second)

	// dry runs do not consume slots
	for i := 0; i < 5; i++ {
		d, err := h.engine.CanExecute(context.Background(), sid, agent, finance.MustParse("1"))
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	for i := 1; i < 100; i++ {
		require.True(t, h.pay(t, sid, "1", fmt.Sprintf("call-%d", i)).OK, "call %d", i)
	}

	res := h.pay(t, sid, "1", "call-100")
	assert.Equal(t, contracts.ReasonRateLimited, res.Reason)

	// the first call falls out of the window 60s after it was made
	h.clock.Advance(59 * time.Second)
	res = h.pay(t, sid, "1", "call-100")
	assert.True(t, res.OK)

	res = h.pay(t, sid, "1", "call-101")
	assert.Equal(t, contracts.ReasonRateLimited, res.Reason)
}

func TestReleasePayment_PerSessionRateOverride(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultLimits())
	a := h.open(t, "100", "100")
	b := h.open(t, "100", "100")
	require.NoError(t, h.engine.SetRateLimit(ctx, a, 1))

	require.True(t, h.pay(t, a, "1", "a-1").OK)
	assert.Equal(t, contracts.ReasonRateLimited, h.pay(t, a, "1", "a-2").Reason)
	assert.True(t, h.pay(t, b, "1", "b-1").OK)
	assert.True(t, h.pay(t, b, "1", "b-2").OK)
	assert.Equal(t, 1, h.auditCount(t, contracts.AuditSetRateLimit))
}

func TestPauseBlocksEverythingUntilUnpaused(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultLimits())
	sid := h.open(t, "100", "100")

	require.NoError(t, h.engine.Pause(ctx))
	paused, err := h.engine.Paused(ctx)
	require.NoError(t, err)
	assert.True(t, paused)

	d, err := h.engine.CanExecute(ctx, sid, agent, finance.MustParse("1"))
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonPaused, d.Reason)
	assert.Equal(t, contracts.ReasonPaused, h.pay(t, sid, "1", "p-1").Reason)

	ran := false
	res, err := h.engine.ExecuteWithPayment(ctx, sid, agent, finance.MustParse("1"), "p-2", func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonPaused, res.Reason)
	assert.False(t, ran)

	require.NoError(t, h.engine.Unpause(ctx))
	assert.True(t, h.pay(t, sid, "1", "p-1").OK)
	assert.Equal(t, 1, h.ledger.Calls(ledger.OpRelease))
}

func TestExecuteWithPayment_PaysOnlyForSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultLimits())
	sid := h.open(t, "100", "100")

	res, err := h.engine.ExecuteWithPayment(ctx, sid, agent, finance.MustParse("20"), "work-1", func(context.Context) error {
		return errors.New("upstream 503")
	})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, contracts.ReasonExecutionFailed, res.Reason)
	assert.Contains(t, res.Detail, "upstream 503")
	assert.Equal(t, 0, h.ledger.Calls(ledger.OpRelease))
	assert.True(t, h.released(t, sid).IsZero())
	_, err = h.store.GetRelease(ctx, "work-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 1, h.auditCount(t, contracts.AuditExecutionFailed))

	// the same ID may be retried
	res, err = h.engine.ExecuteWithPayment(ctx, sid, agent, finance.MustParse("20"), "work-1", func(context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, finance.MustParse("20"), h.released(t, sid))
}

func TestExecuteWithPayment_RecoversPanic(t *testing.T) {
	h := newHarness(t, defaultLimits())
	sid := h.open(t, "100", "100")

	res, err := h.engine.ExecuteWithPayment(context.Background(), sid, agent, finance.MustParse("5"), "", func(context.Context) error {
		panic("boom")
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonExecutionFailed, res.Reason)
	assert.Contains(t, res.Detail, "action panicked: boom")
	assert.True(t, h.released(t, sid).IsZero())
}

func TestExecuteWithPayment_HoldsReservationWhileRunning(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultLimits())
	sid := h.open(t, "100", "100")

	var during contracts.Decision
	res, err := h.engine.ExecuteWithPayment(ctx, sid, agent, finance.MustParse("60"), "big", func(ctx context.Context) error {
		var err error
		during, err = h.engine.CanExecute(ctx, sid, agent, finance.MustParse("50"))
		return err
	})
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, contracts.ReasonInsufficientBalance, during.Reason)
	assert.Equal(t, finance.MustParse("40"), during.Remaining)
}

func TestExecuteWithPayment_RejectsNilAction(t *testing.T) {
	h := newHarness(t, defaultLimits())
	_, err := h.engine.ExecuteWithPayment(context.Background(), "1", agent, finance.MustParse("1"), "x", nil)
	require.Error(t, err)
}

func TestReleasePayment_InvalidArguments(t *testing.T) {
	h := newHarness(t, defaultLimits())
	_, err := h.engine.ReleasePayment(context.Background(), "", agent, finance.MustParse("1"), "x")
	assert.ErrorIs(t, err, ErrEmptySession)
	_, err = h.engine.ReleasePayment(context.Background(), "1", agent, 0, "x")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultLimits())
	sid := h.open(t, "100", "40")

	sess, err := h.engine.Deposit(ctx, sid, finance.MustParse("30"))
	require.NoError(t, err)
	assert.Equal(t, finance.MustParse("70"), sess.Deposited)

	_, err = h.engine.Deposit(ctx, sid, finance.MustParse("31"))
	assert.ErrorIs(t, err, ledger.ErrExceedsMaxSpend)

	require.True(t, h.pay(t, sid, "25", "l-1").OK)

	require.NoError(t, h.engine.AuthorizeAgent(ctx, sid, "0xHelper"))
	res, err := h.engine.ReleasePayment(ctx, sid, "0xhelper", finance.MustParse("5"), "l-2")
	require.NoError(t, err)
	assert.True(t, res.OK)

	require.NoError(t, h.engine.RevokeAgent(ctx, sid, "0xhelper"))
	res, err = h.engine.ReleasePayment(ctx, sid, "0xhelper", finance.MustParse("5"), "l-3")
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonNotAuthorizedAgent, res.Reason)

	sess, err = h.engine.CloseSession(ctx, sid)
	require.NoError(t, err)
	assert.False(t, sess.Active)
	assert.Equal(t, finance.MustParse("30"), sess.Deposited)
	assert.Equal(t, finance.MustParse("30"), sess.Released)
	require.NoError(t, sess.Validate())

	assert.Equal(t, contracts.ReasonSessionInactive, h.pay(t, sid, "1", "l-4").Reason)
	assert.Equal(t, 1, h.auditCount(t, contracts.AuditSessionClosed))
	assert.Equal(t, 2, h.auditCount(t, contracts.AuditDeposit))
}

func TestSweepRetiresIdleActors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultLimits(), WithIdleAfter(time.Minute))
	sid := h.open(t, "100", "100")
	require.True(t, h.pay(t, sid, "1", "s-1").OK)
	require.Equal(t, 1, h.engine.ActiveActors())

	_, retired := h.engine.Sweep(ctx)
	assert.Equal(t, 0, retired)

	h.clock.Advance(2 * time.Minute)
	_, retired = h.engine.Sweep(ctx)
	assert.Equal(t, 1, retired)
	assert.Equal(t, 0, h.engine.ActiveActors())

	// a new actor picks the session back up from the mirror
	require.True(t, h.pay(t, sid, "1", "s-2").OK)
	assert.Equal(t, finance.MustParse("2"), h.released(t, sid))
}

func TestCloseRejectsFurtherCalls(t *testing.T) {
	h := newHarness(t, defaultLimits())
	sid := h.open(t, "100", "100")
	require.NoError(t, h.engine.Close())
	require.NoError(t, h.engine.Close())

	_, err := h.engine.ReleasePayment(context.Background(), sid, agent, finance.MustParse("1"), "c-1")
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, h.engine.Nonces().Seen("c-1"))
}

func TestRunStopsWithContext(t *testing.T) {
	h := newHarness(t, defaultLimits(), WithSweepInterval(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
