package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-pay/pkg/discovery"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/Mindburn-Labs/helm-pay/pkg/ledger"
	"github.com/Mindburn-Labs/helm-pay/pkg/process"
	"github.com/Mindburn-Labs/helm-pay/pkg/security"
	"github.com/Mindburn-Labs/helm-pay/pkg/session"
	"github.com/Mindburn-Labs/helm-pay/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	engine   *session.Engine
	machine  *process.Machine
	registry *discovery.Registry
	session  string
}

var roles = []contracts.Role{
	contracts.RoleVerifier,
	contracts.RoleEscrowManager,
	contracts.RoleExecutor,
	contracts.RoleDeliveryConfirmer,
	contracts.RoleSettler,
}

// newEnv opens a session funded with deposit and authorized for agents, and
// registers one reputable provider per role ("0xgood-<role>").
func newEnv(t *testing.T, deposit string, agents ...string) *env {
	t.Helper()
	st := store.NewMemory()
	policy := security.NewPolicy(security.NewMemoryStore(security.Limits{
		MaxPerCall: finance.MustParse("10"), RateLimit: 100, Window: time.Minute,
	}))
	e := session.NewEngine(ledger.NewMemory(), st, policy)
	t.Cleanup(func() { _ = e.Close() })

	reg := discovery.NewRegistry()
	for _, r := range roles {
		addr := "0xgood-" + string(r)
		agents = append(agents, addr)
		require.NoError(t, reg.Register(discovery.Agent{Address: addr, Roles: []contracts.Role{r}, Reputation: 0.9, Cost: finance.MustParse("1")}))
	}
	sess, err := e.OpenSession(context.Background(), ledger.SessionSpec{
		Owner: "0xowner", MaxSpend: finance.MustParse("100"), Duration: time.Hour, Agents: agents,
	}, finance.MustParse(deposit))
	require.NoError(t, err)

	m := process.NewMachine(process.MustGraph(nil), st, e)
	return &env{engine: e, machine: m, registry: reg, session: sess.ID}
}

func TestRun_DrivesProcessToSettled(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, "10")
	p, err := env.machine.CreateProcess(ctx, nil)
	require.NoError(t, err)

	out, err := New(env.machine, env.engine, env.registry).Run(ctx, p.ID, env.session)
	require.NoError(t, err)
	require.True(t, out.OK, out.Detail)
	assert.Equal(t, contracts.StateSettled, out.State)
	require.Len(t, out.Steps, 5)
	assert.Equal(t, "0xgood-executor", out.Steps[2].Agent)
	assert.Equal(t, finance.MustParse("1.30"), out.Spent)

	fee, err := env.machine.ExpectedFee(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, out.Spent, fee)

	again, err := New(env.machine, env.engine, env.registry).Run(ctx, p.ID, env.session)
	require.NoError(t, err)
	assert.True(t, again.OK)
	assert.Empty(t, again.Steps)
}

func TestRun_FallsBackPastRefusedAgents(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, "10", "0xbanned")
	require.NoError(t, env.registry.Register(discovery.Agent{Address: "0xstranger", Roles: []contracts.Role{contracts.RoleVerifier}, Reputation: 1}))
	require.NoError(t, env.registry.Register(discovery.Agent{Address: "0xbanned", Roles: []contracts.Role{contracts.RoleVerifier}, Reputation: 0.99}))
	require.NoError(t, env.engine.Blacklist(ctx, "0xbanned"))

	p, _ := env.machine.CreateProcess(ctx, nil)
	out, err := New(env.machine, env.engine, env.registry).Run(ctx, p.ID, env.session)
	require.NoError(t, err)
	require.True(t, out.OK)
	assert.Equal(t, "0xgood-verifier", out.Steps[0].Agent)
}

func TestRun_SelectorFiltersCandidates(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, "10", "0xcheap")
	require.NoError(t, env.registry.Register(discovery.Agent{Address: "0xpricey", Roles: []contracts.Role{contracts.RoleExecutor}, Reputation: 1, Cost: finance.MustParse("9")}))
	require.NoError(t, env.registry.Register(discovery.Agent{Address: "0xcheap", Roles: []contracts.Role{contracts.RoleExecutor}, Reputation: 0.95, Cost: finance.MustParse("0.5")}))

	sel, err := NewSelector(`role != "EXECUTOR" || agent.cost <= 1.0`)
	require.NoError(t, err)
	p, _ := env.machine.CreateProcess(ctx, nil)
	out, err := New(env.machine, env.engine, env.registry, WithSelector(sel), WithMinReputation(0.5)).Run(ctx, p.ID, env.session)
	require.NoError(t, err)
	require.True(t, out.OK)
	assert.Equal(t, "0xcheap", out.Steps[2].Agent)
}

func TestRun_InsufficientSessionBudget(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, "1")
	p, _ := env.machine.CreateProcess(ctx, nil)

	out, err := New(env.machine, env.engine, env.registry).Run(ctx, p.ID, env.session)
	require.NoError(t, err)
	assert.False(t, out.OK)
	assert.Equal(t, contracts.ReasonInsufficientSessionBudget, out.Reason)
	assert.Equal(t, contracts.StateCreated, out.State)

	sess, err := env.engine.Session(ctx, env.session)
	require.NoError(t, err)
	assert.True(t, sess.Released.IsZero())
}

func TestRun_NoCandidate(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, "10")
	require.NoError(t, env.registry.Unregister("0xgood-SETTLER"))
	p, _ := env.machine.CreateProcess(ctx, nil)

	out, err := New(env.machine, env.engine, env.registry).Run(ctx, p.ID, env.session)
	assert.ErrorIs(t, err, ErrNoCandidate)
	assert.Equal(t, contracts.StateFulfilled, out.State)
}

func TestRun_StopsOnNonAgentDenial(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, "10")
	p, _ := env.machine.CreateProcess(ctx, nil)
	require.NoError(t, env.engine.Pause(ctx))

	out, err := New(env.machine, env.engine, env.registry).Run(ctx, p.ID, env.session)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonPaused, out.Reason)
	assert.Empty(t, out.Steps)
}

func TestRun_DisputedProcess(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, "10")
	p, _ := env.machine.CreateProcess(ctx, nil)
	res, err := env.machine.Transition(ctx, process.Request{ProcessID: p.ID, To: contracts.StateDisputed, Agent: "0xanyone"})
	require.NoError(t, err)
	require.True(t, res.OK)

	_, err = New(env.machine, env.engine, env.registry).Run(ctx, p.ID, env.session)
	assert.ErrorIs(t, err, ErrDisputed)
}

func TestNewSelector_Validation(t *testing.T) {
	_, err := NewSelector(`agent.cost +`)
	assert.Error(t, err)
	_, err = NewSelector(`agent.reputation`)
	assert.ErrorContains(t, err, "must return bool")

	sel, err := NewSelector(`agent.reputation >= 0.8 && agent.latency_ms < 500`)
	require.NoError(t, err)
	ok, err := sel.Allow(contracts.RoleSettler, discovery.Candidate{Agent: discovery.Agent{Reputation: 0.9, Latency: 100 * time.Millisecond}})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = sel.Allow(contracts.RoleSettler, discovery.Candidate{Agent: discovery.Agent{Reputation: 0.9, Latency: time.Second}})
	require.NoError(t, err)
	assert.False(t, ok)
}
