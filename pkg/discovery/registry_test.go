package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_DiscoverRanksCandidates(t *testing.T) {
	r := NewRegistry()
	for _, a := range []Agent{
		{Address: "0xC", Roles: []contracts.Role{contracts.RoleExecutor}, Reputation: 0.9, Cost: finance.MustParse("2")},
		{Address: "0xA", Roles: []contracts.Role{contracts.RoleExecutor}, Reputation: 0.9, Cost: finance.MustParse("1"), Latency: time.Second},
		{Address: "0xB", Roles: []contracts.Role{contracts.RoleExecutor}, Reputation: 0.9, Cost: finance.MustParse("1")},
		{Address: "0xD", Roles: []contracts.Role{contracts.RoleExecutor, contracts.RoleVerifier}, Reputation: 0.95, Cost: finance.MustParse("5")},
		{Address: "0xE", Roles: []contracts.Role{contracts.RoleExecutor}, Reputation: 0.4},
	} {
		require.NoError(t, r.Register(a))
	}

	got, err := r.Discover(context.Background(), contracts.RoleExecutor, 0.5)
	require.NoError(t, err)
	var order []string
	for _, c := range got {
		order = append(order, c.Address)
	}
	assert.Equal(t, []string{"0xd", "0xb", "0xa", "0xc"}, order)
	assert.Greater(t, got[0].Score, got[3].Score)

	got, err = r.Discover(context.Background(), contracts.RoleSettler, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := NewRegistry()
	assert.ErrorIs(t, r.Register(Agent{Address: " "}), ErrInvalidAgent)
	assert.ErrorIs(t, r.Register(Agent{Address: "0x1"}), ErrInvalidAgent)
	assert.ErrorIs(t, r.Unregister("0x1"), ErrUnknownAgent)

	require.NoError(t, r.Register(Agent{Address: "0x1", Roles: []contracts.Role{contracts.RoleSettler}}))
	require.NoError(t, r.Unregister("0X1"))
	got, _ := r.Discover(context.Background(), contracts.RoleSettler, 0)
	assert.Empty(t, got)
}

func TestRegistry_DiscoverHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRegistry().Discover(ctx, contracts.RoleSettler, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
