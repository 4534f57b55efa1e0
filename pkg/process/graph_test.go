package process

import (
	"bytes"
	"testing"

	"github.com/Mindburn-Labs/helm-pay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultGraph(t *testing.T) {
	g, err := NewGraph(nil)
	require.NoError(t, err)

	next := g.Next(contracts.StateCreated)
	require.Len(t, next, 2)
	assert.Equal(t, contracts.StateVerified, next[0].To)
	assert.Equal(t, contracts.RoleVerifier, next[0].Role)
	assert.Equal(t, finance.MustParse("0.10"), next[0].Cost)
	assert.Equal(t, contracts.StateDisputed, next[1].To)
	assert.True(t, next[1].Cost.IsZero())

	assert.True(t, g.Terminal(contracts.StateSettled))
	back, ok := g.Edge(contracts.StateDisputed, contracts.StateCreated)
	require.True(t, ok)
	assert.Equal(t, contracts.RoleNone, back.Role)
	_, ok = g.Edge(contracts.StateSettled, contracts.StateDisputed)
	assert.False(t, ok)
	_, ok = g.Edge(contracts.StateCreated, contracts.StateEscrowed)
	assert.False(t, ok)

	path := g.Path()
	require.Len(t, path, 5)
	assert.Equal(t, contracts.StateSettled, path[4].To)
	var total finance.Amount
	for _, e := range path {
		total += e.Cost
	}
	assert.Equal(t, finance.MustParse("1.30"), total)
	assert.Len(t, g.Edges(), 5+5+1)
}

func TestNewGraph_CustomCosts(t *testing.T) {
	g, err := NewGraph(Costs{contracts.StateInProcess: finance.MustParse("2.5")})
	require.NoError(t, err)
	e, _ := g.Edge(contracts.StateEscrowed, contracts.StateInProcess)
	assert.Equal(t, finance.MustParse("2.5"), e.Cost)
	e, _ = g.Edge(contracts.StateCreated, contracts.StateVerified)
	assert.Equal(t, finance.MustParse("0.10"), e.Cost)

	_, err = NewGraph(Costs{contracts.StateVerified: 0})
	assert.ErrorIs(t, err, ErrInvalidGraph)
}

func TestFromEdges_RejectsMalformedGraphs(t *testing.T) {
	valid := MustGraph(nil).Edges()

	tests := []struct {
		name  string
		edges func() []Edge
		want  string
	}{
		{
			name: "missing role",
			edges: func() []Edge {
				out := append([]Edge(nil), valid...)
				out[0].Role = contracts.RoleNone
				return out
			},
			want: "has no role",
		},
		{
			name: "paid dispute",
			edges: func() []Edge {
				out := append([]Edge(nil), valid...)
				for i := range out {
					if out[i].To == contracts.StateDisputed {
						out[i].Cost = 1
						break
					}
				}
				return out
			},
			want: "must be free",
		},
		{
			name: "settled not terminal",
			edges: func() []Edge {
				return append(append([]Edge(nil), valid...),
					Edge{From: contracts.StateSettled, To: contracts.StateCreated, Role: contracts.RoleSettler, Cost: 1})
			},
			want: "must be terminal",
		},
		{
			name: "cycle",
			edges: func() []Edge {
				return append(append([]Edge(nil), valid...),
					Edge{From: contracts.StateFulfilled, To: contracts.StateVerified, Role: contracts.RoleVerifier, Cost: 1})
			},
			want: "cycle",
		},
		{
			name: "duplicate",
			edges: func() []Edge {
				return append(append([]Edge(nil), valid...), valid[0])
			},
			want: "duplicate edge",
		},
		{
			name: "no dispute exit",
			edges: func() []Edge {
				var out []Edge
				for _, e := range valid {
					if e.From == contracts.StateEscrowed && e.To == contracts.StateDisputed {
						continue
					}
					out = append(out, e)
				}
				return out
			},
			want: "cannot be disputed",
		},
		{
			name: "unknown state",
			edges: func() []Edge {
				return append(append([]Edge(nil), valid...),
					Edge{From: contracts.StateCreated, To: "LIMBO", Role: contracts.RoleVerifier, Cost: 1})
			},
			want: "unknown state",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromEdges(tt.edges())
			require.ErrorIs(t, err, ErrInvalidGraph)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestExpectedFee(t *testing.T) {
	g := MustGraph(nil)
	recs := []*contracts.TransitionRecord{
		{Sequence: 1, From: contracts.StateCreated, To: contracts.StateVerified, Cost: finance.MustParse("0.10")},
		{Sequence: 2, From: contracts.StateVerified, To: contracts.StateDisputed},
		{Sequence: 3, From: contracts.StateDisputed, To: contracts.StateCreated},
		{Sequence: 4, From: contracts.StateCreated, To: contracts.StateVerified, Cost: finance.MustParse("0.10")},
	}
	fee, err := g.ExpectedFee(recs)
	require.NoError(t, err)
	assert.Equal(t, finance.MustParse("0.20"), fee)

	recs[0].Cost = finance.MustParse("0.01")
	_, err = g.ExpectedFee(recs)
	assert.ErrorContains(t, err, "table says 0.1")

	_, err = g.ExpectedFee([]*contracts.TransitionRecord{{From: contracts.StateCreated, To: contracts.StateSettled}})
	assert.ErrorContains(t, err, "not a legal transition")
}

func TestWriteDOT(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, MustGraph(nil).WriteDOT(&buf))
	out := buf.String()
	assert.Contains(t, out, "digraph settlement {")
	assert.Contains(t, out, `"CREATED" -> "VERIFIED" [label="VERIFIER / 0.1"];`)
	assert.Contains(t, out, `"DISPUTED" -> "CREATED" [label="dispute"];`)
}
