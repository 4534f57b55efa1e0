// Package process implements the settlement state machine: a fixed graph
// of states whose forward edges are role-gated and paid for from a session.
package process

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/Mindburn-Labs/helm-pay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
)

// ErrInvalidGraph is returned when a transition graph fails validation.
var ErrInvalidGraph = errors.New("process: invalid transition graph")

// Edge is one legal transition with its required role and fixed cost.
type Edge struct {
	From contracts.State `json:"from"`
	To   contracts.State `json:"to"`
	Role contracts.Role  `json:"role,omitempty"`
	Cost finance.Amount  `json:"cost"`
}

// forward is the paid workflow, in order.
var forward = []struct {
	from, to contracts.State
	role     contracts.Role
}{
	{contracts.StateCreated, contracts.StateVerified, contracts.RoleVerifier},
	{contracts.StateVerified, contracts.StateEscrowed, contracts.RoleEscrowManager},
	{contracts.StateEscrowed, contracts.StateInProcess, contracts.RoleExecutor},
	{contracts.StateInProcess, contracts.StateFulfilled, contracts.RoleDeliveryConfirmer},
	{contracts.StateFulfilled, contracts.StateSettled, contracts.RoleSettler},
}

// Costs maps the target state of each forward edge to its fee.
type Costs map[contracts.State]finance.Amount

// DefaultCosts returns the standard fee table.
func DefaultCosts() Costs {
	return Costs{
		contracts.StateVerified:  finance.MustParse("0.10"),
		contracts.StateEscrowed:  finance.MustParse("0.05"),
		contracts.StateInProcess: finance.MustParse("1.00"),
		contracts.StateFulfilled: finance.MustParse("0.10"),
		contracts.StateSettled:   finance.MustParse("0.05"),
	}
}

// Graph is an immutable, validated transition graph.
type Graph struct {
	edges map[contracts.State]map[contracts.State]Edge
}

// NewGraph builds the settlement graph with the given fees. Missing fees
// default to DefaultCosts.
func NewGraph(costs Costs) (*Graph, error) {
	def := DefaultCosts()
	var edges []Edge
	for _, f := range forward {
		cost, ok := costs[f.to]
		if !ok {
			cost = def[f.to]
		}
		edges = append(edges, Edge{From: f.from, To: f.to, Role: f.role, Cost: cost})
	}
	for _, s := range contracts.AllStates {
		if s == contracts.StateSettled || s == contracts.StateDisputed {
			continue
		}
		edges = append(edges, Edge{From: s, To: contracts.StateDisputed})
	}
	edges = append(edges, Edge{From: contracts.StateDisputed, To: contracts.StateCreated})
	return FromEdges(edges)
}

// MustGraph is NewGraph that panics on error, for static tables.
func MustGraph(costs Costs) *Graph {
	g, err := NewGraph(costs)
	if err != nil {
		panic(err)
	}
	return g
}

// FromEdges builds and validates a graph from an explicit edge list.
func FromEdges(edges []Edge) (*Graph, error) {
	g := &Graph{edges: make(map[contracts.State]map[contracts.State]Edge)}
	for _, e := range edges {
		if !e.From.Valid() || !e.To.Valid() {
			return nil, fmt.Errorf("%w: unknown state in %s->%s", ErrInvalidGraph, e.From, e.To)
		}
		if g.edges[e.From] == nil {
			g.edges[e.From] = make(map[contracts.State]Edge)
		}
		if _, dup := g.edges[e.From][e.To]; dup {
			return nil, fmt.Errorf("%w: duplicate edge %s->%s", ErrInvalidGraph, e.From, e.To)
		}
		g.edges[e.From][e.To] = e
	}
	if err := g.validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// validate checks that:
//   - paid edges carry a role and a positive cost, dispute edges neither;
//   - SETTLED is terminal;
//   - every non-terminal state can be disputed;
//   - the graph without dispute edges is acyclic;
//   - every state is reachable from CREATED.
func (g *Graph) validate() error {
	for from, tos := range g.edges {
		for to, e := range tos {
			dispute := to == contracts.StateDisputed || from == contracts.StateDisputed
			switch {
			case dispute && (e.Role != contracts.RoleNone || !e.Cost.IsZero()):
				return fmt.Errorf("%w: dispute edge %s->%s must be free and unroled", ErrInvalidGraph, from, to)
			case !dispute && e.Role == contracts.RoleNone:
				return fmt.Errorf("%w: edge %s->%s has no role", ErrInvalidGraph, from, to)
			case !dispute && !e.Cost.IsPositive():
				return fmt.Errorf("%w: edge %s->%s must have a positive cost", ErrInvalidGraph, from, to)
			}
		}
	}
	if len(g.edges[contracts.StateSettled]) > 0 {
		return fmt.Errorf("%w: %s must be terminal", ErrInvalidGraph, contracts.StateSettled)
	}
	for _, s := range contracts.AllStates {
		if s == contracts.StateSettled || s == contracts.StateDisputed {
			continue
		}
		if _, ok := g.edges[s][contracts.StateDisputed]; !ok {
			return fmt.Errorf("%w: %s cannot be disputed", ErrInvalidGraph, s)
		}
	}
	if err := g.acyclic(); err != nil {
		return err
	}
	seen := map[contracts.State]bool{contracts.StateCreated: true}
	queue := []contracts.State{contracts.StateCreated}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for to := range g.edges[s] {
			if !seen[to] {
				seen[to] = true
				queue = append(queue, to)
			}
		}
	}
	for _, s := range contracts.AllStates {
		if !seen[s] {
			return fmt.Errorf("%w: %s is unreachable", ErrInvalidGraph, s)
		}
	}
	return nil
}

func (g *Graph) acyclic() error {
	const (
		white = iota
		grey
		black
	)
	color := make(map[contracts.State]int)
	var visit func(s contracts.State) error
	visit = func(s contracts.State) error {
		color[s] = grey
		for to := range g.edges[s] {
			if to == contracts.StateDisputed || s == contracts.StateDisputed {
				continue
			}
			switch color[to] {
			case grey:
				return fmt.Errorf("%w: cycle through %s->%s", ErrInvalidGraph, s, to)
			case white:
				if err := visit(to); err != nil {
					return err
				}
			}
		}
		color[s] = black
		return nil
	}
	for _, s := range contracts.AllStates {
		if color[s] == white {
			if err := visit(s); err != nil {
				return err
			}
		}
	}
	return nil
}

// Edge returns the edge from -> to, if legal.
func (g *Graph) Edge(from, to contracts.State) (Edge, bool) {
	e, ok := g.edges[from][to]
	return e, ok
}

// Next lists the legal edges out of from, ordered by target state.
func (g *Graph) Next(from contracts.State) []Edge {
	out := make([]Edge, 0, len(g.edges[from]))
	for _, e := range g.edges[from] {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Edge) int { return stateIndex(a.To) - stateIndex(b.To) })
	return out
}

// Edges lists every edge in workflow order.
func (g *Graph) Edges() []Edge {
	var out []Edge
	for _, s := range contracts.AllStates {
		out = append(out, g.Next(s)...)
	}
	return out
}

// Terminal reports whether s has no outgoing edges.
func (g *Graph) Terminal(s contracts.State) bool {
	return len(g.edges[s]) == 0
}

// Path returns the paid edges from CREATED to SETTLED, in order.
func (g *Graph) Path() []Edge {
	var out []Edge
	s := contracts.StateCreated
	for !g.Terminal(s) {
		var next *Edge
		for _, e := range g.Next(s) {
			if e.To != contracts.StateDisputed {
				next = &e
				break
			}
		}
		if next == nil {
			break
		}
		out = append(out, *next)
		s = next.To
	}
	return out
}

// ExpectedFee replays a transition history against the graph and returns
// the total fee it should have cost. A record that is not a legal edge, or
// whose recorded cost disagrees with the graph, is an error.
func (g *Graph) ExpectedFee(records []*contracts.TransitionRecord) (finance.Amount, error) {
	var total finance.Amount
	for _, r := range records {
		e, ok := g.Edge(r.From, r.To)
		if !ok {
			return 0, fmt.Errorf("record %d: %s->%s is not a legal transition", r.Sequence, r.From, r.To)
		}
		if r.Cost != e.Cost {
			return 0, fmt.Errorf("record %d: charged %s, table says %s", r.Sequence, r.Cost, e.Cost)
		}
		var err error
		if total, err = total.Add(e.Cost); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// WriteDOT renders the graph in Graphviz dot syntax.
func (g *Graph) WriteDOT(w io.Writer) error {
	if _, err := fmt.Fprintln(w, "digraph settlement {"); err != nil {
		return err
	}
	for _, e := range g.Edges() {
		label := "dispute"
		if e.Role != contracts.RoleNone {
			label = fmt.Sprintf("%s / %s", e.Role, e.Cost)
		}
		if _, err := fmt.Fprintf(w, "  %q -> %q [label=%q];\n", e.From, e.To, label); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, "}")
	return err
}

func stateIndex(s contracts.State) int {
	return slices.Index(contracts.AllStates, s)
}
