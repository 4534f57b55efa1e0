package coordinator

import (
	"fmt"

	"github.com/Mindburn-Labs/helm-pay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-pay/pkg/discovery"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/google/cel-go/cel"
)

// Selector filters discovered candidates with a CEL expression over
// `agent` (address, reputation, cost, latency_ms, score) and `role`.
//
//	agent.reputation >= 0.9 && (role != "EXECUTOR" || agent.cost <= 1.0)
type Selector struct {
	expr string
	prg  cel.Program
}

// NewSelector compiles expr. The expression must yield a bool.
func NewSelector(expr string) (*Selector, error) {
	env, err := cel.NewEnv(
		cel.Variable("agent", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("role", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("selector env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile selector: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("selector must return bool, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast, cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("selector program: %w", err)
	}
	return &Selector{expr: expr, prg: prg}, nil
}

// String returns the source expression.
func (s *Selector) String() string { return s.expr }

// Allow evaluates the expression for one candidate.
func (s *Selector) Allow(role contracts.Role, c discovery.Candidate) (bool, error) {
	out, _, err := s.prg.Eval(map[string]any{
		"role": string(role),
		"agent": map[string]any{
			"address":    c.Address,
			"reputation": c.Reputation,
			"cost":       float64(c.Cost) / float64(finance.Unit),
			"latency_ms": c.Latency.Milliseconds(),
			"score":      c.Score,
		},
	})
	if err != nil {
		return false, fmt.Errorf("evaluate selector for %s: %w", c.Address, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("selector returned %T", out.Value())
	}
	return allowed, nil
}

// Filter keeps the candidates the expression allows, preserving order.
func (s *Selector) Filter(role contracts.Role, cands []discovery.Candidate) ([]discovery.Candidate, error) {
	if s == nil {
		return cands, nil
	}
	var out []discovery.Candidate
	for _, c := range cands {
		ok, err := s.Allow(role, c)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, c)
		}
	}
	return out, nil
}
