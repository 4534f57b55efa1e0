// Package coordinator drives a settlement process from its current state to
// SETTLED, picking an agent for each step through discovery.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Mindburn-Labs/helm-pay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-pay/pkg/discovery"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/Mindburn-Labs/helm-pay/pkg/process"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoCandidate is returned when no discovered agent could perform a step.
	ErrNoCandidate = errors.New("coordinator: no candidate agent for step")
	// ErrDisputed is returned for a process that must be resolved by hand.
	ErrDisputed = errors.New("coordinator: process is disputed")
)

// Sessions reads session mirrors for the up-front budget check.
type Sessions interface {
	Session(ctx context.Context, sessionID string) (*contracts.Session, error)
}

// Step is one transition the coordinator performed.
type Step struct {
	From       contracts.State `json:"from"`
	To         contracts.State `json:"to"`
	Agent      string          `json:"agent"`
	Cost       finance.Amount  `json:"cost"`
	PaymentRef string          `json:"payment_ref,omitempty"`
	TxRef      string          `json:"tx_ref,omitempty"`
}

// Outcome summarizes a run.
type Outcome struct {
	ProcessID string           `json:"process_id"`
	State     contracts.State  `json:"state"`
	OK        bool             `json:"ok"`
	Reason    contracts.Reason `json:"reason,omitempty"`
	Detail    string           `json:"detail,omitempty"`
	Steps     []Step           `json:"steps"`
	Spent     finance.Amount   `json:"spent"`
}

// Coordinator composes discovery with the process machine.
type Coordinator struct {
	machine       *process.Machine
	sessions      Sessions
	discoverer    discovery.Discoverer
	selector      *Selector
	minReputation float64
	logger        *slog.Logger
}

type Option func(*Coordinator)

// WithSelector filters candidates through a CEL policy.
func WithSelector(s *Selector) Option {
	return func(c *Coordinator) { c.selector = s }
}

// WithMinReputation sets the discovery reputation floor.
func WithMinReputation(r float64) Option {
	return func(c *Coordinator) { c.minReputation = r }
}

// WithLogger sets the logger; the coordinator adds its component attribute.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// New creates a coordinator over machine m, session engine s and discoverer d.
func New(m *process.Machine, s Sessions, d discovery.Discoverer, opts ...Option) *Coordinator {
	c := &Coordinator{machine: m, sessions: s, discoverer: d}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "coordinator")
	return c
}

// Run drives processID to SETTLED, charging sessionID for every step.
//
// The whole remaining fee is checked against the session before anything
// is charged. Candidates for every remaining role are discovered in
// parallel. Each step is offered to candidates in rank order; a denial
// specific to the agent moves on to the next candidate, any other denial
// stops the run with that reason.
func (c *Coordinator) Run(ctx context.Context, processID, sessionID string) (*Outcome, error) {
	p, err := c.machine.Get(ctx, processID)
	if err != nil {
		return nil, fmt.Errorf("load process %s: %w", processID, err)
	}
	out := &Outcome{ProcessID: p.ID, State: p.CurrentState}
	if p.CurrentState == contracts.StateDisputed {
		return out, ErrDisputed
	}

	steps := remaining(c.machine.Graph(), p.CurrentState)
	if len(steps) == 0 {
		out.OK = true
		return out, nil
	}

	var fee finance.Amount
	for _, e := range steps {
		fee += e.Cost
	}
	sess, err := c.sessions.Session(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if sess.Remaining() < fee {
		out.Reason = contracts.ReasonInsufficientSessionBudget
		out.Detail = fmt.Sprintf("remaining steps cost %s, session has %s", fee, sess.Remaining())
		return out, nil
	}

	cands, err := c.discoverAll(ctx, steps)
	if err != nil {
		return nil, err
	}

	for _, e := range steps {
		step, res, err := c.perform(ctx, p.ID, sessionID, e, cands[e.Role])
		if err != nil {
			return out, err
		}
		if !res.OK {
			out.Reason = res.Reason
			out.Detail = res.Detail
			return out, nil
		}
		out.Steps = append(out.Steps, step)
		out.State = e.To
		out.Spent += e.Cost
	}
	out.OK = true
	c.logger.InfoContext(ctx, "process settled", "process_id", p.ID, "steps", len(out.Steps), "spent", out.Spent.String())
	return out, nil
}

func (c *Coordinator) discoverAll(ctx context.Context, steps []process.Edge) (map[contracts.Role][]discovery.Candidate, error) {
	var (
		mu  sync.Mutex
		all = make(map[contracts.Role][]discovery.Candidate, len(steps))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range steps {
		role := e.Role
		g.Go(func() error {
			found, err := c.discoverer.Discover(gctx, role, c.minReputation)
			if err != nil {
				return fmt.Errorf("discover %s: %w", role, err)
			}
			found, err = c.selector.Filter(role, found)
			if err != nil {
				return err
			}
			mu.Lock()
			all[role] = found
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return all, nil
}

func (c *Coordinator) perform(ctx context.Context, processID, sessionID string, e process.Edge, cands []discovery.Candidate) (Step, *contracts.TransitionResult, error) {
	var last *contracts.TransitionResult
	for _, cand := range cands {
		res, err := c.machine.Transition(ctx, process.Request{
			ProcessID: processID,
			To:        e.To,
			Agent:     cand.Address,
			Role:      e.Role,
			SessionID: sessionID,
		})
		if err != nil {
			return Step{}, nil, err
		}
		if res.OK {
			return Step{
				From:       e.From,
				To:         e.To,
				Agent:      cand.Address,
				Cost:       e.Cost,
				PaymentRef: res.PaymentRef,
				TxRef:      res.TxRef,
			}, res, nil
		}
		if !agentSpecific(res.Reason) {
			return Step{}, res, nil
		}
		c.logger.InfoContext(ctx, "candidate refused, trying next",
			"process_id", processID, "agent", cand.Address, "reason", res.Reason)
		last = res
	}
	if last != nil {
		return Step{}, last, nil
	}
	return Step{}, nil, fmt.Errorf("%w: %s->%s needs %s", ErrNoCandidate, e.From, e.To, e.Role)
}

// agentSpecific reports whether a denial may clear with a different agent.
func agentSpecific(r contracts.Reason) bool {
	return r == contracts.ReasonNotAuthorizedAgent || r == contracts.ReasonBlacklisted
}

// remaining lists the paid edges from s to the terminal state.
func remaining(g *process.Graph, s contracts.State) []process.Edge {
	path := g.Path()
	for i, e := range path {
		if e.From == s {
			return path[i:]
		}
	}
	return nil
}
