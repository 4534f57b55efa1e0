// Package discovery finds agents able to perform a settlement role.
package discovery

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
)

var (
	ErrInvalidAgent = errors.New("discovery: agent needs an address and at least one role")
	ErrUnknownAgent = errors.New("discovery: unknown agent")
)

// Agent is a registered provider.
type Agent struct {
	Address    string           `json:"address"`
	Roles      []contracts.Role `json:"roles"`
	Reputation float64          `json:"reputation"`
	Cost       finance.Amount   `json:"cost"`
	Latency    time.Duration    `json:"latency"`
}

// HasRole reports whether the agent can act as role.
func (a Agent) HasRole(role contracts.Role) bool {
	return slices.Contains(a.Roles, role)
}

// Candidate is an agent ranked for a specific request.
type Candidate struct {
	Agent
	Score float64 `json:"score"`
}

// Discoverer returns candidates for a role, best first.
type Discoverer interface {
	Discover(ctx context.Context, role contracts.Role, minReputation float64) ([]Candidate, error)
}

// Registry is an in-memory Discoverer.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds or replaces an agent.
func (r *Registry) Register(a Agent) error {
	a.Address = contracts.NormalizeAddress(a.Address)
	if a.Address == "" || len(a.Roles) == 0 {
		return ErrInvalidAgent
	}
	a.Roles = slices.Clone(a.Roles)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.Address] = a
	return nil
}

func (r *Registry) Unregister(address string) error {
	address = contracts.NormalizeAddress(address)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[address]; !ok {
		return ErrUnknownAgent
	}
	delete(r.agents, address)
	return nil
}

// Discover ranks agents holding role with at least minReputation.
// Higher reputation wins; ties go to the cheaper, then the faster agent,
// then the lower address so the order is stable.
func (r *Registry) Discover(ctx context.Context, role contracts.Role, minReputation float64) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	var out []Candidate
	for _, a := range r.agents {
		if a.HasRole(role) && a.Reputation >= minReputation {
			out = append(out, Candidate{Agent: a, Score: score(a)})
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(x, y Candidate) int {
		switch {
		case x.Reputation != y.Reputation:
			if x.Reputation > y.Reputation {
				return -1
			}
			return 1
		case x.Cost != y.Cost:
			if x.Cost < y.Cost {
				return -1
			}
			return 1
		case x.Latency != y.Latency:
			if x.Latency < y.Latency {
				return -1
			}
			return 1
		}
		return strings.Compare(x.Address, y.Address)
	})
	return out, nil
}

// score is a single comparable figure for logs and selection policies.
func score(a Agent) float64 {
	return a.Reputation*100 - float64(a.Cost)/float64(finance.Unit) - a.Latency.Seconds()
}
