// Package security holds the process-wide security policy: the emergency
// pause flag, the agent blacklist, and the per-call amount and call-rate
// ceilings (global defaults with optional per-session overrides).
//
// Administrative mutations take effect on the next evaluation. They are
// privileged and assumed pre-authorized by the caller.
package security

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
)

var (
	ErrInvalidLimit = errors.New("security: limit must not be negative")
	ErrEmptyAgent   = errors.New("security: agent address must not be empty")
)

// Limits are the ceilings applied to a session.
type Limits struct {
	MaxPerCall finance.Amount `json:"max_per_call" yaml:"max_per_call"`
	RateLimit  int            `json:"rate_limit" yaml:"rate_limit"`
	Window     time.Duration  `json:"window" yaml:"window"`
}

// Override replaces individual default limits for one session. Nil fields
// fall back to the global default.
type Override struct {
	MaxPerCall *finance.Amount `json:"max_per_call,omitempty"`
	RateLimit  *int            `json:"rate_limit,omitempty"`
}

// Store persists policy state. Writes must be visible to the next read from
// any worker sharing the store.
type Store interface {
	Paused(ctx context.Context) (bool, error)
	SetPaused(ctx context.Context, paused bool) error
	IsBlacklisted(ctx context.Context, agent string) (bool, error)
	SetBlacklisted(ctx context.Context, agent string, blacklisted bool) error
	Blacklist(ctx context.Context) ([]string, error)
	Defaults(ctx context.Context) (Limits, error)
	SetDefaults(ctx context.Context, limits Limits) error
	Override(ctx context.Context, sessionID string) (Override, error)
	SetOverride(ctx context.Context, sessionID string, o Override) error
}

// Policy answers policy questions for the authorization engine.
type Policy struct {
	store Store
}

// NewPolicy wraps a Store.
func NewPolicy(store Store) *Policy {
	return &Policy{store: store}
}

// Paused reports whether the emergency pause is engaged.
func (p *Policy) Paused(ctx context.Context) (bool, error) {
	return p.store.Paused(ctx)
}

// Pause engages the emergency pause.
func (p *Policy) Pause(ctx context.Context) error {
	return p.store.SetPaused(ctx, true)
}

// Unpause releases the emergency pause.
func (p *Policy) Unpause(ctx context.Context) error {
	return p.store.SetPaused(ctx, false)
}

// IsBlacklisted reports whether agent is barred from receiving funds.
func (p *Policy) IsBlacklisted(ctx context.Context, agent string) (bool, error) {
	return p.store.IsBlacklisted(ctx, contracts.NormalizeAddress(agent))
}

// Blacklist bars agent from receiving funds from any session.
func (p *Policy) Blacklist(ctx context.Context, agent string) error {
	return p.setBlacklisted(ctx, agent, true)
}

// Unblacklist lifts a blacklist entry.
func (p *Policy) Unblacklist(ctx context.Context, agent string) error {
	return p.setBlacklisted(ctx, agent, false)
}

func (p *Policy) setBlacklisted(ctx context.Context, agent string, on bool) error {
	agent = contracts.NormalizeAddress(agent)
	if agent == "" {
		return ErrEmptyAgent
	}
	return p.store.SetBlacklisted(ctx, agent, on)
}

// Blacklisted lists all blacklisted agents.
func (p *Policy) Blacklisted(ctx context.Context) ([]string, error) {
	return p.store.Blacklist(ctx)
}

// SetMaxPerCall sets the per-call ceiling. An empty sessionID sets the
// global default.
func (p *Policy) SetMaxPerCall(ctx context.Context, sessionID string, max finance.Amount) error {
	if max < 0 {
		return ErrInvalidLimit
	}
	if sessionID == "" {
		d, err := p.store.Defaults(ctx)
		if err != nil {
			return err
		}
		d.MaxPerCall = max
		return p.store.SetDefaults(ctx, d)
	}
	o, err := p.store.Override(ctx, sessionID)
	if err != nil {
		return err
	}
	o.MaxPerCall = &max
	return p.store.SetOverride(ctx, sessionID, o)
}

// SetRateLimit sets the calls-per-window ceiling. An empty sessionID sets
// the global default.
func (p *Policy) SetRateLimit(ctx context.Context, sessionID string, limit int) error {
	if limit < 0 {
		return ErrInvalidLimit
	}
	if sessionID == "" {
		d, err := p.store.Defaults(ctx)
		if err != nil {
			return err
		}
		d.RateLimit = limit
		return p.store.SetDefaults(ctx, d)
	}
	o, err := p.store.Override(ctx, sessionID)
	if err != nil {
		return err
	}
	o.RateLimit = &limit
	return p.store.SetOverride(ctx, sessionID, o)
}

// Effective resolves the limits for a session: override else default.
func (p *Policy) Effective(ctx context.Context, sessionID string) (Limits, error) {
	d, err := p.store.Defaults(ctx)
	if err != nil {
		return Limits{}, fmt.Errorf("load default limits: %w", err)
	}
	o, err := p.store.Override(ctx, sessionID)
	if err != nil {
		return Limits{}, fmt.Errorf("load session override: %w", err)
	}
	if o.MaxPerCall != nil {
		d.MaxPerCall = *o.MaxPerCall
	}
	if o.RateLimit != nil {
		d.RateLimit = *o.RateLimit
	}
	return d, nil
}
