package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/Mindburn-Labs/helm-pay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/Mindburn-Labs/helm-pay/pkg/nonce"
	"github.com/Mindburn-Labs/helm-pay/pkg/ratelimit"
	"github.com/Mindburn-Labs/helm-pay/pkg/security"
	"gopkg.in/yaml.v3"
)

// SupportedPolicyVersions is the range of policy file versions this build
// understands.
const SupportedPolicyVersions = ">= 1.0.0, < 2.0.0"

// ErrUnsupportedVersion is returned for a policy file outside
// SupportedPolicyVersions.
var ErrUnsupportedVersion = errors.New("config: unsupported policy version")

// policyFile is the on-disk shape. Amounts and durations stay strings so
// that parse errors name the offending field.
type policyFile struct {
	Version       string            `yaml:"version"`
	MaxPerCall    string            `yaml:"max_per_call"`
	RateLimit     *int              `yaml:"rate_limit"`
	RateWindow    string            `yaml:"rate_window"`
	NonceTTL      string            `yaml:"nonce_ttl"`
	SweepInterval string            `yaml:"sweep_interval"`
	Costs         map[string]string `yaml:"costs"`
	Blacklist     []string          `yaml:"blacklist"`
}

// Policy is the validated runtime policy.
type Policy struct {
	Version       *semver.Version
	MaxPerCall    finance.Amount
	RateLimit     int
	RateWindow    time.Duration
	NonceTTL      time.Duration
	SweepInterval time.Duration
	Costs         map[contracts.State]finance.Amount
	Blacklist     []string
}

// DefaultPolicy is used when no policy file is configured.
func DefaultPolicy() *Policy {
	return &Policy{
		Version:       semver.MustParse("1.0.0"),
		MaxPerCall:    finance.MustParse("10"),
		RateLimit:     100,
		RateWindow:    ratelimit.DefaultSpan,
		NonceTTL:      nonce.DefaultTTL,
		SweepInterval: 30 * time.Second,
		Costs:         map[contracts.State]finance.Amount{},
	}
}

// Limits returns the default security limits the policy describes.
func (p *Policy) Limits() security.Limits {
	return security.Limits{MaxPerCall: p.MaxPerCall, RateLimit: p.RateLimit, Window: p.RateWindow}
}

// LoadPolicy reads and validates a policy YAML file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy validates policy YAML. Omitted fields keep DefaultPolicy
// values.
func ParsePolicy(data []byte) (*Policy, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := validateShape(doc); err != nil {
		return nil, err
	}
	var raw policyFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if raw.Version == "" {
		return nil, fmt.Errorf("%w: version is required", ErrUnsupportedVersion)
	}
	v, err := semver.NewVersion(raw.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrUnsupportedVersion, raw.Version, err)
	}
	c, err := semver.NewConstraint(SupportedPolicyVersions)
	if err != nil {
		return nil, err
	}
	if !c.Check(v) {
		return nil, fmt.Errorf("%w: %s not in %s", ErrUnsupportedVersion, v, SupportedPolicyVersions)
	}

	p := DefaultPolicy()
	p.Version = v
	if raw.MaxPerCall != "" {
		if p.MaxPerCall, err = finance.ParseAmount(raw.MaxPerCall); err != nil {
			return nil, fmt.Errorf("max_per_call: %w", err)
		}
	}
	if raw.RateLimit != nil {
		if *raw.RateLimit < 0 {
			return nil, fmt.Errorf("rate_limit: must not be negative")
		}
		p.RateLimit = *raw.RateLimit
	}
	durations := []struct {
		field string
		src   string
		dst   *time.Duration
	}{
		{"rate_window", raw.RateWindow, &p.RateWindow},
		{"nonce_ttl", raw.NonceTTL, &p.NonceTTL},
		{"sweep_interval", raw.SweepInterval, &p.SweepInterval},
	}
	for _, d := range durations {
		if d.src == "" {
			continue
		}
		v, err := time.ParseDuration(d.src)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("%s: invalid duration %q", d.field, d.src)
		}
		*d.dst = v
	}
	for state, amount := range raw.Costs {
		s := contracts.State(state)
		if !s.Valid() {
			return nil, fmt.Errorf("costs: unknown state %q", state)
		}
		a, err := finance.ParseAmount(amount)
		if err != nil {
			return nil, fmt.Errorf("costs.%s: %w", state, err)
		}
		p.Costs[s] = a
	}
	p.Blacklist = contracts.NormalizeAgents(raw.Blacklist)
	return p, nil
}
