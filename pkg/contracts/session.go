package contracts

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"golang.org/x/text/unicode/norm"
)

// ErrInvariantViolation is returned when a session would break
// released <= deposited <= maxSpend.
var ErrInvariantViolation = errors.New("session invariant violated")

// Session is the mirror of a pre-funded, time-boxed spending budget held on
// the ledger of record.
type Session struct {
	ID          string         `json:"id"`
	Owner       string         `json:"owner"`
	EscrowAgent string         `json:"escrow_agent"`
	MaxSpend    finance.Amount `json:"max_spend"`
	Deposited   finance.Amount `json:"deposited"`
	Released    finance.Amount `json:"released"`
	Expiry      time.Time      `json:"expiry"`
	Active      bool           `json:"active"`
	Agents      []string       `json:"agents"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// NormalizeAddress canonicalizes an account or agent address: trimmed,
// NFC-normalized and lowercased, so visually equal addresses compare equal.
func NormalizeAddress(addr string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(addr)))
}

// Remaining returns deposited - released, floored at zero.
func (s *Session) Remaining() finance.Amount {
	if s.Released >= s.Deposited {
		return 0
	}
	return s.Deposited - s.Released
}

// IsAuthorized reports whether agent may draw from the session.
func (s *Session) IsAuthorized(agent string) bool {
	return slices.Contains(s.Agents, NormalizeAddress(agent))
}

// Expired reports whether now is at or past the session expiry.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.Expiry)
}

// Validate checks the accounting invariant.
func (s *Session) Validate() error {
	if s.Released < 0 || s.Deposited < 0 || s.MaxSpend < 0 {
		return fmt.Errorf("%w: negative amount in session %s", ErrInvariantViolation, s.ID)
	}
	if s.Released > s.Deposited {
		return fmt.Errorf("%w: released %s > deposited %s", ErrInvariantViolation, s.Released, s.Deposited)
	}
	if s.Deposited > s.MaxSpend {
		return fmt.Errorf("%w: deposited %s > max spend %s", ErrInvariantViolation, s.Deposited, s.MaxSpend)
	}
	return nil
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Agents = slices.Clone(s.Agents)
	return &c
}

// NormalizeAgents lowercases, dedupes and sorts an agent list.
func NormalizeAgents(agents []string) []string {
	out := make([]string, 0, len(agents))
	for _, a := range agents {
		if a = NormalizeAddress(a); a != "" {
			out = append(out, a)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
