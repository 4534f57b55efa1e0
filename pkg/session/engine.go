// Package session implements the session authorization engine: it decides
// whether an agent may be paid from a pre-funded session, and performs the
// release against the ledger of record.
//
// Each session is owned by an actor goroutine. An admitted payment reserves
// its amount on the actor before the ledger call and settles or cancels the
// reservation afterwards, so concurrent payments can never jointly exceed
// the remaining balance.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/audit"
	"github.com/Mindburn-Labs/helm-pay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/Mindburn-Labs/helm-pay/pkg/ledger"
	"github.com/Mindburn-Labs/helm-pay/pkg/nonce"
	"github.com/Mindburn-Labs/helm-pay/pkg/observability"
	"github.com/Mindburn-Labs/helm-pay/pkg/ratelimit"
	"github.com/Mindburn-Labs/helm-pay/pkg/security"
	"github.com/Mindburn-Labs/helm-pay/pkg/store"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrClosed        = errors.New("session: engine closed")
	ErrInvalidAmount = errors.New("session: amount must be positive")
	ErrEmptySession  = errors.New("session: session id must not be empty")
)

const (
	DefaultLedgerTimeout = 30 * time.Second
	DefaultSweepInterval = 30 * time.Second
	DefaultIdleAfter     = 5 * time.Minute
	casRetries           = 3
)

// Engine is the session authorization engine.
type Engine struct {
	ledger  ledger.Ledger
	store   store.Store
	policy  *security.Policy
	nonces  *nonce.Ledger
	shared  ratelimit.Limiter
	trail   *audit.Trail
	metrics *observability.Metrics
	logger  *slog.Logger
	clock   func() time.Time

	nonceTTL      time.Duration
	ledgerTimeout time.Duration
	sweepInterval time.Duration
	idleAfter     time.Duration
	defaultSpan   time.Duration

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
	wg     sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the decision, release and ledger-call instruments. Nil disables them.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithAudit sets the trail that receives denial, release and admin entries.
func WithAudit(t *audit.Trail) Option {
	return func(e *Engine) { e.trail = t }
}

// WithSharedLimiter replaces the per-actor rate windows with a limiter
// shared between replicas.
func WithSharedLimiter(l ratelimit.Limiter) Option {
	return func(e *Engine) { e.shared = l }
}

// WithNonceTTL sets the replay-protection window.
func WithNonceTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.nonceTTL = ttl }
}

// WithLedgerTimeout bounds each ledger call including its confirmation wait.
func WithLedgerTimeout(d time.Duration) Option {
	return func(e *Engine) { e.ledgerTimeout = d }
}

// WithSweepInterval sets the tick of Run.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) { e.sweepInterval = d }
}

// WithIdleAfter sets how long a session actor may sit idle before Sweep
// retires it.
func WithIdleAfter(d time.Duration) Option {
	return func(e *Engine) { e.idleAfter = d }
}

// NewEngine creates an engine.
func NewEngine(l ledger.Ledger, s store.Store, p *security.Policy, opts ...Option) *Engine {
	e := &Engine{
		ledger:        l,
		store:         s,
		policy:        p,
		clock:         time.Now,
		nonceTTL:      nonce.DefaultTTL,
		ledgerTimeout: DefaultLedgerTimeout,
		sweepInterval: DefaultSweepInterval,
		idleAfter:     DefaultIdleAfter,
		defaultSpan:   ratelimit.DefaultSpan,
		actors:        make(map[string]*actor),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "session")
	e.nonces = nonce.NewLedger(e.nonceTTL).WithClock(e.clock)
	return e
}

// Nonces exposes the replay ledger.
func (e *Engine) Nonces() *nonce.Ledger { return e.nonces }

// Policy exposes the security policy.
func (e *Engine) Policy() *security.Policy { return e.policy }

// Paused reports whether the emergency pause is engaged.
func (e *Engine) Paused(ctx context.Context) (bool, error) {
	return e.policy.Paused(ctx)
}

// evalMode selects what a successful evaluation commits.
type evalMode int

const (
	// dryRun consumes nothing.
	dryRun evalMode = iota
	// admitAndHold consumes a rate slot and reserves the amount.
	admitAndHold
)

// CanExecute answers whether agent may be paid amount from the session
// right now. It is a dry run: no rate slot is consumed and nothing is
// reserved. On an infrastructure error the decision is a denial and the
// error is returned alongside it.
func (e *Engine) CanExecute(ctx context.Context, sessionID, agent string, amount finance.Amount) (contracts.Decision, error) {
	ctx, span := observability.StartSpan(ctx, "session.CanExecute",
		attribute.String("session.id", sessionID),
		attribute.String("agent", agent),
	)
	defer span.End()

	d, err := e.evaluate(ctx, sessionID, contracts.NormalizeAddress(agent), amount, dryRun, "")
	e.metrics.RecordDecision(ctx, d.Allowed, d.Reason)
	if err != nil {
		span.RecordError(err)
		return d, err
	}
	if !d.Allowed {
		e.trail.Emit(ctx, contracts.AuditEntry{
			Action:    contracts.AuditReleaseDenied,
			SessionID: sessionID,
			Agent:     contracts.NormalizeAddress(agent),
			Amount:    amount,
			Status:    contracts.AuditStatusDenied,
			Reason:    d.Reason,
			Detail:    d.Detail,
			Metadata:  map[string]string{"dry_run": "true"},
		})
	}
	return d, nil
}

type checker struct {
	d contracts.Decision
}

func newChecker() *checker {
	return &checker{d: contracts.Decision{Checks: make(map[contracts.Check]bool, len(contracts.CheckOrder))}}
}

func (c *checker) pass(check contracts.Check) { c.d.Checks[check] = true }

func (c *checker) fail(check contracts.Check, reason contracts.Reason, format string, args ...any) contracts.Decision {
	c.d.Checks[check] = false
	c.d.Allowed = false
	c.d.Reason = reason
	c.d.Detail = fmt.Sprintf(format, args...)
	return c.d
}

// evaluate runs the eight checks in order and stops at the first failure.
// The policy checks run before the session actor is touched so that a
// paused engine or a blacklisted agent never spins up per-session state.
func (e *Engine) evaluate(ctx context.Context, sessionID, agent string, amount finance.Amount, mode evalMode, holdKey string) (contracts.Decision, error) {
	c := newChecker()
	limits, ok, err := e.policyChecks(ctx, c, sessionID, agent, amount)
	if err != nil || !ok {
		return c.d, err
	}

	var (
		d       contracts.Decision
		evalErr error
	)
	err = e.do(ctx, sessionID, func(st *actorState) {
		d, evalErr = e.evaluateOnActor(ctx, st, c, sessionID, agent, amount, limits, mode, holdKey)
	})
	if err != nil {
		return c.fail(contracts.CheckRateLimit, contracts.ReasonNone, "session actor unavailable"), err
	}
	return d, evalErr
}

// policyChecks runs checks 1-3 against the shared policy state. ok is false
// when a check failed; c then holds the denial.
func (e *Engine) policyChecks(ctx context.Context, c *checker, sessionID, agent string, amount finance.Amount) (security.Limits, bool, error) {
	paused, err := e.policy.Paused(ctx)
	if err != nil {
		c.fail(contracts.CheckNotPaused, contracts.ReasonNone, "policy unavailable")
		return security.Limits{}, false, fmt.Errorf("read pause flag: %w", err)
	}
	if paused {
		c.fail(contracts.CheckNotPaused, contracts.ReasonPaused, "emergency pause engaged")
		return security.Limits{}, false, nil
	}
	c.pass(contracts.CheckNotPaused)

	banned, err := e.policy.IsBlacklisted(ctx, agent)
	if err != nil {
		c.fail(contracts.CheckNotBlacklisted, contracts.ReasonNone, "policy unavailable")
		return security.Limits{}, false, fmt.Errorf("read blacklist: %w", err)
	}
	if banned {
		c.fail(contracts.CheckNotBlacklisted, contracts.ReasonBlacklisted, "agent %s is blacklisted", agent)
		return security.Limits{}, false, nil
	}
	c.pass(contracts.CheckNotBlacklisted)

	limits, err := e.policy.Effective(ctx, sessionID)
	if err != nil {
		c.fail(contracts.CheckWithinCallLimit, contracts.ReasonNone, "policy unavailable")
		return security.Limits{}, false, err
	}
	if amount > limits.MaxPerCall {
		c.fail(contracts.CheckWithinCallLimit, contracts.ReasonOverCallLimit,
			"amount %s exceeds per-call limit %s", amount, limits.MaxPerCall)
		return security.Limits{}, false, nil
	}
	c.pass(contracts.CheckWithinCallLimit)
	return limits, true, nil
}

// evaluateOnActor runs checks 4-8. It executes on the session actor.
func (e *Engine) evaluateOnActor(ctx context.Context, st *actorState, c *checker, sessionID, agent string,
	amount finance.Amount, limits security.Limits, mode evalMode, holdKey string) (contracts.Decision, error) {

	now := e.clock()
	span := limits.Window
	if span <= 0 {
		span = e.defaultSpan
	}
	st.window.SetSpan(span)

	var (
		fits bool
		err  error
	)
	if e.shared != nil {
		fits, err = e.shared.Peek(ctx, sessionID, limits.RateLimit, span, now)
		if err != nil {
			return c.fail(contracts.CheckRateLimit, contracts.ReasonNone, "rate limiter unavailable"), fmt.Errorf("peek rate window: %w", err)
		}
	} else {
		fits = st.window.Allowed(now, limits.RateLimit)
	}
	if !fits {
		return c.fail(contracts.CheckRateLimit, contracts.ReasonRateLimited,
			"%d calls per %s reached", limits.RateLimit, span), nil
	}
	c.pass(contracts.CheckRateLimit)

	sess, err := e.mirror(ctx, st, sessionID)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, ledger.ErrUnknownSession) {
		return c.fail(contracts.CheckSessionActive, contracts.ReasonSessionNotFound, "session %s not found", sessionID), nil
	}
	if err != nil {
		return c.fail(contracts.CheckSessionActive, contracts.ReasonNone, "session store unavailable"), err
	}
	if !sess.Active {
		return c.fail(contracts.CheckSessionActive, contracts.ReasonSessionInactive, "session %s is not active", sessionID), nil
	}
	c.pass(contracts.CheckSessionActive)

	if sess.Expired(now) {
		return c.fail(contracts.CheckNotExpired, contracts.ReasonSessionExpired, "session expired at %s", sess.Expiry.Format(time.RFC3339)), nil
	}
	c.pass(contracts.CheckNotExpired)

	if !sess.IsAuthorized(agent) {
		return c.fail(contracts.CheckAgentAuthorized, contracts.ReasonNotAuthorizedAgent, "agent %s not authorized for session %s", agent, sessionID), nil
	}
	c.pass(contracts.CheckAgentAuthorized)

	remaining := sess.Remaining() - st.reserved
	if remaining < 0 {
		remaining = 0
	}
	c.d.Remaining = remaining
	if amount > remaining {
		return c.fail(contracts.CheckSufficientBalance, contracts.ReasonInsufficientBalance,
			"amount %s exceeds remaining %s", amount, remaining), nil
	}
	c.pass(contracts.CheckSufficientBalance)

	if mode == admitAndHold {
		if e.shared != nil {
			ok, err := e.shared.Admit(ctx, sessionID, limits.RateLimit, span, now)
			if err != nil {
				return c.fail(contracts.CheckRateLimit, contracts.ReasonNone, "rate limiter unavailable"), fmt.Errorf("admit rate window: %w", err)
			}
			if !ok {
				// another replica took the last slot after our peek
				return c.fail(contracts.CheckRateLimit, contracts.ReasonRateLimited,
					"%d calls per %s reached", limits.RateLimit, span), nil
			}
		} else {
			st.window.Admit(now, limits.RateLimit)
		}
		st.hold(holdKey, amount)
		c.d.Remaining = remaining - amount
	}
	c.d.Allowed = true
	return c.d, nil
}

// mirror loads the session mirror, hydrating it from the ledger on a miss.
// It runs on the session actor.
func (e *Engine) mirror(ctx context.Context, st *actorState, sessionID string) (*contracts.Session, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return e.syncOnActor(ctx, st, sessionID)
}

// syncOnActor refreshes the mirror from the ledger of record. While
// payments are in flight the released total is left alone, since the
// ledger may already include a release whose reservation has not been
// settled yet; the sync is repeated once the session is quiet.
func (e *Engine) syncOnActor(ctx context.Context, st *actorState, sessionID string) (*contracts.Session, error) {
	led, err := e.ledger.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(st.holds) > 0 {
		cur, err := e.store.GetSession(ctx, sessionID)
		switch {
		case err == nil:
			led.Released = cur.Released
		case errors.Is(err, store.ErrNotFound):
			led.Released = 0
		default:
			return nil, err
		}
		st.dirty = true
	} else {
		st.dirty = false
	}
	if err := e.store.PutSession(ctx, led); err != nil {
		return nil, fmt.Errorf("store session mirror: %w", err)
	}
	return e.store.GetSession(ctx, sessionID)
}

// settleOnActor converts the reservation under key into released funds.
// The mirror is moved with a conditional update and falls back to a ledger
// sync if the update keeps conflicting.
func (e *Engine) settleOnActor(ctx context.Context, st *actorState, sessionID, key string) error {
	amount := st.unhold(key)
	var err error
	for i := 0; i < casRetries; i++ {
		var cur *contracts.Session
		cur, err = e.store.GetSession(ctx, sessionID)
		if err != nil {
			break
		}
		next, addErr := cur.Released.Add(amount)
		if addErr != nil {
			err = addErr
			break
		}
		if err = e.store.CompareAndSetReleased(ctx, sessionID, cur.Released, next); err == nil {
			break
		}
		if !errors.Is(err, store.ErrConflict) {
			break
		}
	}
	if err != nil {
		e.logger.WarnContext(ctx, "released mirror update failed, resyncing from ledger",
			"session_id", sessionID, "error", err)
		_, err = e.syncOnActor(ctx, st, sessionID)
		return err
	}
	if st.dirty && len(st.holds) == 0 {
		_, err = e.syncOnActor(ctx, st, sessionID)
	}
	return err
}

// cancelOnActor drops the reservation under key.
func (e *Engine) cancelOnActor(ctx context.Context, st *actorState, sessionID, key string) {
	st.unhold(key)
	if st.dirty && len(st.holds) == 0 {
		if _, err := e.syncOnActor(ctx, st, sessionID); err != nil {
			e.logger.WarnContext(ctx, "deferred mirror sync failed", "session_id", sessionID, "error", err)
		}
	}
}
