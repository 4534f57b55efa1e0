package session

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/Mindburn-Labs/helm-pay/pkg/ratelimit"
)

// actor owns the mutable accounting of one session: its rate window and the
// amounts reserved by in-flight payments. Jobs run one at a time on the
// actor goroutine, which is what makes check-reserve-settle atomic per
// session.
type actor struct {
	id      string
	inbox   chan func(*actorState)
	quit    chan struct{}
	stopped chan struct{}
}

type actorState struct {
	self     *actor
	window   *ratelimit.Window
	reserved finance.Amount
	holds    map[string]finance.Amount
	// dirty is set when a ledger sync had to skip the released total
	// because payments were in flight.
	dirty    bool
	lastUsed time.Time
	stop     bool
}

func (a *actor) loop(st *actorState) {
	defer close(a.stopped)
	for {
		select {
		case job := <-a.inbox:
			job(st)
			if st.stop {
				return
			}
		case <-a.quit:
			return
		}
	}
}

// hold reserves amount under key.
func (st *actorState) hold(key string, amount finance.Amount) {
	st.holds[key] = amount
	st.reserved += amount
}

// unhold drops the reservation under key and returns its amount.
func (st *actorState) unhold(key string) finance.Amount {
	amt, ok := st.holds[key]
	if !ok {
		return 0
	}
	delete(st.holds, key)
	st.reserved -= amt
	return amt
}

// actorFor returns the live actor for sessionID, spawning one if needed.
func (e *Engine) actorFor(sessionID string) (*actor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if a, ok := e.actors[sessionID]; ok {
		return a, nil
	}
	a := &actor{
		id:      sessionID,
		inbox:   make(chan func(*actorState)),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	st := &actorState{
		self:     a,
		window:   ratelimit.NewWindow(e.defaultSpan),
		holds:    make(map[string]finance.Amount),
		lastUsed: e.clock(),
	}
	e.actors[sessionID] = a
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		a.loop(st)
	}()
	return a, nil
}

// do runs fn on the session's actor and waits for it to finish.
func (e *Engine) do(ctx context.Context, sessionID string, fn func(*actorState)) error {
	for {
		a, err := e.actorFor(sessionID)
		if err != nil {
			return err
		}
		done := make(chan struct{})
		job := func(st *actorState) {
			defer close(done)
			st.lastUsed = e.clock()
			fn(st)
		}
		select {
		case a.inbox <- job:
			<-done
			return nil
		case <-a.stopped:
			// actor retired between lookup and send; spawn a fresh one
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Sweep runs one maintenance tick: it evicts expired nonces, trims rate
// windows and retires actors that are idle with nothing reserved. It
// returns the number of nonces evicted and actors retired.
func (e *Engine) Sweep(ctx context.Context) (evicted, retired int) {
	now := e.clock()
	evicted = e.nonces.Evict(now)

	e.mu.Lock()
	actors := make([]*actor, 0, len(e.actors))
	for _, a := range e.actors {
		actors = append(actors, a)
	}
	e.mu.Unlock()

	for _, a := range actors {
		done := make(chan bool, 1)
		job := func(st *actorState) {
			st.window.Trim(now)
			if len(st.holds) > 0 || !st.window.Empty() || now.Sub(st.lastUsed) < e.idleAfter {
				done <- false
				return
			}
			e.mu.Lock()
			if e.actors[a.id] == a {
				delete(e.actors, a.id)
			}
			e.mu.Unlock()
			st.stop = true
			done <- true
		}
		select {
		case a.inbox <- job:
			if <-done {
				retired++
			}
		case <-a.stopped:
		case <-ctx.Done():
			return evicted, retired
		}
	}
	if evicted > 0 || retired > 0 {
		e.logger.DebugContext(ctx, "sweep", "nonces_evicted", evicted, "actors_retired", retired)
	}
	return evicted, retired
}

// Run drives Sweep on the configured interval until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Close stops every actor and waits for them to exit. Calls made after
// Close fail with ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for id, a := range e.actors {
		close(a.quit)
		delete(e.actors, id)
	}
	e.mu.Unlock()
	e.wg.Wait()
	return nil
}

// ActiveActors reports how many session actors are live.
func (e *Engine) ActiveActors() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.actors)
}
