// Package ratelimit implements sliding-window admission control.
//
// A window counts the timestamps of recent calls. Timestamps older than the
// window span are discarded on every attempt; the call is denied when the
// remaining count has reached the limit. Bursts up to the limit are allowed
// anywhere inside a window, and the window slides continuously rather than
// resetting at fixed boundaries. This is not a token bucket.
package ratelimit

import (
	"context"
	"time"
)

// DefaultSpan is the default window length.
const DefaultSpan = 60 * time.Second

// Limiter is a sliding-window limiter shared between engine replicas.
type Limiter interface {
	// Admit records one call for key if fewer than limit calls happened in
	// the trailing window, and reports whether it was admitted.
	Admit(ctx context.Context, key string, limit int, span time.Duration, now time.Time) (bool, error)
	// Peek reports whether Admit would succeed, without recording a call.
	Peek(ctx context.Context, key string, limit int, span time.Duration, now time.Time) (bool, error)
}

// Window is the in-process sliding window for a single key. It is not safe
// for concurrent use: each window is owned by exactly one session actor.
// Its memory is bounded by the limit, since denied calls are not recorded.
type Window struct {
	span   time.Duration
	stamps []time.Time
}

// NewWindow creates a window of the given span (DefaultSpan if <= 0).
func NewWindow(span time.Duration) *Window {
	if span <= 0 {
		span = DefaultSpan
	}
	return &Window{span: span}
}

// Span returns the window length.
func (w *Window) Span() time.Duration { return w.span }

// SetSpan changes the window length for subsequent calls.
func (w *Window) SetSpan(span time.Duration) {
	if span > 0 {
		w.span = span
	}
}

// Admit trims expired stamps and records now if the count is below limit.
func (w *Window) Admit(now time.Time, limit int) bool {
	if !w.Allowed(now, limit) {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

// Allowed trims expired stamps and reports whether one more call fits.
func (w *Window) Allowed(now time.Time, limit int) bool {
	w.Trim(now)
	return len(w.stamps) < limit
}

// Count returns the number of calls inside the window ending at now.
func (w *Window) Count(now time.Time) int {
	w.Trim(now)
	return len(w.stamps)
}

// Trim discards stamps at or before now-span.
func (w *Window) Trim(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	n := copy(w.stamps, w.stamps[i:])
	w.stamps = w.stamps[:n]
}

// Empty reports whether the window holds no stamps.
func (w *Window) Empty() bool { return len(w.stamps) == 0 }
