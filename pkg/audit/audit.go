// Package audit records append-only audit entries for every authorization
// decision, fund movement, transition and administrative action.
//
// Audit is best effort: a failed write is logged and never blocks or
// reverses the action being audited.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-pay/pkg/store"
	"github.com/google/uuid"
)

// Recorder persists audit entries.
type Recorder interface {
	Record(ctx context.Context, e *contracts.AuditEntry) error
}

// writerRecorder writes one JSON line per entry, prefixed with "AUDIT: "
// for easy filtering in mixed log streams.
type writerRecorder struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewWriterRecorder creates a Recorder writing to w (os.Stdout if nil).
func NewWriterRecorder(w io.Writer) Recorder {
	if w == nil {
		w = os.Stdout
	}
	return &writerRecorder{writer: w}
}

func (r *writerRecorder) Record(ctx context.Context, e *contracts.AuditEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err = r.writer.Write(append([]byte("AUDIT: "), append(b, '\n')...))
	return err
}

// StoreRecorder appends entries to an AuditStore.
type StoreRecorder struct {
	store store.AuditStore
}

func NewStoreRecorder(s store.AuditStore) *StoreRecorder {
	return &StoreRecorder{store: s}
}

func (r *StoreRecorder) Record(ctx context.Context, e *contracts.AuditEntry) error {
	if r.store == nil {
		return errors.New("audit: store not configured")
	}
	return r.store.AppendAudit(ctx, e)
}

// Multi fans an entry out to every recorder and joins their errors.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, e *contracts.AuditEntry) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Trail stamps entries with an ID and timestamp and hands them to a
// Recorder. A nil *Trail discards entries.
type Trail struct {
	rec    Recorder
	logger *slog.Logger
	clock  func() time.Time
}

// NewTrail creates a Trail. A nil logger uses slog.Default().
func NewTrail(rec Recorder, logger *slog.Logger) *Trail {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trail{
		rec:    rec,
		logger: logger.With("component", "audit"),
		clock:  time.Now,
	}
}

// WithClock overrides clock for testing.
func (t *Trail) WithClock(clock func() time.Time) *Trail {
	t.clock = clock
	return t
}

// Emit records e. Failures are logged at WARN and swallowed.
func (t *Trail) Emit(ctx context.Context, e contracts.AuditEntry) {
	if t == nil || t.rec == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = t.clock().UTC()
	}
	if err := t.rec.Record(ctx, &e); err != nil {
		t.logger.WarnContext(ctx, "audit write failed",
			"action", e.Action,
			"session_id", e.SessionID,
			"process_id", e.ProcessID,
			"error", err,
		)
	}
}
