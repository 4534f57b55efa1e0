package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder style and column types.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQL implements Store using database/sql. Queries are written with '?'
// placeholders and rebound to '$n' for Postgres. Timestamps are stored as
// UTC unix nanoseconds and amounts as integer micro-units.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQL wraps an open database.
func NewSQL(db *sql.DB, dialect Dialect) *SQL {
	return &SQL{db: db, dialect: dialect}
}

// Open connects using a DATABASE_URL style string and initializes the
// schema. postgres:// and postgresql:// use lib/pq; sqlite: and file: use
// modernc sqlite. An empty url returns a Memory store.
func Open(ctx context.Context, url string) (Store, error) {
	switch {
	case url == "":
		return NewMemory(), nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return openSQL(ctx, "postgres", url, DialectPostgres)
	case strings.HasPrefix(url, "sqlite:"):
		return openSQL(ctx, "sqlite", strings.TrimPrefix(url, "sqlite:"), DialectSQLite)
	case strings.HasPrefix(url, "file:"):
		return openSQL(ctx, "sqlite", url, DialectSQLite)
	default:
		return nil, fmt.Errorf("store: unsupported database url scheme in %q", url)
	}
}

func openSQL(ctx context.Context, driver, dsn string, dialect Dialect) (*SQL, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if dialect == DialectSQLite {
		// a single connection keeps ":memory:" databases shared and
		// serializes writers
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", driver, err)
	}
	s := NewSQL(db, dialect)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQL) Close() error { return s.db.Close() }

// DB exposes the underlying handle for health checks.
func (s *SQL) DB() *sql.DB { return s.db }

func (s *SQL) blobType() string {
	if s.dialect == DialectPostgres {
		return "BYTEA"
	}
	return "BLOB"
}

func (s *SQL) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	escrow_agent TEXT NOT NULL DEFAULT '',
	max_spend BIGINT NOT NULL,
	deposited BIGINT NOT NULL,
	released BIGINT NOT NULL,
	expiry BIGINT NOT NULL,
	active BOOLEAN NOT NULL,
	agents TEXT NOT NULL,
	updated_at BIGINT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS releases (
	execution_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	agent TEXT NOT NULL,
	amount BIGINT NOT NULL,
	tx_ref TEXT NOT NULL DEFAULT '',
	ts BIGINT NOT NULL,
	outcome TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT ''
)`,
		`CREATE INDEX IF NOT EXISTS releases_session_idx ON releases (session_id)`,
		`CREATE TABLE IF NOT EXISTS processes (
	id TEXT PRIMARY KEY,
	current_state TEXT NOT NULL,
	previous_state TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL,
	version BIGINT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS transitions (
	process_id TEXT NOT NULL,
	seq BIGINT NOT NULL,
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	agent TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	cost BIGINT NOT NULL,
	payment_ref TEXT NOT NULL DEFAULT '',
	tx_ref TEXT NOT NULL DEFAULT '',
	proof %s,
	proof_digest TEXT NOT NULL DEFAULT '',
	ts BIGINT NOT NULL,
	PRIMARY KEY (process_id, seq)
)`, s.blobType()),
		`CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	action TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	process_id TEXT NOT NULL DEFAULT '',
	agent TEXT NOT NULL DEFAULT '',
	amount BIGINT NOT NULL,
	status TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	ts BIGINT NOT NULL,
	metadata TEXT NOT NULL DEFAULT ''
)`,
		`CREATE INDEX IF NOT EXISTS audit_log_ts_idx ON audit_log (ts)`,
	}
}

// Init creates tables if they do not exist.
func (s *SQL) Init(ctx context.Context) error {
	for _, stmt := range s.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites '?' placeholders to '$n' for Postgres.
func (s *SQL) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// --- sessions ---

const selectSession = `SELECT id, owner, escrow_agent, max_spend, deposited, released, expiry, active, agents, updated_at FROM sessions WHERE id = ?`

func (s *SQL) GetSession(ctx context.Context, id string) (*contracts.Session, error) {
	var (
		sess              contracts.Session
		maxSpend, dep     int64
		rel, exp, updated int64
		agents            string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(selectSession), id).
		Scan(&sess.ID, &sess.Owner, &sess.EscrowAgent, &maxSpend, &dep, &rel, &exp, &sess.Active, &agents, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	sess.MaxSpend = finance.Amount(maxSpend)
	sess.Deposited = finance.Amount(dep)
	sess.Released = finance.Amount(rel)
	sess.Expiry = fromNanos(exp)
	sess.UpdatedAt = fromNanos(updated)
	if err := json.Unmarshal([]byte(agents), &sess.Agents); err != nil {
		return nil, fmt.Errorf("store: decode agents: %w", err)
	}
	return &sess, nil
}

const upsertSession = `INSERT INTO sessions (id, owner, escrow_agent, max_spend, deposited, released, expiry, active, agents, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	owner = excluded.owner,
	escrow_agent = excluded.escrow_agent,
	max_spend = excluded.max_spend,
	deposited = excluded.deposited,
	released = CASE WHEN excluded.released > sessions.released THEN excluded.released ELSE sessions.released END,
	expiry = excluded.expiry,
	active = excluded.active,
	agents = excluded.agents,
	updated_at = excluded.updated_at
WHERE sessions.owner = excluded.owner
	AND sessions.expiry = excluded.expiry
	AND CASE WHEN excluded.released > sessions.released THEN excluded.released ELSE sessions.released END <= excluded.deposited`

func (s *SQL) PutSession(ctx context.Context, sess *contracts.Session) error {
	if err := sess.Validate(); err != nil {
		return fmt.Errorf("store: put session %s: %w", sess.ID, err)
	}
	agents := sess.Agents
	if agents == nil {
		agents = []string{}
	}
	enc, err := encodeJSON(agents)
	if err != nil {
		return fmt.Errorf("store: encode agents: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(upsertSession),
		sess.ID, sess.Owner, sess.EscrowAgent, int64(sess.MaxSpend), int64(sess.Deposited), int64(sess.Released),
		toNanos(sess.Expiry), sess.Active, enc, toNanos(sess.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: put session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: put session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: session %s belongs to a different owner or term, or would release more than deposited",
			ErrConflict, sess.ID)
	}
	return nil
}

const casReleased = `UPDATE sessions SET released = ? WHERE id = ? AND released = ? AND deposited >= ?`

func (s *SQL) CompareAndSetReleased(ctx context.Context, id string, expected, next finance.Amount) error {
	res, err := s.db.ExecContext(ctx, s.rebind(casReleased), int64(next), id, int64(expected), int64(next))
	if err != nil {
		return fmt.Errorf("store: update released: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update released: %w", err)
	}
	if n == 0 {
		return s.missOrConflict(ctx, "sessions", id)
	}
	return nil
}

func (s *SQL) missOrConflict(ctx context.Context, table, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT 1 FROM "+table+" WHERE id = ?"), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, table, id)
	}
	if err != nil {
		return fmt.Errorf("store: check %s: %w", table, err)
	}
	return fmt.Errorf("%w: %s %s", ErrConflict, table, id)
}

// --- releases ---

const upsertRelease = `INSERT INTO releases (execution_id, session_id, agent, amount, tx_ref, ts, outcome, reason)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (execution_id) DO UPDATE SET
	session_id = excluded.session_id,
	agent = excluded.agent,
	amount = excluded.amount,
	tx_ref = excluded.tx_ref,
	ts = excluded.ts,
	outcome = excluded.outcome,
	reason = excluded.reason
WHERE releases.outcome <> 'SETTLED'`

func (s *SQL) PutRelease(ctx context.Context, r *contracts.ReleaseRecord) error {
	res, err := s.db.ExecContext(ctx, s.rebind(upsertRelease),
		r.ExecutionID, r.SessionID, r.Agent, int64(r.Amount), r.TxRef, toNanos(r.Timestamp), string(r.Outcome), string(r.Reason))
	if err != nil {
		return fmt.Errorf("store: put release: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: put release: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: release %s already settled", ErrConflict, r.ExecutionID)
	}
	return nil
}

const releaseColumns = `execution_id, session_id, agent, amount, tx_ref, ts, outcome, reason`

func scanRelease(sc interface{ Scan(...any) error }) (*contracts.ReleaseRecord, error) {
	var (
		r       contracts.ReleaseRecord
		amt, ts int64
		outcome string
		reason  string
	)
	if err := sc.Scan(&r.ExecutionID, &r.SessionID, &r.Agent, &amt, &r.TxRef, &ts, &outcome, &reason); err != nil {
		return nil, err
	}
	r.Amount = finance.Amount(amt)
	r.Timestamp = fromNanos(ts)
	r.Outcome = contracts.ReleaseOutcome(outcome)
	r.Reason = contracts.Reason(reason)
	return &r, nil
}

func (s *SQL) GetRelease(ctx context.Context, executionID string) (*contracts.ReleaseRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT "+releaseColumns+" FROM releases WHERE execution_id = ?"), executionID)
	r, err := scanRelease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: release %s", ErrNotFound, executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get release: %w", err)
	}
	return r, nil
}

func (s *SQL) ListReleases(ctx context.Context, sessionID string) ([]*contracts.ReleaseRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind("SELECT "+releaseColumns+" FROM releases WHERE session_id = ? ORDER BY ts, execution_id"), sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list releases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ReleaseRecord
	for rows.Next() {
		r, err := scanRelease(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan release: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- processes ---

const insertProcess = `INSERT INTO processes (id, current_state, previous_state, metadata, version, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`

func (s *SQL) CreateProcess(ctx context.Context, p *contracts.ProcessInstance) error {
	meta, err := encodeJSON(p.Metadata)
	if err != nil {
		return fmt.Errorf("store: encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(insertProcess),
		p.ID, string(p.CurrentState), string(p.PreviousState), meta, p.Version, toNanos(p.CreatedAt), toNanos(p.UpdatedAt))
	if err != nil {
		if _, getErr := s.GetProcess(ctx, p.ID); getErr == nil {
			return fmt.Errorf("%w: process %s exists", ErrConflict, p.ID)
		}
		return fmt.Errorf("store: create process: %w", err)
	}
	return nil
}

const selectProcess = `SELECT id, current_state, previous_state, metadata, version, created_at, updated_at FROM processes WHERE id = ?`

func (s *SQL) GetProcess(ctx context.Context, id string) (*contracts.ProcessInstance, error) {
	var (
		p                contracts.ProcessInstance
		cur, prev, meta  string
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(selectProcess), id).
		Scan(&p.ID, &cur, &prev, &meta, &p.Version, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: process %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get process: %w", err)
	}
	p.CurrentState = contracts.State(cur)
	p.PreviousState = contracts.State(prev)
	p.CreatedAt = fromNanos(created)
	p.UpdatedAt = fromNanos(updated)
	if err := json.Unmarshal([]byte(meta), &p.Metadata); err != nil {
		return nil, fmt.Errorf("store: decode metadata: %w", err)
	}
	return &p, nil
}

const (
	casProcess = `UPDATE processes SET current_state = ?, previous_state = ?, metadata = ?, version = ?, updated_at = ? WHERE id = ? AND version = ?`

	insertTransition = `INSERT INTO transitions (process_id, seq, from_state, to_state, agent, role, session_id, cost, payment_ref, tx_ref, proof, proof_digest, ts)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

func (s *SQL) CommitTransition(ctx context.Context, p *contracts.ProcessInstance, expectedVersion int64, rec *contracts.TransitionRecord) error {
	meta, err := encodeJSON(p.Metadata)
	if err != nil {
		return fmt.Errorf("store: encode metadata: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.rebind(casProcess),
		string(p.CurrentState), string(p.PreviousState), meta, p.Version, toNanos(p.UpdatedAt), p.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("store: update process: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update process: %w", err)
	}
	if n == 0 {
		_ = tx.Rollback()
		return s.missOrConflict(ctx, "processes", p.ID)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(insertTransition),
		rec.ProcessID, rec.Sequence, string(rec.From), string(rec.To), rec.Agent, string(rec.Role), rec.SessionID,
		int64(rec.Cost), rec.PaymentRef, rec.TxRef, rec.Proof, rec.ProofDigest, toNanos(rec.Timestamp)); err != nil {
		return fmt.Errorf("store: append transition: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit transition: %w", err)
	}
	return nil
}

const selectTransitions = `SELECT process_id, seq, from_state, to_state, agent, role, session_id, cost, payment_ref, tx_ref, proof, proof_digest, ts
FROM transitions WHERE process_id = ? ORDER BY seq`

func (s *SQL) ListTransitions(ctx context.Context, processID string) ([]*contracts.TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(selectTransitions), processID)
	if err != nil {
		return nil, fmt.Errorf("store: list transitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.TransitionRecord
	for rows.Next() {
		var (
			r              contracts.TransitionRecord
			from, to, role string
			cost, ts       int64
		)
		if err := rows.Scan(&r.ProcessID, &r.Sequence, &from, &to, &r.Agent, &role, &r.SessionID,
			&cost, &r.PaymentRef, &r.TxRef, &r.Proof, &r.ProofDigest, &ts); err != nil {
			return nil, fmt.Errorf("store: scan transition: %w", err)
		}
		r.From = contracts.State(from)
		r.To = contracts.State(to)
		r.Role = contracts.Role(role)
		r.Cost = finance.Amount(cost)
		r.Timestamp = fromNanos(ts)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// --- audit ---

const insertAudit = `INSERT INTO audit_log (id, action, session_id, process_id, agent, amount, status, reason, detail, ts, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (s *SQL) AppendAudit(ctx context.Context, e *contracts.AuditEntry) error {
	meta := ""
	if len(e.Metadata) > 0 {
		enc, err := encodeJSON(e.Metadata)
		if err != nil {
			return fmt.Errorf("store: encode audit metadata: %w", err)
		}
		meta = enc
	}
	_, err := s.db.ExecContext(ctx, s.rebind(insertAudit),
		e.ID, string(e.Action), e.SessionID, e.ProcessID, e.Agent, int64(e.Amount), string(e.Status),
		string(e.Reason), e.Detail, toNanos(e.Timestamp), meta)
	if err != nil {
		return fmt.Errorf("store: append audit: %w", err)
	}
	return nil
}

func (s *SQL) QueryAudit(ctx context.Context, f contracts.AuditFilter) ([]*contracts.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.ProcessID != "" {
		where = append(where, "process_id = ?")
		args = append(args, f.ProcessID)
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(f.Action))
	}
	q := "SELECT id, action, session_id, process_id, agent, amount, status, reason, detail, ts, metadata FROM audit_log"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("store: query audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.AuditEntry
	for rows.Next() {
		var (
			e                            contracts.AuditEntry
			action, status, reason, meta string
			amount, ts                   int64
		)
		if err := rows.Scan(&e.ID, &action, &e.SessionID, &e.ProcessID, &e.Agent, &amount, &status,
			&reason, &e.Detail, &ts, &meta); err != nil {
			return nil, fmt.Errorf("store: scan audit: %w", err)
		}
		e.Action = contracts.AuditAction(action)
		e.Status = contracts.AuditStatus(status)
		e.Reason = contracts.Reason(reason)
		e.Amount = finance.Amount(amount)
		e.Timestamp = fromNanos(ts)
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
				return nil, fmt.Errorf("store: decode audit metadata: %w", err)
			}
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// newest-first from the query; callers get chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
