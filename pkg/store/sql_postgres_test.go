package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Mindburn-Labs/helm-pay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPostgresMock(t *testing.T) (*SQL, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQL(db, DialectPostgres), mock
}

func TestSQL_RebindPostgres(t *testing.T) {
	s := NewSQL(nil, DialectPostgres)
	assert.Equal(t, "a = $1 AND b = $2", s.rebind("a = ? AND b = ?"))
	assert.Equal(t, "a = ?", NewSQL(nil, DialectSQLite).rebind("a = ?"))
}

func TestSQL_Postgres_CompareAndSetReleased(t *testing.T) {
	s, mock := newPostgresMock(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE sessions SET released = $1 WHERE id = $2 AND released = $3 AND deposited >= $4")).
		WithArgs(int64(15_000_000), "7", int64(10_000_000), int64(15_000_000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.CompareAndSetReleased(ctx, "7", finance.MustParse("10"), finance.MustParse("15")))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE sessions SET released = $1")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM sessions WHERE id = $1")).
		WithArgs("7").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	err := s.CompareAndSetReleased(ctx, "7", finance.MustParse("10"), finance.MustParse("15"))
	assert.ErrorIs(t, err, ErrConflict)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQL_Postgres_PutReleaseConflict(t *testing.T) {
	s, mock := newPostgresMock(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO releases")).
		WithArgs("e1", "7", "0xa", int64(1_000_000), "0xabc", sqlmock.AnyArg(), "SETTLED", "").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.PutRelease(context.Background(), &contracts.ReleaseRecord{
		ExecutionID: "e1", SessionID: "7", Agent: "0xa", Amount: finance.MustParse("1"),
		TxRef: "0xabc", Timestamp: t0, Outcome: contracts.OutcomeSettled,
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQL_Postgres_CommitTransition(t *testing.T) {
	s, mock := newPostgresMock(t)
	p := &contracts.ProcessInstance{
		ID: "p1", CurrentState: contracts.StateVerified, PreviousState: contracts.StateCreated,
		Version: 1, UpdatedAt: t0,
	}
	rec := &contracts.TransitionRecord{
		ProcessID: "p1", Sequence: 1, From: contracts.StateCreated, To: contracts.StateVerified,
		Agent: "0xv", Role: contracts.RoleVerifier, Timestamp: t0,
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE processes SET current_state = $1, previous_state = $2, metadata = $3, version = $4, updated_at = $5 WHERE id = $6 AND version = $7")).
		WithArgs("VERIFIED", "CREATED", "null", int64(1), t0.UnixNano(), "p1", int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transitions")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.CommitTransition(context.Background(), p, 0, rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQL_Postgres_InitUsesBytea(t *testing.T) {
	s, mock := newPostgresMock(t)
	for range s.schema() {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, s.Init(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())

	joined := ""
	for _, stmt := range s.schema() {
		joined += stmt
	}
	assert.Contains(t, joined, "proof BYTEA")
}

func TestSQL_Postgres_PutSessionForeignRow(t *testing.T) {
	s, mock := newPostgresMock(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sessions")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	sess := &contracts.Session{
		ID: "7", Owner: "0xowner", MaxSpend: finance.MustParse("100"), Deposited: finance.MustParse("20"),
		Expiry: t0.Add(time.Hour), Active: true, UpdatedAt: t0,
	}
	assert.ErrorIs(t, s.PutSession(context.Background(), sess), ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}
