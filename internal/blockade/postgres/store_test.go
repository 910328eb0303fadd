package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock, "domain_blockades", func() time.Time { return fixedNow })
	require.NoError(t, err)
	return store, mock
}

func TestRecordInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO domain_blockades").
		WithArgs("example.com", "captcha wall", "https://example.com/x", fixedNow, fixedNow.Add(time.Hour)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Record(context.Background(), "Example.com", "captcha wall", "https://example.com/x", time.Hour))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsBlocked(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("example.com", fixedNow).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	blocked, err := store.IsBlocked(context.Background(), "example.com:443")
	require.NoError(t, err)
	require.True(t, blocked)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveNoRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT domain, trigger_reason").
		WithArgs("example.com", fixedNow).
		WillReturnError(pgx.ErrNoRows)

	b, err := store.Active(context.Background(), "example.com")
	require.NoError(t, err)
	require.Nil(t, b)
}

func TestActiveReturnsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rows := pgxmock.NewRows([]string{"domain", "trigger_reason", "trigger_url", "created_at", "expire_at"}).
		AddRow("example.com", "repeated failures", "https://example.com/", fixedNow, fixedNow.Add(time.Hour))
	mock.ExpectQuery("SELECT domain, trigger_reason").
		WithArgs("example.com", fixedNow).
		WillReturnRows(rows)

	b, err := store.Active(context.Background(), "example.com")
	require.NoError(t, err)
	require.Equal(t, "repeated failures", b.TriggerReason)
	require.True(t, b.Active(fixedNow))
}

func TestPurgeReturnsRowsAffected(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	cutoff := fixedNow.Add(-24 * time.Hour)
	mock.ExpectExec("DELETE FROM domain_blockades").
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))

	n, err := store.Purge(context.Background(), cutoff)
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestIsBlockedWrapsErrors(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT EXISTS").WillReturnError(errors.New("connection reset"))

	_, err := store.IsBlocked(context.Background(), "example.com")
	require.ErrorContains(t, err, "query blockade")
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS domain_blockades").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
}

func TestNewWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "blockades; DROP TABLE x", nil)
	require.Error(t, err)
	_, err = NewWithPool(nil, "", nil)
	require.Error(t, err)
}
