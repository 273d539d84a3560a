package dbexec

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryFlatRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "e1__id"}).
			AddRow(int64(1), []byte("Ann"), int64(10)).
			AddRow(int64(2), []byte("Bob"), nil))

	rows, err := QueryFlatRows(context.Background(), NewStandardExecutor(db), "SELECT `e0`.`id` FROM `authors` AS `e0`")
	require.NoError(t, err)
	assert.Equal(t, []FlatRow{
		{"id": int64(1), "name": []byte("Ann"), "e1__id": int64(10)},
		{"id": int64(2), "name": []byte("Bob"), "e1__id": nil},
	}, rows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryFlatRows_Errors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("boom")
	mock.ExpectQuery("SELECT").WillReturnError(boom)
	_, err = QueryFlatRows(context.Background(), NewStandardExecutor(db), "SELECT 1")
	assert.ErrorIs(t, err, boom)

	mock.ExpectQuery("SELECT").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1).RowError(0, boom))
	_, err = QueryFlatRows(context.Background(), NewStandardExecutor(db), "SELECT 1")
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStandardExecutor_NilDB(t *testing.T) {
	exec := NewStandardExecutor(nil)
	_, err := exec.QueryContext(context.Background(), "SELECT 1")
	assert.Error(t, err)
	_, err = exec.ExecContext(context.Background(), "DELETE FROM t")
	assert.Error(t, err)
	_, err = exec.BeginTx(context.Background())
	assert.Error(t, err)
}

func TestInTx(t *testing.T) {
	t.Run("commits on success", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM").WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()

		err = InTx(context.Background(), NewStandardExecutor(db), func(exec QueryExecutor) error {
			_, err := exec.ExecContext(context.Background(), "DELETE FROM `book_tags` WHERE `book_id` = ?", 1)
			return err
		})
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on error", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		boom := errors.New("boom")
		mock.ExpectBegin()
		mock.ExpectRollback()

		err = InTx(context.Background(), NewStandardExecutor(db), func(QueryExecutor) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("runs directly without transaction support", func(t *testing.T) {
		called := false
		err := InTx(context.Background(), plainExecutor{}, func(QueryExecutor) error {
			called = true
			return nil
		})
		require.NoError(t, err)
		assert.True(t, called)
	})
}

type plainExecutor struct{}

func (plainExecutor) QueryContext(context.Context, string, ...any) (Rows, error) {
	return nil, errors.New("not implemented")
}

func (plainExecutor) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return nil, errors.New("not implemented")
}
