package database

import (
	"context"
	"errors"
	"testing"

	"database/sql"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	app, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return NewFromPools(app, app), mock
}

func TestWithUserScopeSetsLocalAndCommits(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("set_config").
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO targets").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := db.WithUserScope(context.Background(), "u1", func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO targets (id) VALUES ($1)", "t1")
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithUserScopeRollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("set_config").WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := db.WithUserScope(context.Background(), "u1", func(tx *sql.Tx) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithUserScopeRejectsEmptyUser(t *testing.T) {
	db, _ := newMockDB(t)
	err := db.WithUserScope(context.Background(), "", func(tx *sql.Tx) error { return nil })
	assert.ErrorIs(t, err, ErrNoScope)
}

func TestClassifyMapsRLSViolation(t *testing.T) {
	pqErr := &pq.Error{Code: "42501", Message: "new row violates row-level security policy"}
	err := classify(pqErr)
	assert.ErrorIs(t, err, ErrIsolation)

	other := errors.New("plain")
	assert.Equal(t, other, classify(other))
}
