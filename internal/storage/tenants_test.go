package storage

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuspendBatchGlobal(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT suspended_batches FROM tenants").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"suspended_batches"}).AddRow(nil))
	mock.ExpectExec("UPDATE tenants SET suspended_batches").
		WithArgs("acme", "*", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.SuspendBatch(context.Background(), "acme", ""))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSuspendBatchAppendsSorted(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT suspended_batches FROM tenants").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"suspended_batches"}).AddRow("newsletter"))
	mock.ExpectExec("UPDATE tenants SET suspended_batches").
		WithArgs("acme", "billing,newsletter", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.SuspendBatch(context.Background(), "acme", "billing"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSuspendBatchNoopWhenFullySuspended(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT suspended_batches FROM tenants").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"suspended_batches"}).AddRow("*"))
	mock.ExpectCommit()

	require.NoError(t, s.SuspendBatch(context.Background(), "acme", "billing"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActivateBatchRejectsPartialWhileGlobal(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT suspended_batches FROM tenants").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"suspended_batches"}).AddRow("*"))
	mock.ExpectRollback()

	err := s.ActivateBatch(context.Background(), "acme", "billing")
	assert.ErrorIs(t, err, ErrSuspendedAll)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActivateBatchClearsLastCode(t *testing.T) {
	s, mock, cleanup := setupTestStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT suspended_batches FROM tenants").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"suspended_batches"}).AddRow("billing"))
	mock.ExpectExec("UPDATE tenants SET suspended_batches").
		WithArgs("acme", nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.ActivateBatch(context.Background(), "acme", "billing"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSplitJoinBatchCodes(t *testing.T) {
	codes := splitBatchCodes("beta, alpha ,,alpha")
	assert.Len(t, codes, 2)
	assert.Equal(t, "alpha,beta", joinBatchCodes(codes))
	assert.Empty(t, joinBatchCodes(splitBatchCodes("")))
}
