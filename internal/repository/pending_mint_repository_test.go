package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos-mint/internal/model"
)

const (
	testTicketID = "6f1c1a52-2f44-4f0e-8d0e-6d2f9a3e2a11"
	testEventID  = "0b8d1c5e-93a1-4c4b-b0c9-2a8f7e6d5c44"
)

func pendingMintColumns() []string {
	return []string{
		"id", "ticket_id", "event_id", "status", "tx_hash", "nonce",
		"reserved_at", "submitted_at", "resolved_at", "confirmed_block", "confirmed_tx_hash",
		"created_at", "updated_at",
	}
}

func TestPendingMintRepository_Reserve(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()
	repo := NewPendingMintRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "pending_mints"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
	mock.ExpectCommit()

	pm := &model.PendingMint{TicketID: testTicketID, EventID: testEventID}
	require.NoError(t, repo.Reserve(context.Background(), pm))
	assert.Equal(t, int64(11), pm.ID)
	assert.Equal(t, model.PendingMintStatusReserved, pm.Status)
	assert.NotZero(t, pm.ReservedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingMintRepository_Reserve_AlreadyPending(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()
	repo := NewPendingMintRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "pending_mints"`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "uk_pending_mints_active_ticket"})
	mock.ExpectRollback()

	err := repo.Reserve(context.Background(), &model.PendingMint{TicketID: testTicketID, EventID: testEventID})
	assert.ErrorIs(t, err, ErrMintAlreadyPending)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingMintRepository_GetActiveByTicket(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()
	repo := NewPendingMintRepository(db)

	mock.ExpectQuery(`SELECT \* FROM "pending_mints" WHERE ticket_id = \$1 AND resolved_at IS NULL`).
		WithArgs(testTicketID, 1).
		WillReturnRows(sqlmock.NewRows(pendingMintColumns()).
			AddRow(11, testTicketID, testEventID, 1, "0xtx", 4, 1000, 1001, nil, nil, nil, 1000, 1001))

	pm, err := repo.GetActiveByTicket(context.Background(), testTicketID)
	require.NoError(t, err)
	assert.Equal(t, model.PendingMintStatusSubmitted, pm.Status)
	assert.Equal(t, "0xtx", pm.TxHashOrEmpty())
	assert.True(t, pm.IsActive())

	mock.ExpectQuery(`SELECT \* FROM "pending_mints"`).
		WillReturnRows(sqlmock.NewRows(pendingMintColumns()))
	_, err = repo.GetActiveByTicket(context.Background(), testTicketID)
	assert.ErrorIs(t, err, ErrPendingMintNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingMintRepository_MarkSubmitted(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		db, mock, cleanup := setupMockDB(t)
		defer cleanup()
		repo := NewPendingMintRepository(db)

		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE "pending_mints" SET .* WHERE id = \$\d+ AND status = \$\d+ AND resolved_at IS NULL`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		assert.NoError(t, repo.MarkSubmitted(context.Background(), 11, "0xtx", 4))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already confirmed by reconciler", func(t *testing.T) {
		db, mock, cleanup := setupMockDB(t)
		defer cleanup()
		repo := NewPendingMintRepository(db)

		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE "pending_mints" SET`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		assert.ErrorIs(t, repo.MarkSubmitted(context.Background(), 11, "0xtx", 4), ErrPendingMintConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPendingMintRepository_DeleteReservation(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()
	repo := NewPendingMintRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "pending_mints" WHERE id = \$1 AND status = \$2 AND resolved_at IS NULL`).
		WithArgs(int64(11), model.PendingMintStatusReserved).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	assert.NoError(t, repo.DeleteReservation(context.Background(), 11))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingMintRepository_ConfirmActive(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()
	repo := NewPendingMintRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "pending_mints" SET .* WHERE ticket_id = \$\d+ AND resolved_at IS NULL`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := repo.ConfirmActive(context.Background(), testTicketID, 102, "0xtx")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "pending_mints" SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ok, err = repo.ConfirmActive(context.Background(), testTicketID, 102, "0xtx")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingMintRepository_Unresolved(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()
	repo := NewPendingMintRepository(db)

	mock.ExpectQuery(`SELECT \* FROM "pending_mints" WHERE resolved_at IS NULL AND reserved_at < \$1 ORDER BY reserved_at ASC LIMIT \$2`).
		WithArgs(int64(5000), 50).
		WillReturnRows(sqlmock.NewRows(pendingMintColumns()).
			AddRow(11, testTicketID, testEventID, 0, nil, nil, 1000, nil, nil, nil, nil, 1000, 1000))

	list, err := repo.ListUnresolvedBefore(context.Background(), 5000, 50)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.PendingMintStatusReserved, list[0].Status)
	assert.Nil(t, list[0].TxHash)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "pending_mints" WHERE resolved_at IS NULL`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := repo.CountUnresolved(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
