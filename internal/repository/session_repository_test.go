// internal/repository/session_repository_test.go
package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cash-device-service/internal/model"
)

func TestSessionRepositoryCreate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepository(db, zap.NewNop())

	session := &model.PaymentSession{
		ID:     uuid.New(),
		Target: model.Money(25000),
		Phase:  "ACCEPTING",
	}

	mock.ExpectExec("INSERT INTO payment_sessions").
		WithArgs(session.ID, int64(25000), int64(0), int64(0), "ACCEPTING").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Create(context.Background(), session))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryGetActive(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepository(db, zap.NewNop())
	id := uuid.New()

	rows := sqlmock.NewRows([]string{"id", "target", "collected", "change", "phase", "started_at", "completed_at"}).
		AddRow(id, int64(25000), int64(10000), int64(0), "ACCEPTING", time.Now(), nil)
	mock.ExpectQuery("SELECT (.+) FROM payment_sessions").
		WillReturnRows(rows)

	session, err := repo.GetActive(context.Background())
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, id, session.ID)
	assert.Equal(t, model.Money(10000), session.Collected)
	assert.Nil(t, session.CompletedAt)
}

func TestSessionRepositoryGetActiveNone(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepository(db, zap.NewNop())

	mock.ExpectQuery("SELECT (.+) FROM payment_sessions").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	session, err := repo.GetActive(context.Background())
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestTransactionRepositoryCreateAndSum(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTransactionRepository(db, zap.NewNop())
	sessionID := uuid.New()

	tx := &model.CashTransaction{
		ID:               uuid.New(),
		SessionID:        &sessionID,
		DeviceID:         "bill_acceptor",
		Direction:        model.DirectionAccepted,
		Amount:           model.Money(10000),
		DenominationCode: 0x04,
	}

	mock.ExpectExec("INSERT INTO cash_transactions").
		WithArgs(tx.ID, tx.SessionID, tx.DeviceID, tx.Direction, int64(10000), 0x04).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Create(context.Background(), tx))

	mock.ExpectQuery("SELECT COALESCE").
		WithArgs(sessionID, model.DirectionAccepted).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(10000)))

	total, err := repo.SumBySession(context.Background(), sessionID, model.DirectionAccepted)
	require.NoError(t, err)
	assert.Equal(t, model.Money(10000), total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionRepositoryListBySession(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTransactionRepository(db, zap.NewNop())
	sessionID := uuid.New()

	rows := sqlmock.NewRows([]string{"id", "session_id", "device_id", "direction", "amount", "denomination_code", "created_at"}).
		AddRow(uuid.New(), sessionID, "bill_acceptor", "ACCEPTED", int64(10000), 4, time.Now()).
		AddRow(uuid.New(), sessionID, "coin_acceptor", "ACCEPTED", int64(500), 14, time.Now())
	mock.ExpectQuery("SELECT (.+) FROM cash_transactions").
		WithArgs(sessionID).
		WillReturnRows(rows)

	transactions, err := repo.ListBySession(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, transactions, 2)
	assert.Equal(t, model.Money(10000), transactions[0].Amount)
	assert.Equal(t, "coin_acceptor", transactions[1].DeviceID)
}
