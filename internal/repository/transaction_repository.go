// internal/repository/transaction_repository.go
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cash-device-service/internal/database"
	"cash-device-service/internal/model"
)

// transactionRepository implements TransactionRepository interface
type transactionRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewTransactionRepository creates a new cash transaction repository
func NewTransactionRepository(db *database.DB, logger *zap.Logger) TransactionRepository {
	return &transactionRepository{
		db:     db,
		logger: logger,
	}
}

// Create records a single bill or coin movement
func (r *transactionRepository) Create(ctx context.Context, tx *model.CashTransaction) error {
	query := `
		INSERT INTO cash_transactions (id, session_id, device_id, direction, amount, denomination_code)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.ExecContext(ctx, query,
		tx.ID, tx.SessionID, tx.DeviceID, tx.Direction, int64(tx.Amount), tx.DenominationCode,
	)
	if err != nil {
		r.logger.Error("Failed to create cash transaction", zap.Error(err), zap.String("device_id", tx.DeviceID))
		return fmt.Errorf("failed to create cash transaction: %w", err)
	}

	return nil
}

// ListBySession retrieves all movements of a payment session
func (r *transactionRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*model.CashTransaction, error) {
	query := `
		SELECT id, session_id, device_id, direction, amount, denomination_code, created_at
		FROM cash_transactions
		WHERE session_id = $1
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session transactions: %w", err)
	}
	defer rows.Close()

	return r.scanTransactions(rows)
}

// ListByDevice retrieves recent movements of a device
func (r *transactionRepository) ListByDevice(ctx context.Context, deviceID string, limit int) ([]*model.CashTransaction, error) {
	query := `
		SELECT id, session_id, device_id, direction, amount, denomination_code, created_at
		FROM cash_transactions
		WHERE device_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list device transactions: %w", err)
	}
	defer rows.Close()

	return r.scanTransactions(rows)
}

// SumBySession totals one direction of a payment session
func (r *transactionRepository) SumBySession(ctx context.Context, sessionID uuid.UUID, direction model.TransactionDirection) (model.Money, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM cash_transactions
		WHERE session_id = $1 AND direction = $2
	`

	var total int64
	err := r.db.QueryRowContext(ctx, query, sessionID, direction).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum session transactions: %w", err)
	}

	return model.Money(total), nil
}

// DeleteOld removes transactions older than the given time
func (r *transactionRepository) DeleteOld(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `DELETE FROM cash_transactions WHERE created_at < $1`

	result, err := r.db.ExecContext(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old transactions: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if deleted > 0 {
		r.logger.Info("Old cash transactions deleted", zap.Int64("count", deleted))
	}
	return deleted, nil
}

func (r *transactionRepository) scanTransactions(rows interface {
	Next() bool
	Scan(...interface{}) error
	Err() error
}) ([]*model.CashTransaction, error) {
	transactions := []*model.CashTransaction{}
	for rows.Next() {
		tx := &model.CashTransaction{}
		var amount int64
		err := rows.Scan(&tx.ID, &tx.SessionID, &tx.DeviceID, &tx.Direction,
			&amount, &tx.DenominationCode, &tx.CreatedAt)
		if err != nil {
			r.logger.Error("Failed to scan transaction row", zap.Error(err))
			continue
		}
		tx.Amount = model.Money(amount)
		transactions = append(transactions, tx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transaction rows: %w", err)
	}
	return transactions, nil
}
