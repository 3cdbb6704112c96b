// internal/repository/session_repository.go
package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cash-device-service/internal/database"
	"cash-device-service/internal/model"
)

const sessionColumns = `id, target, collected, change, phase, started_at, completed_at`

// sessionRepository implements SessionRepository interface
type sessionRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewSessionRepository creates a new payment session repository
func NewSessionRepository(db *database.DB, logger *zap.Logger) SessionRepository {
	return &sessionRepository{
		db:     db,
		logger: logger,
	}
}

func scanSession(row interface{ Scan(...interface{}) error }) (*model.PaymentSession, error) {
	session := &model.PaymentSession{}
	var target, collected, change int64
	err := row.Scan(&session.ID, &target, &collected, &change,
		&session.Phase, &session.StartedAt, &session.CompletedAt)
	if err != nil {
		return nil, err
	}
	session.Target = model.Money(target)
	session.Collected = model.Money(collected)
	session.Change = model.Money(change)
	return session, nil
}

// Create opens a new payment session record
func (r *sessionRepository) Create(ctx context.Context, session *model.PaymentSession) error {
	query := `
		INSERT INTO payment_sessions (id, target, collected, change, phase)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.db.ExecContext(ctx, query,
		session.ID, int64(session.Target), int64(session.Collected),
		int64(session.Change), session.Phase,
	)
	if err != nil {
		r.logger.Error("Failed to create payment session", zap.Error(err), zap.String("session_id", session.ID.String()))
		return fmt.Errorf("failed to create payment session: %w", err)
	}

	r.logger.Info("Payment session created",
		zap.String("session_id", session.ID.String()),
		zap.Int64("target", int64(session.Target)),
	)
	return nil
}

// GetByID retrieves a payment session
func (r *sessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.PaymentSession, error) {
	query := fmt.Sprintf(`SELECT %s FROM payment_sessions WHERE id = $1`, sessionColumns)

	session, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("payment session not found with id: %s", id)
		}
		return nil, fmt.Errorf("failed to get payment session: %w", err)
	}

	return session, nil
}

// GetActive retrieves the open payment session, if one exists. At
// most one session is open at a time.
func (r *sessionRepository) GetActive(ctx context.Context) (*model.PaymentSession, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM payment_sessions
		WHERE completed_at IS NULL
		ORDER BY started_at DESC
		LIMIT 1
	`, sessionColumns)

	session, err := scanSession(r.db.QueryRowContext(ctx, query))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active payment session: %w", err)
	}

	return session, nil
}

// Update writes the session's current counters and phase
func (r *sessionRepository) Update(ctx context.Context, session *model.PaymentSession) error {
	query := `
		UPDATE payment_sessions SET
			collected = $2, change = $3, phase = $4, completed_at = $5
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		session.ID, int64(session.Collected), int64(session.Change),
		session.Phase, session.CompletedAt,
	)
	if err != nil {
		r.logger.Error("Failed to update payment session", zap.Error(err), zap.String("session_id", session.ID.String()))
		return fmt.Errorf("failed to update payment session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("payment session not found with id: %s", session.ID)
	}

	return nil
}

// ListRecent retrieves the most recent payment sessions
func (r *sessionRepository) ListRecent(ctx context.Context, limit int) ([]*model.PaymentSession, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM payment_sessions
		ORDER BY started_at DESC
		LIMIT $1
	`, sessionColumns)

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*model.PaymentSession{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			r.logger.Error("Failed to scan session row", zap.Error(err))
			continue
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return sessions, nil
}
