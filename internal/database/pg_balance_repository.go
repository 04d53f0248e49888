package database

import (
	"context"
	"errors"
	"fmt"

	"companion-server/internal/interfaces"
	"companion-server/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Compile-time check
var _ interfaces.BalanceRepository = (*pgBalanceRepository)(nil)

type pgBalanceRepository struct {
	logger *zap.Logger
}

// NewPgBalanceRepository создает новый экземпляр репозитория балансов.
func NewPgBalanceRepository(logger *zap.Logger) interfaces.BalanceRepository {
	return &pgBalanceRepository{
		logger: logger.Named("PgBalanceRepo"),
	}
}

const getBalanceQuery = `
SELECT amount FROM balances WHERE user_id = $1`

const ensureBalanceQuery = `
INSERT INTO balances (user_id, amount)
VALUES ($1, $2)
ON CONFLICT (user_id) DO NOTHING`

// Guard amount >= $2 - проверка и декремент выполняются одним атомарным
// UPDATE. Раздельные чтение и запись позволили бы двум конкурентным
// списаниям увидеть достаточный баланс и обоим пройти (double spend).
const debitBalanceQuery = `
UPDATE balances
SET amount = amount - $2
WHERE user_id = $1 AND amount >= $2
RETURNING amount`

const creditBalanceQuery = `
UPDATE balances
SET amount = amount + $2
WHERE user_id = $1
RETURNING amount`

func (r *pgBalanceRepository) Get(ctx context.Context, q interfaces.DBTX, userID uuid.UUID) (int64, error) {
	var amount int64
	err := q.QueryRow(ctx, getBalanceQuery, userID).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, models.ErrNotFound
		}
		r.logger.Error("Failed to get balance", zap.Stringer("userID", userID), zap.Error(err))
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return amount, nil
}

func (r *pgBalanceRepository) Ensure(ctx context.Context, q interfaces.DBTX, userID uuid.UUID, initial int64) (bool, error) {
	tag, err := q.Exec(ctx, ensureBalanceQuery, userID, initial)
	if err != nil {
		r.logger.Error("Failed to ensure balance row", zap.Stringer("userID", userID), zap.Error(err))
		return false, fmt.Errorf("failed to ensure balance: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *pgBalanceRepository) DebitGuarded(ctx context.Context, q interfaces.DBTX, userID uuid.UUID, amount int64) (int64, error) {
	logFields := []zap.Field{zap.Stringer("userID", userID), zap.Int64("amount", amount)}
	var newBalance int64
	err := q.QueryRow(ctx, debitBalanceQuery, userID, amount).Scan(&newBalance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Guard отклонил запись: либо баланса не хватает, либо строки нет.
			// Различаем по отдельному чтению - оно не участвует в мутации.
			if _, getErr := r.Get(ctx, q, userID); errors.Is(getErr, models.ErrNotFound) {
				return 0, models.ErrNotFound
			}
			r.logger.Debug("Debit rejected by balance guard", logFields...)
			return 0, models.ErrInsufficientFunds
		}
		r.logger.Error("Failed to debit balance", append(logFields, zap.Error(err))...)
		return 0, fmt.Errorf("failed to debit balance: %w", err)
	}
	r.logger.Debug("Balance debited", append(logFields, zap.Int64("newBalance", newBalance))...)
	return newBalance, nil
}

func (r *pgBalanceRepository) Credit(ctx context.Context, q interfaces.DBTX, userID uuid.UUID, amount int64) (int64, error) {
	logFields := []zap.Field{zap.Stringer("userID", userID), zap.Int64("amount", amount)}
	var newBalance int64
	err := q.QueryRow(ctx, creditBalanceQuery, userID, amount).Scan(&newBalance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, models.ErrNotFound
		}
		r.logger.Error("Failed to credit balance", append(logFields, zap.Error(err))...)
		return 0, fmt.Errorf("failed to credit balance: %w", err)
	}
	r.logger.Debug("Balance credited", append(logFields, zap.Int64("newBalance", newBalance))...)
	return newBalance, nil
}
