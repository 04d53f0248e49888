package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"companion-server/internal/interfaces"
	"companion-server/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Compile-time check
var _ interfaces.TransactionLogRepository = (*pgTransactionLogRepository)(nil)

// pgTransactionLogRepository реализует append-only журнал транзакций.
// В этом репозитории намеренно нет методов update/delete.
type pgTransactionLogRepository struct {
	logger *zap.Logger
}

// NewPgTransactionLogRepository создает новый экземпляр журнала транзакций.
func NewPgTransactionLogRepository(logger *zap.Logger) interfaces.TransactionLogRepository {
	return &pgTransactionLogRepository{
		logger: logger.Named("PgTransactionLogRepo"),
	}
}

const appendTransactionQuery = `
INSERT INTO transactions (id, user_id, delta, reason, reference, description, idempotency_key, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

const getTransactionByIdemKeyQuery = `
SELECT id, user_id, delta, reason, reference, description, idempotency_key, created_at
FROM transactions
WHERE user_id = $1 AND idempotency_key = $2`

const listRecentTransactionsQuery = `
SELECT id, user_id, delta, reason, reference, description, idempotency_key, created_at
FROM transactions
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`

// Суммы считаются из строк журнала при каждом чтении, а не из
// денормализованного счетчика: конкурентные инкременты read-modify-write
// теряют обновления, агрегат по строкам - нет.
const summaryTransactionsQuery = `
SELECT
    COALESCE(SUM(delta) FILTER (WHERE delta > 0), 0) AS granted,
    COALESCE(-SUM(delta) FILTER (WHERE delta < 0), 0) AS spent
FROM transactions
WHERE user_id = $1`

func (r *pgTransactionLogRepository) Append(ctx context.Context, q interfaces.DBTX, tx *models.Transaction) error {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	logFields := []zap.Field{
		zap.Stringer("userID", tx.UserID),
		zap.Int64("delta", tx.Delta),
		zap.String("reason", string(tx.Reason)),
	}

	_, err := q.Exec(ctx, appendTransactionQuery,
		tx.ID, tx.UserID, tx.Delta, tx.Reason, tx.Reference, tx.Description, tx.IdempotencyKey, tx.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			r.logger.Warn("Duplicate idempotency key on transaction append", logFields...)
			return models.ErrDuplicateIdempotencyKey
		}
		r.logger.Error("Failed to append transaction", append(logFields, zap.Error(err))...)
		return fmt.Errorf("failed to append transaction: %w", err)
	}

	r.logger.Debug("Transaction appended", logFields...)
	return nil
}

func (r *pgTransactionLogRepository) GetByIdempotencyKey(ctx context.Context, q interfaces.DBTX, userID uuid.UUID, key string) (*models.Transaction, error) {
	tx := &models.Transaction{}
	err := q.QueryRow(ctx, getTransactionByIdemKeyQuery, userID, key).Scan(
		&tx.ID, &tx.UserID, &tx.Delta, &tx.Reason, &tx.Reference, &tx.Description, &tx.IdempotencyKey, &tx.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		r.logger.Error("Failed to get transaction by idempotency key", zap.Stringer("userID", userID), zap.Error(err))
		return nil, fmt.Errorf("failed to get transaction by idempotency key: %w", err)
	}
	return tx, nil
}

func (r *pgTransactionLogRepository) ListRecent(ctx context.Context, q interfaces.DBTX, userID uuid.UUID, limit int) ([]models.Transaction, error) {
	rows, err := q.Query(ctx, listRecentTransactionsQuery, userID, limit)
	if err != nil {
		r.logger.Error("Failed to list transactions", zap.Stringer("userID", userID), zap.Error(err))
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var result []models.Transaction
	for rows.Next() {
		var tx models.Transaction
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Delta, &tx.Reason, &tx.Reference, &tx.Description, &tx.IdempotencyKey, &tx.CreatedAt); err != nil {
			r.logger.Error("Failed to scan transaction row", zap.Stringer("userID", userID), zap.Error(err))
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return result, nil
}

func (r *pgTransactionLogRepository) Summary(ctx context.Context, q interfaces.DBTX, userID uuid.UUID) (int64, int64, error) {
	var granted, spent int64
	err := q.QueryRow(ctx, summaryTransactionsQuery, userID).Scan(&granted, &spent)
	if err != nil {
		r.logger.Error("Failed to aggregate transaction summary", zap.Stringer("userID", userID), zap.Error(err))
		return 0, 0, fmt.Errorf("failed to aggregate transactions: %w", err)
	}
	return granted, spent, nil
}
