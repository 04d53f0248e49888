package database

import (
	"context"
	"fmt"

	"companion-server/internal/interfaces"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Compile-time check
var _ interfaces.TxRunner = (*pgTxRunner)(nil)

// pgTxRunner выполняет функцию в транзакции pgx с автоматическим rollback.
type pgTxRunner struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPgTxRunner создает новый исполнитель транзакций поверх пула.
func NewPgTxRunner(pool *pgxpool.Pool, logger *zap.Logger) interfaces.TxRunner {
	return &pgTxRunner{
		pool:   pool,
		logger: logger.Named("PgTxRunner"),
	}
}

func (r *pgTxRunner) WithTx(ctx context.Context, fn func(q interfaces.DBTX) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	// Откат при панике
	defer func() {
		if p := recover(); p != nil {
			if rollbackErr := tx.Rollback(context.Background()); rollbackErr != nil {
				r.logger.Error("Failed to rollback transaction after panic",
					zap.Error(rollbackErr), zap.Any("panic", p))
			}
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
			r.logger.Error("Failed to rollback transaction",
				zap.Error(rollbackErr), zap.NamedError("original_error", err))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit tx: %w", err)
	}
	return nil
}

// Pool возвращает пул для операций, которым не нужна транзакция.
func (r *pgTxRunner) Pool() *pgxpool.Pool {
	return r.pool
}
