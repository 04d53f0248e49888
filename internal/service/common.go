package service

import (
	"context"
	"errors"
	"fmt"

	"companion-server/internal/models"

	"go.uber.org/zap"
)

// conflictRetryBudget - сколько раз сервис перечитывает состояние и повторяет
// операцию, проигравшую оптимистичную гонку, прежде чем сдаться.
const conflictRetryBudget = 3

// defaultTransactionListLimit - размер списка транзакций по умолчанию.
const defaultTransactionListLimit = 20

// withConflictRetry выполняет fn, повторяя ее при models.ErrConflict.
// Исчерпанный бюджет повторов превращается в models.ErrInternalServer.
func withConflictRetry(ctx context.Context, logger *zap.Logger, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= conflictRetryBudget; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fn()
		if !errors.Is(err, models.ErrConflict) {
			return err
		}
		logger.Warn("Optimistic concurrency conflict, retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
		)
	}
	logger.Error("Conflict retry budget exhausted", zap.String("operation", op), zap.Error(err))
	return fmt.Errorf("%w: %s lost %d consecutive races", models.ErrInternalServer, op, conflictRetryBudget)
}

// SanitizeLimit проверяет и корректирует значение limit, устанавливая defaultVal, если оно вне [1, max].
func SanitizeLimit(limit *int, defaultVal, max int) {
	if *limit <= 0 || *limit > max {
		*limit = defaultVal
	}
}
