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
	"go.uber.org/zap"
)

// Compile-time check
var _ interfaces.SubscriptionRepository = (*pgSubscriptionRepository)(nil)

type pgSubscriptionRepository struct {
	logger *zap.Logger
}

// NewPgSubscriptionRepository создает новый экземпляр репозитория подписок.
func NewPgSubscriptionRepository(logger *zap.Logger) interfaces.SubscriptionRepository {
	return &pgSubscriptionRepository{
		logger: logger.Named("PgSubscriptionRepo"),
	}
}

const getSubscriptionQuery = `
SELECT user_id, plan, expires_at, updated_at
FROM subscriptions
WHERE user_id = $1`

const upsertSubscriptionQuery = `
INSERT INTO subscriptions (user_id, plan, expires_at, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id) DO UPDATE SET
    plan = EXCLUDED.plan,
    expires_at = EXCLUDED.expires_at,
    updated_at = EXCLUDED.updated_at`

func (r *pgSubscriptionRepository) Get(ctx context.Context, q interfaces.DBTX, userID uuid.UUID) (*models.Subscription, error) {
	sub := &models.Subscription{}
	err := q.QueryRow(ctx, getSubscriptionQuery, userID).Scan(&sub.UserID, &sub.Plan, &sub.ExpiresAt, &sub.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		r.logger.Error("Failed to get subscription", zap.Stringer("userID", userID), zap.Error(err))
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

func (r *pgSubscriptionRepository) Upsert(ctx context.Context, q interfaces.DBTX, sub *models.Subscription) error {
	sub.UpdatedAt = time.Now()
	_, err := q.Exec(ctx, upsertSubscriptionQuery, sub.UserID, sub.Plan, sub.ExpiresAt, sub.UpdatedAt)
	if err != nil {
		r.logger.Error("Failed to upsert subscription",
			zap.Stringer("userID", sub.UserID), zap.String("plan", string(sub.Plan)), zap.Error(err))
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	r.logger.Info("Subscription upserted",
		zap.Stringer("userID", sub.UserID), zap.String("plan", string(sub.Plan)))
	return nil
}
