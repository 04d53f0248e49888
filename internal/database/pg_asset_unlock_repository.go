package database

import (
	"context"
	"fmt"

	"companion-server/internal/interfaces"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Compile-time check
var _ interfaces.AssetUnlockRepository = (*pgAssetUnlockRepository)(nil)

type pgAssetUnlockRepository struct {
	logger *zap.Logger
}

// NewPgAssetUnlockRepository создает новый экземпляр репозитория открытых ассетов.
func NewPgAssetUnlockRepository(logger *zap.Logger) interfaces.AssetUnlockRepository {
	return &pgAssetUnlockRepository{
		logger: logger.Named("PgAssetUnlockRepo"),
	}
}

const assetUnlockedQuery = `
SELECT EXISTS (SELECT 1 FROM unlocked_assets WHERE user_id = $1 AND asset_id = $2)`

const unlockAssetQuery = `
INSERT INTO unlocked_assets (user_id, asset_id)
VALUES ($1, $2)
ON CONFLICT (user_id, asset_id) DO NOTHING`

func (r *pgAssetUnlockRepository) IsUnlocked(ctx context.Context, q interfaces.DBTX, userID, assetID uuid.UUID) (bool, error) {
	var unlocked bool
	err := q.QueryRow(ctx, assetUnlockedQuery, userID, assetID).Scan(&unlocked)
	if err != nil {
		r.logger.Error("Failed to check asset unlock",
			zap.Stringer("userID", userID), zap.Stringer("assetID", assetID), zap.Error(err))
		return false, fmt.Errorf("failed to check asset unlock: %w", err)
	}
	return unlocked, nil
}

// Unlock вставляет строку владения. ON CONFLICT DO NOTHING не затрагивает
// строк для уже открытого ассета, поэтому RowsAffected отличает новую вставку
// от конкурентного дубля.
func (r *pgAssetUnlockRepository) Unlock(ctx context.Context, q interfaces.DBTX, userID, assetID uuid.UUID) (bool, error) {
	tag, err := q.Exec(ctx, unlockAssetQuery, userID, assetID)
	if err != nil {
		r.logger.Error("Failed to record asset unlock",
			zap.Stringer("userID", userID), zap.Stringer("assetID", assetID), zap.Error(err))
		return false, fmt.Errorf("failed to record asset unlock: %w", err)
	}
	inserted := tag.RowsAffected() == 1
	if inserted {
		r.logger.Info("Asset unlocked", zap.Stringer("userID", userID), zap.Stringer("assetID", assetID))
	}
	return inserted, nil
}
