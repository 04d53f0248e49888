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
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Compile-time check
var _ interfaces.ProgressRepository = (*pgProgressRepository)(nil)

type pgProgressRepository struct {
	logger *zap.Logger
}

// NewPgProgressRepository создает новый экземпляр репозитория прогресса.
func NewPgProgressRepository(logger *zap.Logger) interfaces.ProgressRepository {
	return &pgProgressRepository{
		logger: logger.Named("PgProgressRepo"),
	}
}

const getProgressQuery = `
SELECT id, user_id, character_id, current_chapter_number, is_completed, unlocked_chapters, updated_at
FROM user_story_progress
WHERE user_id = $1 AND character_id = $2`

const insertProgressQuery = `
INSERT INTO user_story_progress (id, user_id, character_id, current_chapter_number, is_completed, unlocked_chapters, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

// Optimistic guard по ранее прочитанному номеру главы: проигравший гонку
// UPDATE не затронет ни одной строки и конфликт будет виден вызывающему.
const updateProgressGuardedQuery = `
UPDATE user_story_progress
SET current_chapter_number = $3,
    is_completed = $4,
    unlocked_chapters = $5,
    updated_at = $6
WHERE id = $1 AND current_chapter_number = $2`

func (r *pgProgressRepository) Get(ctx context.Context, q interfaces.DBTX, userID, characterID uuid.UUID) (*models.UserStoryProgress, error) {
	progress := &models.UserStoryProgress{}
	var unlocked pq.Int64Array
	logFields := []zap.Field{zap.Stringer("userID", userID), zap.Stringer("characterID", characterID)}

	err := q.QueryRow(ctx, getProgressQuery, userID, characterID).Scan(
		&progress.ID,
		&progress.UserID,
		&progress.CharacterID,
		&progress.CurrentChapterNumber,
		&progress.IsCompleted,
		&unlocked,
		&progress.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		r.logger.Error("Failed to get story progress", append(logFields, zap.Error(err))...)
		return nil, fmt.Errorf("failed to get progress: %w", err)
	}

	progress.UnlockedChapters = make([]int, 0, len(unlocked))
	for _, n := range unlocked {
		progress.UnlockedChapters = append(progress.UnlockedChapters, int(n))
	}
	return progress, nil
}

func (r *pgProgressRepository) Create(ctx context.Context, q interfaces.DBTX, progress *models.UserStoryProgress) error {
	progress.UpdatedAt = time.Now()
	logFields := []zap.Field{zap.Stringer("userID", progress.UserID), zap.Stringer("characterID", progress.CharacterID)}

	_, err := q.Exec(ctx, insertProgressQuery,
		progress.ID,
		progress.UserID,
		progress.CharacterID,
		progress.CurrentChapterNumber,
		progress.IsCompleted,
		intArray(progress.UnlockedChapters),
		progress.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation на (user_id, character_id)
			r.logger.Debug("Progress row already created concurrently", logFields...)
			return models.ErrConflict
		}
		r.logger.Error("Failed to insert story progress", append(logFields, zap.Error(err))...)
		return fmt.Errorf("failed to insert progress: %w", err)
	}

	r.logger.Info("Initial story progress created", logFields...)
	return nil
}

func (r *pgProgressRepository) UpdateGuarded(ctx context.Context, q interfaces.DBTX, progress *models.UserStoryProgress, expectedChapter int) error {
	progress.UpdatedAt = time.Now()
	logFields := []zap.Field{
		zap.Stringer("userID", progress.UserID),
		zap.Stringer("characterID", progress.CharacterID),
		zap.Int("expectedChapter", expectedChapter),
		zap.Int("newChapter", progress.CurrentChapterNumber),
	}

	tag, err := q.Exec(ctx, updateProgressGuardedQuery,
		progress.ID,
		expectedChapter,
		progress.CurrentChapterNumber,
		progress.IsCompleted,
		intArray(progress.UnlockedChapters),
		progress.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to update story progress", append(logFields, zap.Error(err))...)
		return fmt.Errorf("failed to update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Debug("Progress update lost the race", logFields...)
		return models.ErrConflict
	}

	r.logger.Debug("Story progress updated", logFields...)
	return nil
}

// intArray конвертирует []int в pq.Int64Array для записи в int[].
func intArray(values []int) pq.Int64Array {
	arr := make(pq.Int64Array, 0, len(values))
	for _, v := range values {
		arr = append(arr, int64(v))
	}
	return arr
}
