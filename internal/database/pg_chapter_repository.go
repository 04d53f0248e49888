package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"companion-server/internal/interfaces"
	"companion-server/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Compile-time check
var _ interfaces.ChapterRepository = (*pgChapterRepository)(nil)

type pgChapterRepository struct {
	logger *zap.Logger
}

// NewPgChapterRepository создает новый экземпляр репозитория глав.
func NewPgChapterRepository(logger *zap.Logger) interfaces.ChapterRepository {
	return &pgChapterRepository{
		logger: logger.Named("PgChapterRepo"),
	}
}

const getChapterQuery = `
SELECT character_id, chapter_number, title, content
FROM story_chapters
WHERE character_id = $1 AND chapter_number = $2`

const chapterExistsQuery = `
SELECT EXISTS (SELECT 1 FROM story_chapters WHERE character_id = $1 AND chapter_number = $2)`

const listChaptersQuery = `
SELECT chapter_number, title
FROM story_chapters
WHERE character_id = $1
ORDER BY chapter_number`

func (r *pgChapterRepository) Get(ctx context.Context, q interfaces.DBTX, characterID uuid.UUID, chapterNumber int) (*models.StoryChapter, error) {
	chapter := &models.StoryChapter{}
	var contentJSON []byte
	logFields := []zap.Field{zap.Stringer("characterID", characterID), zap.Int("chapterNumber", chapterNumber)}

	err := q.QueryRow(ctx, getChapterQuery, characterID, chapterNumber).Scan(
		&chapter.CharacterID, &chapter.ChapterNumber, &chapter.Title, &contentJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		r.logger.Error("Failed to get story chapter", append(logFields, zap.Error(err))...)
		return nil, fmt.Errorf("failed to get chapter: %w", err)
	}

	if err := json.Unmarshal(contentJSON, &chapter.Content); err != nil {
		r.logger.Error("Failed to unmarshal chapter content", append(logFields, zap.Error(err))...)
		return nil, fmt.Errorf("failed to unmarshal chapter content: %w", err)
	}
	return chapter, nil
}

func (r *pgChapterRepository) Exists(ctx context.Context, q interfaces.DBTX, characterID uuid.UUID, chapterNumber int) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, chapterExistsQuery, characterID, chapterNumber).Scan(&exists)
	if err != nil {
		r.logger.Error("Failed to check chapter existence",
			zap.Stringer("characterID", characterID), zap.Int("chapterNumber", chapterNumber), zap.Error(err))
		return false, fmt.Errorf("failed to check chapter existence: %w", err)
	}
	return exists, nil
}

func (r *pgChapterRepository) ListByCharacter(ctx context.Context, q interfaces.DBTX, characterID uuid.UUID) ([]models.ChapterSummary, error) {
	rows, err := q.Query(ctx, listChaptersQuery, characterID)
	if err != nil {
		r.logger.Error("Failed to list chapters", zap.Stringer("characterID", characterID), zap.Error(err))
		return nil, fmt.Errorf("failed to list chapters: %w", err)
	}
	defer rows.Close()

	var result []models.ChapterSummary
	for rows.Next() {
		var s models.ChapterSummary
		if err := rows.Scan(&s.ChapterNumber, &s.Title); err != nil {
			return nil, fmt.Errorf("failed to scan chapter summary: %w", err)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chapters: %w", err)
	}
	return result, nil
}
