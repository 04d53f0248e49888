package interfaces

import (
	"context"

	"companion-server/internal/models"

	"github.com/google/uuid"
)

// ChapterRepository - доступ к неизменяемому авторскому контенту глав.
//
//go:generate mockery --name ChapterRepository --output ./mocks --outpkg mocks --case=underscore
type ChapterRepository interface {
	// Get retrieves a chapter by (characterID, chapterNumber).
	// Returns models.ErrNotFound if absent.
	Get(ctx context.Context, q DBTX, characterID uuid.UUID, chapterNumber int) (*models.StoryChapter, error)

	// Exists reports whether a chapter row exists for the pair. Used by the
	// state machine to evaluate completion without loading content.
	Exists(ctx context.Context, q DBTX, characterID uuid.UUID, chapterNumber int) (bool, error)

	// ListByCharacter returns ordered chapter metadata for a character.
	ListByCharacter(ctx context.Context, q DBTX, characterID uuid.UUID) ([]models.ChapterSummary, error)
}

// ProgressRepository - строка прогресса (user, character).
//
//go:generate mockery --name ProgressRepository --output ./mocks --outpkg mocks --case=underscore
type ProgressRepository interface {
	// Get retrieves the progress row for the pair.
	// Returns models.ErrNotFound if the user never touched this character.
	Get(ctx context.Context, q DBTX, userID, characterID uuid.UUID) (*models.UserStoryProgress, error)

	// Create inserts a fresh progress row.
	// Returns models.ErrConflict if a concurrent request created it first.
	Create(ctx context.Context, q DBTX, progress *models.UserStoryProgress) error

	// UpdateGuarded persists a transition with an optimistic guard on the
	// previously observed chapter number. Returns models.ErrConflict when the
	// row changed since it was read (the caller re-reads and retries).
	UpdateGuarded(ctx context.Context, q DBTX, progress *models.UserStoryProgress, expectedChapter int) error
}

// AssetUnlockRepository - платно открытые ассеты (изображения) пользователя.
//
//go:generate mockery --name AssetUnlockRepository --output ./mocks --outpkg mocks --case=underscore
type AssetUnlockRepository interface {
	// IsUnlocked reports whether the user already owns the asset.
	IsUnlocked(ctx context.Context, q DBTX, userID, assetID uuid.UUID) (bool, error)

	// Unlock records ownership. Unlocking an owned asset is a no-op;
	// inserted=false reports that the row already existed, so a coordinator
	// running inside a transaction can roll back the charge for it.
	Unlock(ctx context.Context, q DBTX, userID, assetID uuid.UUID) (inserted bool, err error)
}
