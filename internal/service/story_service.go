package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"companion-server/internal/interfaces"
	"companion-server/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StoryService владеет машиной состояний прогресса по историям персонажей.
//
// Правила переходов:
//   - цель перехода = текущая глава + смещение выбранной ветки (по умолчанию
//     +1; смещение может быть нулевым или отрицательным, граф глав может
//     циклиться);
//   - существующая целевая глава становится текущей и добавляется в
//     unlocked_chapters; набор открытых глав только растет;
//   - переход на несуществующую главу завершает историю: is_completed
//     устанавливается навсегда, дальнейшие переходы отклоняются.
type StoryService struct {
	db           interfaces.DBTX
	txRunner     interfaces.TxRunner
	userRepo     interfaces.UserRepository
	chapterRepo  interfaces.ChapterRepository
	progressRepo interfaces.ProgressRepository
	logger       *zap.Logger
}

// NewStoryService создает сервис прогрессии историй.
func NewStoryService(
	db interfaces.DBTX,
	txRunner interfaces.TxRunner,
	userRepo interfaces.UserRepository,
	chapterRepo interfaces.ChapterRepository,
	progressRepo interfaces.ProgressRepository,
	logger *zap.Logger,
) *StoryService {
	return &StoryService{
		db:           db,
		txRunner:     txRunner,
		userRepo:     userRepo,
		chapterRepo:  chapterRepo,
		progressRepo: progressRepo,
		logger:       logger.Named("StoryService"),
	}
}

// GetProgress возвращает прогресс пользователя по истории персонажа, лениво
// создавая стартовый (глава 1, unlocked={1}) при первом обращении.
func (s *StoryService) GetProgress(ctx context.Context, userID, characterID uuid.UUID) (*models.UserStoryProgress, error) {
	progress, err := s.progressRepo.Get(ctx, s.db, userID, characterID)
	if err == nil {
		return progress, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("failed to read progress: %w", err)
	}

	fresh := models.NewInitialProgress(userID, characterID)
	// Строка прогресса ссылается на users по FK; личность из JWT могла еще
	// не существовать в хранилище.
	if err := s.userRepo.EnsureExists(ctx, s.db, userID); err != nil {
		return nil, fmt.Errorf("failed to ensure user row: %w", err)
	}
	createErr := s.progressRepo.Create(ctx, s.db, fresh)
	if createErr == nil {
		s.logger.Debug("Created initial story progress",
			zap.String("userID", userID.String()),
			zap.String("characterID", characterID.String()),
		)
		return fresh, nil
	}
	if errors.Is(createErr, models.ErrConflict) {
		// Конкурентный запрос создал строку первым; перечитываем ее.
		return s.progressRepo.Get(ctx, s.db, userID, characterID)
	}
	return nil, fmt.Errorf("failed to create initial progress: %w", createErr)
}

// GetChapter возвращает контент главы. Глава должна быть открыта
// пользователем; закрытая глава неотличима от несуществующей.
func (s *StoryService) GetChapter(ctx context.Context, userID, characterID uuid.UUID, chapterNumber int) (*models.StoryChapter, error) {
	chapter, err := s.chapterRepo.Get(ctx, s.db, characterID, chapterNumber)
	if err != nil {
		return nil, err
	}

	progress, err := s.GetProgress(ctx, userID, characterID)
	if err != nil {
		return nil, err
	}
	if !progress.HasUnlocked(chapterNumber) {
		return nil, models.ErrNotFound
	}
	return chapter, nil
}

// ListChapters возвращает метаданные глав персонажа в порядке номеров.
func (s *StoryService) ListChapters(ctx context.Context, characterID uuid.UUID) ([]models.ChapterSummary, error) {
	summaries, err := s.chapterRepo.ListByCharacter(ctx, s.db, characterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chapters: %w", err)
	}
	if len(summaries) == 0 {
		return nil, models.ErrNotFound
	}
	return summaries, nil
}

// AdvanceInTx выполняет один переход машины состояний в рамках переданной
// транзакции и возвращает обновленный прогресс вместе с выбранной веткой.
//
// Возвращает models.ErrStoryCompleted для терминального прогресса,
// models.ErrInvalidBranch для неизвестной ветки и models.ErrConflict, если
// строку прогресса успела изменить конкурентная мутация.
func (s *StoryService) AdvanceInTx(ctx context.Context, q interfaces.DBTX, userID, characterID uuid.UUID, branchID string) (*models.UserStoryProgress, *models.Branch, error) {
	progress, err := s.progressRepo.Get(ctx, q, userID, characterID)
	if errors.Is(err, models.ErrNotFound) {
		// Первый переход без предварительного чтения прогресса.
		progress = models.NewInitialProgress(userID, characterID)
		if ensureErr := s.userRepo.EnsureExists(ctx, q, userID); ensureErr != nil {
			return nil, nil, fmt.Errorf("failed to ensure user row: %w", ensureErr)
		}
		if createErr := s.progressRepo.Create(ctx, q, progress); createErr != nil {
			if errors.Is(createErr, models.ErrConflict) {
				return nil, nil, models.ErrConflict
			}
			return nil, nil, fmt.Errorf("failed to create initial progress: %w", createErr)
		}
	} else if err != nil {
		return nil, nil, fmt.Errorf("failed to read progress: %w", err)
	}

	if progress.IsCompleted {
		return nil, nil, models.ErrStoryCompleted
	}

	chapter, err := s.chapterRepo.Get(ctx, q, characterID, progress.CurrentChapterNumber)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Контент текущей главы отсутствует, переходить не из чего.
			return nil, nil, models.ErrNotFound
		}
		return nil, nil, fmt.Errorf("failed to read current chapter: %w", err)
	}

	branch := chapter.Content.FindBranch(branchID)
	if branch == nil {
		return nil, nil, models.ErrInvalidBranch
	}

	expectedChapter := progress.CurrentChapterNumber
	target := progress.CurrentChapterNumber + branch.Increment()

	exists, err := s.chapterRepo.Exists(ctx, q, characterID, target)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to check target chapter: %w", err)
	}

	progress.CurrentChapterNumber = target
	if exists {
		if !progress.HasUnlocked(target) {
			progress.UnlockedChapters = append(progress.UnlockedChapters, target)
			sort.Ints(progress.UnlockedChapters)
		}
	} else {
		// Переход за пределы контента завершает историю. Набор открытых
		// глав не меняется.
		progress.IsCompleted = true
	}
	progress.UpdatedAt = time.Now()

	if err := s.progressRepo.UpdateGuarded(ctx, q, progress, expectedChapter); err != nil {
		return nil, nil, err
	}

	s.logger.Debug("Story progress advanced",
		zap.String("userID", userID.String()),
		zap.String("characterID", characterID.String()),
		zap.Int("fromChapter", expectedChapter),
		zap.Int("toChapter", target),
		zap.Bool("completed", progress.IsCompleted),
	)
	return progress, branch, nil
}
