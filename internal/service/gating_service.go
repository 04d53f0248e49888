package service

import (
	"context"
	"errors"
	"fmt"

	"companion-server/internal/interfaces"
	"companion-server/internal/messaging"
	"companion-server/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AdvanceResult - итог платного перехода по истории.
type AdvanceResult struct {
	Progress    *models.UserStoryProgress
	Chapter     *models.StoryChapter // контент новой текущей главы; nil при завершении
	Response    string               // реплика персонажа на выбранную ветку
	Cost        int64
	NewBalance  int64
	Transaction *models.Transaction // nil при нулевой стоимости без ключа идемпотентности
	Replayed    bool                // запрос был повтором по ключу идемпотентности
}

// UnlockAssetResult - итог платного открытия ассета.
type UnlockAssetResult struct {
	AssetID         uuid.UUID
	AlreadyUnlocked bool
	Cost            int64
	NewBalance      int64
	Transaction     *models.Transaction
	Replayed        bool
}

// errAssetAlreadyOwned сигнализирует из транзакции открытия, что строка
// владения уже существовала: конкурентный запрос успел первым, списание
// этой транзакции откатывается.
var errAssetAlreadyOwned = errors.New("asset already owned")

// GatingService координирует платные переходы: резолвит стоимость по тарифу,
// списывает кредиты и фиксирует прогрессию в одной транзакции хранилища.
// Недостаток кредитов отменяет операцию целиком, частичных состояний нет.
type GatingService struct {
	db          interfaces.DBTX
	txRunner    interfaces.TxRunner
	ledger      *LedgerService
	entitlement *EntitlementService
	story       *StoryService
	assetRepo   interfaces.AssetUnlockRepository
	publisher   messaging.ClientUpdatePublisher // может быть nil
	logger      *zap.Logger
}

// NewGatingService создает координатор платных переходов.
func NewGatingService(
	db interfaces.DBTX,
	txRunner interfaces.TxRunner,
	ledger *LedgerService,
	entitlement *EntitlementService,
	story *StoryService,
	assetRepo interfaces.AssetUnlockRepository,
	publisher messaging.ClientUpdatePublisher,
	logger *zap.Logger,
) *GatingService {
	return &GatingService{
		db:          db,
		txRunner:    txRunner,
		ledger:      ledger,
		entitlement: entitlement,
		story:       story,
		assetRepo:   assetRepo,
		publisher:   publisher,
		logger:      logger.Named("GatingService"),
	}
}

// AdvanceChapter выполняет платный переход по выбранной ветке. Списание и
// мутация прогресса фиксируются в одной транзакции; повтор запроса с уже
// примененным ключом идемпотентности возвращает зафиксированное состояние
// без повторного списания.
func (s *GatingService) AdvanceChapter(ctx context.Context, userID, characterID uuid.UUID, branchID string, idempotencyKey *string) (*AdvanceResult, error) {
	if replayed, err := s.replayAdvance(ctx, userID, characterID, idempotencyKey); err != nil || replayed != nil {
		return replayed, err
	}

	cost, err := s.entitlement.CostFor(ctx, userID, models.ActionChapterAdvance)
	if err != nil {
		return nil, err
	}

	reference := characterID.String()
	description := "chapter advance"

	var result AdvanceResult
	err = withConflictRetry(ctx, s.logger, "chapter advance", func() error {
		result = AdvanceResult{Cost: cost}
		return s.txRunner.WithTx(ctx, func(q interfaces.DBTX) error {
			progress, branch, txErr := s.story.AdvanceInTx(ctx, q, userID, characterID, branchID)
			if txErr != nil {
				return txErr
			}
			result.Progress = progress
			result.Response = branch.Response

			if cost > 0 {
				tx, newBalance, debitErr := s.ledger.DebitInTx(ctx, q, userID, cost, models.ReasonSpend, &reference, &description, idempotencyKey)
				if debitErr != nil {
					return debitErr
				}
				result.Transaction = tx
				result.NewBalance = newBalance
			} else {
				// Бесплатный переход тоже фиксирует ключ идемпотентности:
				// без записи в журнале повтор запроса сдвинул бы историю
				// еще раз.
				tx, balance, recErr := s.ledger.RecordNoChargeInTx(ctx, q, userID, &reference, &description, idempotencyKey)
				if recErr != nil {
					return recErr
				}
				result.Transaction = tx
				result.NewBalance = balance
			}
			return nil
		})
	})
	if errors.Is(err, models.ErrDuplicateIdempotencyKey) {
		replayed, replayErr := s.replayAdvance(ctx, userID, characterID, idempotencyKey)
		if replayErr != nil {
			return nil, replayErr
		}
		if replayed != nil {
			return replayed, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if err := s.attachChapter(ctx, characterID, &result); err != nil {
		return nil, err
	}
	s.publishAdvance(ctx, userID, characterID, &result)
	return &result, nil
}

// attachChapter загружает контент новой текущей главы и реплику ветки.
func (s *GatingService) attachChapter(ctx context.Context, characterID uuid.UUID, result *AdvanceResult) error {
	if result.Progress == nil || result.Progress.IsCompleted {
		return nil
	}
	chapter, err := s.story.chapterRepo.Get(ctx, s.db, characterID, result.Progress.CurrentChapterNumber)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Контент исчез между коммитом и чтением; прогресс уже
			// зафиксирован, отдаем без контента.
			return nil
		}
		return fmt.Errorf("failed to load advanced chapter: %w", err)
	}
	result.Chapter = chapter
	return nil
}

// UnlockAsset выполняет платное открытие ассета. Уже открытый ассет не
// списывает кредиты повторно.
func (s *GatingService) UnlockAsset(ctx context.Context, userID, assetID uuid.UUID, idempotencyKey *string) (*UnlockAssetResult, error) {
	unlocked, err := s.assetRepo.IsUnlocked(ctx, s.db, userID, assetID)
	if err != nil {
		return nil, fmt.Errorf("failed to check asset ownership: %w", err)
	}
	if unlocked {
		balance, balErr := s.ledger.GetBalance(ctx, userID)
		if balErr != nil {
			return nil, balErr
		}
		return &UnlockAssetResult{AssetID: assetID, AlreadyUnlocked: true, NewBalance: balance}, nil
	}

	if replayed, err := s.replayUnlock(ctx, userID, assetID, idempotencyKey); err != nil || replayed != nil {
		return replayed, err
	}

	cost, err := s.entitlement.CostFor(ctx, userID, models.ActionAssetUnlock)
	if err != nil {
		return nil, err
	}

	reference := assetID.String()
	description := "asset unlock"

	result := UnlockAssetResult{AssetID: assetID, Cost: cost}
	err = s.txRunner.WithTx(ctx, func(q interfaces.DBTX) error {
		if ensureErr := s.ledger.ensureBalanceInTx(ctx, q, userID); ensureErr != nil {
			return ensureErr
		}
		// Вставка владения идет первой: проверка IsUnlocked выше читала вне
		// транзакции, и конкурентный запрос мог уже открыть ассет. Вставка
		// без затронутых строк означает именно это, списание откатывается.
		inserted, unlockErr := s.assetRepo.Unlock(ctx, q, userID, assetID)
		if unlockErr != nil {
			return unlockErr
		}
		if !inserted {
			return errAssetAlreadyOwned
		}
		if cost > 0 {
			tx, newBalance, debitErr := s.ledger.DebitInTx(ctx, q, userID, cost, models.ReasonSpend, &reference, &description, idempotencyKey)
			if debitErr != nil {
				return debitErr
			}
			result.Transaction = tx
			result.NewBalance = newBalance
		} else {
			tx, balance, recErr := s.ledger.RecordNoChargeInTx(ctx, q, userID, &reference, &description, idempotencyKey)
			if recErr != nil {
				return recErr
			}
			result.Transaction = tx
			result.NewBalance = balance
		}
		return nil
	})
	if errors.Is(err, errAssetAlreadyOwned) {
		balance, balErr := s.ledger.GetBalance(ctx, userID)
		if balErr != nil {
			return nil, balErr
		}
		return &UnlockAssetResult{AssetID: assetID, AlreadyUnlocked: true, NewBalance: balance}, nil
	}
	if errors.Is(err, models.ErrDuplicateIdempotencyKey) {
		replayed, replayErr := s.replayUnlock(ctx, userID, assetID, idempotencyKey)
		if replayErr != nil {
			return nil, replayErr
		}
		if replayed != nil {
			return replayed, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if result.Transaction != nil && s.publisher != nil {
		s.ledger.publishBalanceUpdate(ctx, userID, result.NewBalance, result.Transaction)
	}
	s.logger.Info("Asset unlocked",
		zap.String("userID", userID.String()),
		zap.String("assetID", assetID.String()),
		zap.Int64("cost", cost),
	)
	return &result, nil
}

// replayAdvance возвращает зафиксированное состояние для повторенного
// запроса перехода или nil, если ключ еще не применялся.
func (s *GatingService) replayAdvance(ctx context.Context, userID, characterID uuid.UUID, idempotencyKey *string) (*AdvanceResult, error) {
	tx, balance, ok, err := s.ledger.replayByKey(ctx, userID, idempotencyKey)
	if err != nil || !ok {
		return nil, err
	}
	progress, err := s.story.GetProgress(ctx, userID, characterID)
	if err != nil {
		return nil, err
	}
	result := &AdvanceResult{
		Progress:    progress,
		Cost:        -tx.Delta,
		NewBalance:  balance,
		Transaction: tx,
		Replayed:    true,
	}
	if err := s.attachChapter(ctx, characterID, result); err != nil {
		return nil, err
	}
	return result, nil
}

// replayUnlock возвращает зафиксированное состояние для повторенного
// запроса открытия ассета или nil, если ключ еще не применялся.
func (s *GatingService) replayUnlock(ctx context.Context, userID, assetID uuid.UUID, idempotencyKey *string) (*UnlockAssetResult, error) {
	tx, balance, ok, err := s.ledger.replayByKey(ctx, userID, idempotencyKey)
	if err != nil || !ok {
		return nil, err
	}
	return &UnlockAssetResult{
		AssetID:     assetID,
		Cost:        -tx.Delta,
		NewBalance:  balance,
		Transaction: tx,
		Replayed:    true,
	}, nil
}

func (s *GatingService) publishAdvance(ctx context.Context, userID, characterID uuid.UUID, result *AdvanceResult) {
	if result.Transaction != nil {
		s.ledger.publishBalanceUpdate(ctx, userID, result.NewBalance, result.Transaction)
	}
	if s.publisher == nil || result.Progress == nil {
		return
	}
	payload := messaging.ProgressUpdate{
		UserID:               userID,
		CharacterID:          characterID,
		CurrentChapterNumber: result.Progress.CurrentChapterNumber,
		IsCompleted:          result.Progress.IsCompleted,
		UnlockedChapters:     result.Progress.UnlockedChapters,
	}
	if err := s.publisher.PublishProgressUpdate(ctx, payload); err != nil {
		s.logger.Warn("Failed to publish progress update", zap.String("userID", userID.String()), zap.Error(err))
	}
}
