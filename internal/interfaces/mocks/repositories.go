package mocks

import (
	"context"

	"companion-server/internal/interfaces"
	"companion-server/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// Mock UserRepository
type UserRepository struct {
	mock.Mock
}

func (m *UserRepository) GetByID(ctx context.Context, q interfaces.DBTX, id uuid.UUID) (*models.User, error) {
	args := m.Called(ctx, q, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *UserRepository) GetByTelegramID(ctx context.Context, q interfaces.DBTX, telegramUserID int64) (*models.User, error) {
	args := m.Called(ctx, q, telegramUserID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *UserRepository) CreateWithTelegramID(ctx context.Context, q interfaces.DBTX, telegramUserID int64) (*models.User, error) {
	args := m.Called(ctx, q, telegramUserID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *UserRepository) EnsureExists(ctx context.Context, q interfaces.DBTX, id uuid.UUID) error {
	args := m.Called(ctx, q, id)
	return args.Error(0)
}

// Mock BalanceRepository
type BalanceRepository struct {
	mock.Mock
}

func (m *BalanceRepository) Get(ctx context.Context, q interfaces.DBTX, userID uuid.UUID) (int64, error) {
	args := m.Called(ctx, q, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *BalanceRepository) Ensure(ctx context.Context, q interfaces.DBTX, userID uuid.UUID, initial int64) (bool, error) {
	args := m.Called(ctx, q, userID, initial)
	return args.Bool(0), args.Error(1)
}

func (m *BalanceRepository) DebitGuarded(ctx context.Context, q interfaces.DBTX, userID uuid.UUID, amount int64) (int64, error) {
	args := m.Called(ctx, q, userID, amount)
	return args.Get(0).(int64), args.Error(1)
}

func (m *BalanceRepository) Credit(ctx context.Context, q interfaces.DBTX, userID uuid.UUID, amount int64) (int64, error) {
	args := m.Called(ctx, q, userID, amount)
	return args.Get(0).(int64), args.Error(1)
}

// Mock TransactionLogRepository
type TransactionLogRepository struct {
	mock.Mock
}

func (m *TransactionLogRepository) Append(ctx context.Context, q interfaces.DBTX, tx *models.Transaction) error {
	args := m.Called(ctx, q, tx)
	return args.Error(0)
}

func (m *TransactionLogRepository) GetByIdempotencyKey(ctx context.Context, q interfaces.DBTX, userID uuid.UUID, key string) (*models.Transaction, error) {
	args := m.Called(ctx, q, userID, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Transaction), args.Error(1)
}

func (m *TransactionLogRepository) ListRecent(ctx context.Context, q interfaces.DBTX, userID uuid.UUID, limit int) ([]models.Transaction, error) {
	args := m.Called(ctx, q, userID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Transaction), args.Error(1)
}

func (m *TransactionLogRepository) Summary(ctx context.Context, q interfaces.DBTX, userID uuid.UUID) (int64, int64, error) {
	args := m.Called(ctx, q, userID)
	return args.Get(0).(int64), args.Get(1).(int64), args.Error(2)
}

// Mock SubscriptionRepository
type SubscriptionRepository struct {
	mock.Mock
}

func (m *SubscriptionRepository) Get(ctx context.Context, q interfaces.DBTX, userID uuid.UUID) (*models.Subscription, error) {
	args := m.Called(ctx, q, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Subscription), args.Error(1)
}

func (m *SubscriptionRepository) Upsert(ctx context.Context, q interfaces.DBTX, sub *models.Subscription) error {
	args := m.Called(ctx, q, sub)
	return args.Error(0)
}

// Mock ChapterRepository
type ChapterRepository struct {
	mock.Mock
}

func (m *ChapterRepository) Get(ctx context.Context, q interfaces.DBTX, characterID uuid.UUID, chapterNumber int) (*models.StoryChapter, error) {
	args := m.Called(ctx, q, characterID, chapterNumber)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.StoryChapter), args.Error(1)
}

func (m *ChapterRepository) Exists(ctx context.Context, q interfaces.DBTX, characterID uuid.UUID, chapterNumber int) (bool, error) {
	args := m.Called(ctx, q, characterID, chapterNumber)
	return args.Bool(0), args.Error(1)
}

func (m *ChapterRepository) ListByCharacter(ctx context.Context, q interfaces.DBTX, characterID uuid.UUID) ([]models.ChapterSummary, error) {
	args := m.Called(ctx, q, characterID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ChapterSummary), args.Error(1)
}

// Mock ProgressRepository
type ProgressRepository struct {
	mock.Mock
}

func (m *ProgressRepository) Get(ctx context.Context, q interfaces.DBTX, userID, characterID uuid.UUID) (*models.UserStoryProgress, error) {
	args := m.Called(ctx, q, userID, characterID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UserStoryProgress), args.Error(1)
}

func (m *ProgressRepository) Create(ctx context.Context, q interfaces.DBTX, progress *models.UserStoryProgress) error {
	args := m.Called(ctx, q, progress)
	return args.Error(0)
}

func (m *ProgressRepository) UpdateGuarded(ctx context.Context, q interfaces.DBTX, progress *models.UserStoryProgress, expectedChapter int) error {
	args := m.Called(ctx, q, progress, expectedChapter)
	return args.Error(0)
}

// Mock AssetUnlockRepository
type AssetUnlockRepository struct {
	mock.Mock
}

func (m *AssetUnlockRepository) IsUnlocked(ctx context.Context, q interfaces.DBTX, userID, assetID uuid.UUID) (bool, error) {
	args := m.Called(ctx, q, userID, assetID)
	return args.Bool(0), args.Error(1)
}

func (m *AssetUnlockRepository) Unlock(ctx context.Context, q interfaces.DBTX, userID, assetID uuid.UUID) (bool, error) {
	args := m.Called(ctx, q, userID, assetID)
	return args.Bool(0), args.Error(1)
}

// Mock TxRunner. Выполняет fn сразу, без настоящей транзакции.
type TxRunner struct {
	mock.Mock
}

func (m *TxRunner) WithTx(ctx context.Context, fn func(q interfaces.DBTX) error) error {
	args := m.Called(ctx, fn)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	return fn(nil)
}
