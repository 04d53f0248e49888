package database

import (
	"context"
	"sort"
	"time"

	"companion-server/internal/interfaces"
	"companion-server/internal/models"

	"github.com/google/uuid"
)

// In-memory реализации репозиториев поверх MemoryStore. Параметр q
// используется только как маркер "внутри WithTx" (см. MemoryStore.lock).

// --- UserRepository --- //

type memoryUserRepository struct{ store *MemoryStore }

var _ interfaces.UserRepository = (*memoryUserRepository)(nil)

// NewMemoryUserRepository создает in-memory репозиторий пользователей.
func NewMemoryUserRepository(store *MemoryStore) interfaces.UserRepository {
	return &memoryUserRepository{store: store}
}

func (r *memoryUserRepository) GetByID(ctx context.Context, q interfaces.DBTX, id uuid.UUID) (*models.User, error) {
	defer r.store.lock(q)()
	user, ok := r.store.users[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	copied := *user
	return &copied, nil
}

func (r *memoryUserRepository) GetByTelegramID(ctx context.Context, q interfaces.DBTX, telegramUserID int64) (*models.User, error) {
	defer r.store.lock(q)()
	return r.getByTelegramIDLocked(telegramUserID)
}

func (r *memoryUserRepository) getByTelegramIDLocked(telegramUserID int64) (*models.User, error) {
	id, ok := r.store.usersByTgID[telegramUserID]
	if !ok {
		return nil, models.ErrNotFound
	}
	copied := *r.store.users[id]
	return &copied, nil
}

func (r *memoryUserRepository) CreateWithTelegramID(ctx context.Context, q interfaces.DBTX, telegramUserID int64) (*models.User, error) {
	defer r.store.lock(q)()
	if existing, err := r.getByTelegramIDLocked(telegramUserID); err == nil {
		return existing, nil
	}
	tgID := telegramUserID
	user := &models.User{
		ID:             uuid.New(),
		TelegramUserID: &tgID,
		CreatedAt:      time.Now(),
	}
	r.store.users[user.ID] = user
	r.store.usersByTgID[telegramUserID] = user.ID
	copied := *user
	return &copied, nil
}

func (r *memoryUserRepository) EnsureExists(ctx context.Context, q interfaces.DBTX, id uuid.UUID) error {
	defer r.store.lock(q)()
	if _, exists := r.store.users[id]; exists {
		return nil
	}
	r.store.users[id] = &models.User{ID: id, CreatedAt: time.Now()}
	return nil
}

// --- BalanceRepository --- //

type memoryBalanceRepository struct{ store *MemoryStore }

var _ interfaces.BalanceRepository = (*memoryBalanceRepository)(nil)

// NewMemoryBalanceRepository создает in-memory репозиторий балансов.
func NewMemoryBalanceRepository(store *MemoryStore) interfaces.BalanceRepository {
	return &memoryBalanceRepository{store: store}
}

func (r *memoryBalanceRepository) Get(ctx context.Context, q interfaces.DBTX, userID uuid.UUID) (int64, error) {
	defer r.store.lock(q)()
	amount, ok := r.store.balances[userID]
	if !ok {
		return 0, models.ErrNotFound
	}
	return amount, nil
}

func (r *memoryBalanceRepository) Ensure(ctx context.Context, q interfaces.DBTX, userID uuid.UUID, initial int64) (bool, error) {
	defer r.store.lock(q)()
	if _, exists := r.store.balances[userID]; exists {
		return false, nil
	}
	r.store.balances[userID] = initial
	return true, nil
}

func (r *memoryBalanceRepository) DebitGuarded(ctx context.Context, q interfaces.DBTX, userID uuid.UUID, amount int64) (int64, error) {
	defer r.store.lock(q)()
	balance, ok := r.store.balances[userID]
	if !ok {
		return 0, models.ErrNotFound
	}
	// Guard и декремент выполняются под одним мьютексом - это memory-аналог
	// условного UPDATE amount >= X.
	if balance < amount {
		return 0, models.ErrInsufficientFunds
	}
	balance -= amount
	r.store.balances[userID] = balance
	return balance, nil
}

func (r *memoryBalanceRepository) Credit(ctx context.Context, q interfaces.DBTX, userID uuid.UUID, amount int64) (int64, error) {
	defer r.store.lock(q)()
	balance, ok := r.store.balances[userID]
	if !ok {
		return 0, models.ErrNotFound
	}
	balance += amount
	r.store.balances[userID] = balance
	return balance, nil
}

// --- TransactionLogRepository --- //

type memoryTransactionLogRepository struct{ store *MemoryStore }

var _ interfaces.TransactionLogRepository = (*memoryTransactionLogRepository)(nil)

// NewMemoryTransactionLogRepository создает in-memory журнал транзакций.
func NewMemoryTransactionLogRepository(store *MemoryStore) interfaces.TransactionLogRepository {
	return &memoryTransactionLogRepository{store: store}
}

func (r *memoryTransactionLogRepository) Append(ctx context.Context, q interfaces.DBTX, tx *models.Transaction) error {
	defer r.store.lock(q)()
	if tx.IdempotencyKey != nil {
		key := idemKey{tx.UserID, *tx.IdempotencyKey}
		if _, exists := r.store.txByIdemKey[key]; exists {
			return models.ErrDuplicateIdempotencyKey
		}
		r.store.txByIdemKey[key] = len(r.store.transactions)
	}
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	r.store.transactions = append(r.store.transactions, *tx)
	return nil
}

func (r *memoryTransactionLogRepository) GetByIdempotencyKey(ctx context.Context, q interfaces.DBTX, userID uuid.UUID, key string) (*models.Transaction, error) {
	defer r.store.lock(q)()
	idx, ok := r.store.txByIdemKey[idemKey{userID, key}]
	if !ok {
		return nil, models.ErrNotFound
	}
	copied := r.store.transactions[idx]
	return &copied, nil
}

func (r *memoryTransactionLogRepository) ListRecent(ctx context.Context, q interfaces.DBTX, userID uuid.UUID, limit int) ([]models.Transaction, error) {
	defer r.store.lock(q)()
	var result []models.Transaction
	for i := len(r.store.transactions) - 1; i >= 0 && len(result) < limit; i-- {
		if r.store.transactions[i].UserID == userID {
			result = append(result, r.store.transactions[i])
		}
	}
	return result, nil
}

func (r *memoryTransactionLogRepository) Summary(ctx context.Context, q interfaces.DBTX, userID uuid.UUID) (int64, int64, error) {
	defer r.store.lock(q)()
	var granted, spent int64
	for i := range r.store.transactions {
		if r.store.transactions[i].UserID != userID {
			continue
		}
		if d := r.store.transactions[i].Delta; d > 0 {
			granted += d
		} else {
			spent += -d
		}
	}
	return granted, spent, nil
}

// --- SubscriptionRepository --- //

type memorySubscriptionRepository struct{ store *MemoryStore }

var _ interfaces.SubscriptionRepository = (*memorySubscriptionRepository)(nil)

// NewMemorySubscriptionRepository создает in-memory репозиторий подписок.
func NewMemorySubscriptionRepository(store *MemoryStore) interfaces.SubscriptionRepository {
	return &memorySubscriptionRepository{store: store}
}

func (r *memorySubscriptionRepository) Get(ctx context.Context, q interfaces.DBTX, userID uuid.UUID) (*models.Subscription, error) {
	defer r.store.lock(q)()
	sub, ok := r.store.subs[userID]
	if !ok {
		return nil, models.ErrNotFound
	}
	copied := *sub
	return &copied, nil
}

func (r *memorySubscriptionRepository) Upsert(ctx context.Context, q interfaces.DBTX, sub *models.Subscription) error {
	defer r.store.lock(q)()
	sub.UpdatedAt = time.Now()
	copied := *sub
	r.store.subs[sub.UserID] = &copied
	return nil
}

// --- ChapterRepository --- //

type memoryChapterRepository struct{ store *MemoryStore }

var _ interfaces.ChapterRepository = (*memoryChapterRepository)(nil)

// NewMemoryChapterRepository создает in-memory репозиторий глав.
func NewMemoryChapterRepository(store *MemoryStore) interfaces.ChapterRepository {
	return &memoryChapterRepository{store: store}
}

func (r *memoryChapterRepository) Get(ctx context.Context, q interfaces.DBTX, characterID uuid.UUID, chapterNumber int) (*models.StoryChapter, error) {
	defer r.store.lock(q)()
	chapter, ok := r.store.chapters[chapterKey{characterID, chapterNumber}]
	if !ok {
		return nil, models.ErrNotFound
	}
	copied := *chapter
	return &copied, nil
}

func (r *memoryChapterRepository) Exists(ctx context.Context, q interfaces.DBTX, characterID uuid.UUID, chapterNumber int) (bool, error) {
	defer r.store.lock(q)()
	_, ok := r.store.chapters[chapterKey{characterID, chapterNumber}]
	return ok, nil
}

func (r *memoryChapterRepository) ListByCharacter(ctx context.Context, q interfaces.DBTX, characterID uuid.UUID) ([]models.ChapterSummary, error) {
	defer r.store.lock(q)()
	var result []models.ChapterSummary
	for key, chapter := range r.store.chapters {
		if key.characterID == characterID {
			result = append(result, models.ChapterSummary{ChapterNumber: chapter.ChapterNumber, Title: chapter.Title})
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ChapterNumber < result[j].ChapterNumber })
	return result, nil
}

// --- ProgressRepository --- //

type memoryProgressRepository struct{ store *MemoryStore }

var _ interfaces.ProgressRepository = (*memoryProgressRepository)(nil)

// NewMemoryProgressRepository создает in-memory репозиторий прогресса.
func NewMemoryProgressRepository(store *MemoryStore) interfaces.ProgressRepository {
	return &memoryProgressRepository{store: store}
}

func (r *memoryProgressRepository) Get(ctx context.Context, q interfaces.DBTX, userID, characterID uuid.UUID) (*models.UserStoryProgress, error) {
	defer r.store.lock(q)()
	progress, ok := r.store.progress[userCharKey{userID, characterID}]
	if !ok {
		return nil, models.ErrNotFound
	}
	copied := *progress
	copied.UnlockedChapters = append([]int(nil), progress.UnlockedChapters...)
	return &copied, nil
}

func (r *memoryProgressRepository) Create(ctx context.Context, q interfaces.DBTX, progress *models.UserStoryProgress) error {
	defer r.store.lock(q)()
	key := userCharKey{progress.UserID, progress.CharacterID}
	if _, exists := r.store.progress[key]; exists {
		return models.ErrConflict
	}
	progress.UpdatedAt = time.Now()
	copied := *progress
	copied.UnlockedChapters = append([]int(nil), progress.UnlockedChapters...)
	r.store.progress[key] = &copied
	return nil
}

func (r *memoryProgressRepository) UpdateGuarded(ctx context.Context, q interfaces.DBTX, progress *models.UserStoryProgress, expectedChapter int) error {
	defer r.store.lock(q)()
	key := userCharKey{progress.UserID, progress.CharacterID}
	current, exists := r.store.progress[key]
	if !exists || current.CurrentChapterNumber != expectedChapter {
		return models.ErrConflict
	}
	progress.UpdatedAt = time.Now()
	copied := *progress
	copied.UnlockedChapters = append([]int(nil), progress.UnlockedChapters...)
	r.store.progress[key] = &copied
	return nil
}

// --- AssetUnlockRepository --- //

type memoryAssetUnlockRepository struct{ store *MemoryStore }

var _ interfaces.AssetUnlockRepository = (*memoryAssetUnlockRepository)(nil)

// NewMemoryAssetUnlockRepository создает in-memory репозиторий открытых ассетов.
func NewMemoryAssetUnlockRepository(store *MemoryStore) interfaces.AssetUnlockRepository {
	return &memoryAssetUnlockRepository{store: store}
}

func (r *memoryAssetUnlockRepository) IsUnlocked(ctx context.Context, q interfaces.DBTX, userID, assetID uuid.UUID) (bool, error) {
	defer r.store.lock(q)()
	_, ok := r.store.assets[userAssetKey{userID, assetID}]
	return ok, nil
}

func (r *memoryAssetUnlockRepository) Unlock(ctx context.Context, q interfaces.DBTX, userID, assetID uuid.UUID) (bool, error) {
	defer r.store.lock(q)()
	key := userAssetKey{userID, assetID}
	if _, exists := r.store.assets[key]; exists {
		return false, nil
	}
	r.store.assets[key] = struct{}{}
	return true, nil
}
