package database_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"companion-server/internal/config"
	"companion-server/internal/database"
	"companion-server/internal/interfaces"
	"companion-server/internal/models"
	"companion-server/internal/service"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

// PgRepositorySuite гоняет репозитории против настоящего Postgres в
// testcontainers. Запускается только при наличии Docker; -short пропускает.
type PgRepositorySuite struct {
	suite.Suite
	pgContainer *postgres.PostgresContainer
	dbPool      *pgxpool.Pool

	users    interfaces.UserRepository
	balances interfaces.BalanceRepository
	txLog    interfaces.TransactionLogRepository
	subs     interfaces.SubscriptionRepository
	chapters interfaces.ChapterRepository
	progress interfaces.ProgressRepository
	assets   interfaces.AssetUnlockRepository
	txRunner interfaces.TxRunner
}

func TestPgRepositorySuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration tests in -short mode")
	}
	suite.Run(t, new(PgRepositorySuite))
}

func (s *PgRepositorySuite) SetupSuite() {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(5*time.Minute),
		),
	)
	require.NoError(s.T(), err)
	s.pgContainer = pgContainer

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(s.T(), err)

	dbPool, err := pgxpool.New(ctx, connStr)
	require.NoError(s.T(), err)
	s.dbPool = dbPool

	require.NoError(s.T(), database.ApplyMigrations(dbPool))

	log := zap.NewNop()
	s.users = database.NewPgUserRepository(log)
	s.balances = database.NewPgBalanceRepository(log)
	s.txLog = database.NewPgTransactionLogRepository(log)
	s.subs = database.NewPgSubscriptionRepository(log)
	s.chapters = database.NewPgChapterRepository(log)
	s.progress = database.NewPgProgressRepository(log)
	s.assets = database.NewPgAssetUnlockRepository(log)
	s.txRunner = database.NewPgTxRunner(dbPool, log)
}

func (s *PgRepositorySuite) TearDownSuite() {
	ctx := context.Background()
	if s.dbPool != nil {
		s.dbPool.Close()
	}
	if s.pgContainer != nil {
		_ = s.pgContainer.Terminate(ctx)
	}
}

// createUser заводит строку пользователя (FK для балансов и журнала).
func (s *PgRepositorySuite) createUser(telegramUserID int64) *models.User {
	user, err := s.users.CreateWithTelegramID(context.Background(), s.dbPool, telegramUserID)
	require.NoError(s.T(), err)
	return user
}

func (s *PgRepositorySuite) TestUserCreateIsIdempotentPerTelegramID() {
	ctx := context.Background()
	const tgID int64 = 900001

	first := s.createUser(tgID)
	second, err := s.users.CreateWithTelegramID(ctx, s.dbPool, tgID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), first.ID, second.ID)

	byTg, err := s.users.GetByTelegramID(ctx, s.dbPool, tgID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), first.ID, byTg.ID)

	byID, err := s.users.GetByID(ctx, s.dbPool, first.ID)
	require.NoError(s.T(), err)
	require.NotNil(s.T(), byID.TelegramUserID)
	assert.Equal(s.T(), tgID, *byID.TelegramUserID)

	_, err = s.users.GetByID(ctx, s.dbPool, uuid.New())
	assert.ErrorIs(s.T(), err, models.ErrNotFound)
}

func (s *PgRepositorySuite) TestBalanceDebitGuard() {
	ctx := context.Background()
	user := s.createUser(900002)

	created, err := s.balances.Ensure(ctx, s.dbPool, user.ID, 100)
	require.NoError(s.T(), err)
	assert.True(s.T(), created)

	// Повторный Ensure не перезаписывает баланс.
	created, err = s.balances.Ensure(ctx, s.dbPool, user.ID, 500)
	require.NoError(s.T(), err)
	assert.False(s.T(), created)

	newBalance, err := s.balances.DebitGuarded(ctx, s.dbPool, user.ID, 30)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(70), newBalance)

	_, err = s.balances.DebitGuarded(ctx, s.dbPool, user.ID, 1000)
	assert.ErrorIs(s.T(), err, models.ErrInsufficientFunds)

	amount, err := s.balances.Get(ctx, s.dbPool, user.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(70), amount)

	newBalance, err = s.balances.Credit(ctx, s.dbPool, user.ID, 30)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(100), newBalance)

	_, err = s.balances.DebitGuarded(ctx, s.dbPool, uuid.New(), 10)
	assert.ErrorIs(s.T(), err, models.ErrNotFound)
}

func (s *PgRepositorySuite) TestTransactionLog() {
	ctx := context.Background()
	user := s.createUser(900003)
	key := "pg-idem-1"

	grant := &models.Transaction{UserID: user.ID, Delta: 100, Reason: models.ReasonGrant}
	require.NoError(s.T(), s.txLog.Append(ctx, s.dbPool, grant))

	spend := &models.Transaction{UserID: user.ID, Delta: -40, Reason: models.ReasonSpend, IdempotencyKey: &key}
	require.NoError(s.T(), s.txLog.Append(ctx, s.dbPool, spend))

	// Повтор того же ключа отклоняется уникальным индексом.
	dup := &models.Transaction{UserID: user.ID, Delta: -40, Reason: models.ReasonSpend, IdempotencyKey: &key}
	err := s.txLog.Append(ctx, s.dbPool, dup)
	assert.ErrorIs(s.T(), err, models.ErrDuplicateIdempotencyKey)

	committed, err := s.txLog.GetByIdempotencyKey(ctx, s.dbPool, user.ID, key)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), spend.ID, committed.ID)
	assert.Equal(s.T(), int64(-40), committed.Delta)

	_, err = s.txLog.GetByIdempotencyKey(ctx, s.dbPool, user.ID, "no-such-key")
	assert.ErrorIs(s.T(), err, models.ErrNotFound)

	granted, spent, err := s.txLog.Summary(ctx, s.dbPool, user.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(100), granted)
	assert.Equal(s.T(), int64(40), spent)

	recent, err := s.txLog.ListRecent(ctx, s.dbPool, user.ID, 10)
	require.NoError(s.T(), err)
	require.Len(s.T(), recent, 2)
	assert.Equal(s.T(), int64(-40), recent[0].Delta) // новые первыми
}

func (s *PgRepositorySuite) TestProgressOptimisticGuard() {
	ctx := context.Background()
	user := s.createUser(900004)
	characterID := uuid.New()

	initial := models.NewInitialProgress(user.ID, characterID)
	require.NoError(s.T(), s.progress.Create(ctx, s.dbPool, initial))

	// Вторая вставка той же пары проигрывает гонку создания.
	err := s.progress.Create(ctx, s.dbPool, models.NewInitialProgress(user.ID, characterID))
	assert.ErrorIs(s.T(), err, models.ErrConflict)

	stored, err := s.progress.Get(ctx, s.dbPool, user.ID, characterID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 1, stored.CurrentChapterNumber)
	assert.Equal(s.T(), []int{1}, stored.UnlockedChapters)

	stored.CurrentChapterNumber = 2
	stored.UnlockedChapters = []int{1, 2}
	require.NoError(s.T(), s.progress.UpdateGuarded(ctx, s.dbPool, stored, 1))

	// Устаревший expectedChapter означает проигранную гонку.
	stale := *stored
	stale.CurrentChapterNumber = 3
	err = s.progress.UpdateGuarded(ctx, s.dbPool, &stale, 1)
	assert.ErrorIs(s.T(), err, models.ErrConflict)

	reread, err := s.progress.Get(ctx, s.dbPool, user.ID, characterID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 2, reread.CurrentChapterNumber)
	assert.Equal(s.T(), []int{1, 2}, reread.UnlockedChapters)

	_, err = s.progress.Get(ctx, s.dbPool, user.ID, uuid.New())
	assert.ErrorIs(s.T(), err, models.ErrNotFound)
}

func (s *PgRepositorySuite) TestChapterContentRoundTrip() {
	ctx := context.Background()
	characterID := uuid.New()

	content := models.ChapterContent{
		Opening: "A rainy evening.",
		Branches: []models.Branch{
			{ID: "continue", Label: "Continue", Response: "She smiles."},
		},
	}
	raw, err := json.Marshal(content)
	require.NoError(s.T(), err)
	_, err = s.dbPool.Exec(ctx,
		`INSERT INTO story_chapters (character_id, chapter_number, title, content) VALUES ($1, $2, $3, $4)`,
		characterID, 1, "Arrival", raw)
	require.NoError(s.T(), err)

	chapter, err := s.chapters.Get(ctx, s.dbPool, characterID, 1)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "Arrival", chapter.Title)
	assert.Equal(s.T(), "A rainy evening.", chapter.Content.Opening)
	require.Len(s.T(), chapter.Content.Branches, 1)
	assert.Equal(s.T(), "continue", chapter.Content.Branches[0].ID)

	exists, err := s.chapters.Exists(ctx, s.dbPool, characterID, 1)
	require.NoError(s.T(), err)
	assert.True(s.T(), exists)

	exists, err = s.chapters.Exists(ctx, s.dbPool, characterID, 2)
	require.NoError(s.T(), err)
	assert.False(s.T(), exists)

	summaries, err := s.chapters.ListByCharacter(ctx, s.dbPool, characterID)
	require.NoError(s.T(), err)
	require.Len(s.T(), summaries, 1)
	assert.Equal(s.T(), "Arrival", summaries[0].Title)
}

func (s *PgRepositorySuite) TestSubscriptionUpsert() {
	ctx := context.Background()
	user := s.createUser(900005)

	_, err := s.subs.Get(ctx, s.dbPool, user.ID)
	assert.ErrorIs(s.T(), err, models.ErrNotFound)

	expires := time.Now().Add(24 * time.Hour).UTC()
	require.NoError(s.T(), s.subs.Upsert(ctx, s.dbPool, &models.Subscription{
		UserID:    user.ID,
		Plan:      models.PlanPremium,
		ExpiresAt: &expires,
	}))

	sub, err := s.subs.Get(ctx, s.dbPool, user.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), models.PlanPremium, sub.Plan)
	require.NotNil(s.T(), sub.ExpiresAt)
	assert.WithinDuration(s.T(), expires, *sub.ExpiresAt, time.Second)

	// Продление перезаписывает срок.
	later := expires.Add(30 * 24 * time.Hour)
	require.NoError(s.T(), s.subs.Upsert(ctx, s.dbPool, &models.Subscription{
		UserID:    user.ID,
		Plan:      models.PlanPremium,
		ExpiresAt: &later,
	}))
	sub, err = s.subs.Get(ctx, s.dbPool, user.ID)
	require.NoError(s.T(), err)
	assert.WithinDuration(s.T(), later, *sub.ExpiresAt, time.Second)
}

func (s *PgRepositorySuite) TestAssetUnlockIsIdempotent() {
	ctx := context.Background()
	user := s.createUser(900006)
	assetID := uuid.New()

	unlocked, err := s.assets.IsUnlocked(ctx, s.dbPool, user.ID, assetID)
	require.NoError(s.T(), err)
	assert.False(s.T(), unlocked)

	// Повторная вставка не затрагивает строк; inserted отличает первое
	// открытие от дубля.
	inserted, err := s.assets.Unlock(ctx, s.dbPool, user.ID, assetID)
	require.NoError(s.T(), err)
	assert.True(s.T(), inserted)

	inserted, err = s.assets.Unlock(ctx, s.dbPool, user.ID, assetID)
	require.NoError(s.T(), err)
	assert.False(s.T(), inserted)

	unlocked, err = s.assets.IsUnlocked(ctx, s.dbPool, user.ID, assetID)
	require.NoError(s.T(), err)
	assert.True(s.T(), unlocked)
}

// Личность из JWT или платежного вебхука впервые касается хранилища через
// сервисный слой; строка users заводится лениво, и первая запись в таблицы
// с FK на users не падает.
func (s *PgRepositorySuite) TestServicesCreateUserRowLazily() {
	ctx := context.Background()
	log := zap.NewNop()

	ledger := service.NewLedgerService(s.dbPool, s.txRunner, s.users, s.balances, s.txLog, nil, 100, log)
	story := service.NewStoryService(s.dbPool, s.txRunner, s.users, s.chapters, s.progress, log)
	entitlement := service.NewEntitlementService(s.dbPool, s.users, s.subs, &config.Config{}, log)

	walletUser := uuid.New()
	summary, _, err := ledger.GetCredits(ctx, walletUser)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(100), summary.Remaining)
	_, err = s.users.GetByID(ctx, s.dbPool, walletUser)
	require.NoError(s.T(), err)

	storyUser := uuid.New()
	progress, err := story.GetProgress(ctx, storyUser, uuid.New())
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 1, progress.CurrentChapterNumber)
	_, err = s.users.GetByID(ctx, s.dbPool, storyUser)
	require.NoError(s.T(), err)

	premiumUser := uuid.New()
	later := time.Now().Add(24 * time.Hour)
	_, err = entitlement.ActivatePremium(ctx, premiumUser, &later)
	require.NoError(s.T(), err)
	_, err = s.users.GetByID(ctx, s.dbPool, premiumUser)
	require.NoError(s.T(), err)
}

func (s *PgRepositorySuite) TestTxRunnerRollsBackOnError() {
	ctx := context.Background()
	user := s.createUser(900007)

	_, err := s.balances.Ensure(ctx, s.dbPool, user.ID, 100)
	require.NoError(s.T(), err)

	sentinel := errors.New("boom")
	err = s.txRunner.WithTx(ctx, func(q interfaces.DBTX) error {
		if _, debitErr := s.balances.DebitGuarded(ctx, q, user.ID, 60); debitErr != nil {
			return debitErr
		}
		return sentinel
	})
	assert.ErrorIs(s.T(), err, sentinel)

	amount, err := s.balances.Get(ctx, s.dbPool, user.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(100), amount)
}
