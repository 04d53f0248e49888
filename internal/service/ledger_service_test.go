package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"companion-server/internal/database"
	"companion-server/internal/interfaces"
	"companion-server/internal/interfaces/mocks"
	"companion-server/internal/messaging"
	messagingmocks "companion-server/internal/messaging/mocks"
	"companion-server/internal/models"
	"companion-server/internal/service"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newMemoryLedger собирает LedgerService поверх свежего in-memory хранилища.
func newMemoryLedger(t *testing.T, startingBalance int64) (*service.LedgerService, *database.MemoryStore) {
	t.Helper()
	store := database.NewMemoryStore()
	ledger := service.NewLedgerService(
		nil,
		store,
		database.NewMemoryUserRepository(store),
		database.NewMemoryBalanceRepository(store),
		database.NewMemoryTransactionLogRepository(store),
		nil,
		startingBalance,
		zap.NewNop(),
	)
	return ledger, store
}

func TestGetCredits(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	t.Run("First call grants the starting balance and records it", func(t *testing.T) {
		ledger, _ := newMemoryLedger(t, 100)

		summary, transactions, err := ledger.GetCredits(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, int64(100), summary.Total)
		assert.Equal(t, int64(0), summary.Used)
		assert.Equal(t, int64(100), summary.Remaining)
		require.Len(t, transactions, 1)
		assert.Equal(t, int64(100), transactions[0].Delta)
		assert.Equal(t, models.ReasonGrant, transactions[0].Reason)
	})

	t.Run("Second call does not grant again", func(t *testing.T) {
		ledger, _ := newMemoryLedger(t, 100)

		_, _, err := ledger.GetCredits(ctx, userID)
		require.NoError(t, err)
		summary, transactions, err := ledger.GetCredits(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, int64(100), summary.Remaining)
		assert.Len(t, transactions, 1)
	})

	t.Run("Summary is derived from transaction rows", func(t *testing.T) {
		ledger, _ := newMemoryLedger(t, 100)
		_, _, err := ledger.GetCredits(ctx, userID)
		require.NoError(t, err)
		_, _, _, err = ledger.Deduct(ctx, userID, 30, models.ReasonSpend, nil, nil, nil)
		require.NoError(t, err)

		summary, _, err := ledger.GetCredits(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, int64(100), summary.Total)
		assert.Equal(t, int64(30), summary.Used)
		assert.Equal(t, int64(70), summary.Remaining)
	})
}

func TestDeduct(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	t.Run("Sufficient balance debits and appends exactly one row", func(t *testing.T) {
		ledger, _ := newMemoryLedger(t, 50)
		_, _, err := ledger.GetCredits(ctx, userID)
		require.NoError(t, err)

		tx, newBalance, _, err := ledger.Deduct(ctx, userID, 30, models.ReasonSpend, nil, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(20), newBalance)
		assert.Equal(t, int64(-30), tx.Delta)

		transactions, err := ledger.ListTransactions(ctx, userID, 10)
		require.NoError(t, err)
		require.Len(t, transactions, 2) // grant + spend
		assert.Equal(t, int64(-30), transactions[0].Delta)
	})

	t.Run("Insufficient balance leaves state untouched", func(t *testing.T) {
		ledger, _ := newMemoryLedger(t, 10)
		_, _, err := ledger.GetCredits(ctx, userID)
		require.NoError(t, err)

		_, _, _, err = ledger.Deduct(ctx, userID, 30, models.ReasonSpend, nil, nil, nil)
		assert.ErrorIs(t, err, models.ErrInsufficientFunds)

		balance, err := ledger.GetBalance(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, int64(10), balance)

		transactions, err := ledger.ListTransactions(ctx, userID, 10)
		require.NoError(t, err)
		assert.Len(t, transactions, 1) // только стартовый грант
	})

	t.Run("Zero or negative amount is rejected before any datastore call", func(t *testing.T) {
		ledger, _ := newMemoryLedger(t, 50)

		_, _, _, err := ledger.Deduct(ctx, userID, 0, models.ReasonSpend, nil, nil, nil)
		assert.ErrorIs(t, err, models.ErrInvalidTransactionAmount)
		_, _, _, err = ledger.Deduct(ctx, userID, -5, models.ReasonSpend, nil, nil, nil)
		assert.ErrorIs(t, err, models.ErrInvalidTransactionAmount)
	})

	t.Run("Retried idempotency key replays the committed transaction", func(t *testing.T) {
		ledger, _ := newMemoryLedger(t, 50)
		_, _, err := ledger.GetCredits(ctx, userID)
		require.NoError(t, err)

		key := "req-123"
		first, balanceAfterFirst, firstReplayed, err := ledger.Deduct(ctx, userID, 30, models.ReasonSpend, nil, nil, &key)
		require.NoError(t, err)
		assert.Equal(t, int64(20), balanceAfterFirst)
		assert.False(t, firstReplayed)

		second, balanceAfterSecond, secondReplayed, err := ledger.Deduct(ctx, userID, 30, models.ReasonSpend, nil, nil, &key)
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, int64(20), balanceAfterSecond)
		assert.True(t, secondReplayed)

		transactions, err := ledger.ListTransactions(ctx, userID, 10)
		require.NoError(t, err)
		assert.Len(t, transactions, 2) // grant + один spend, не два
	})
}

// Центральное свойство корректности: N конкурентных списаний стартового
// баланса целиком - успевает ровно одно, баланс никогда не уходит в минус.
func TestDeduct_NoDoubleSpend(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	const initialBalance = int64(50)
	const concurrency = 16

	ledger, _ := newMemoryLedger(t, initialBalance)
	_, _, err := ledger.GetCredits(ctx, userID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan error, concurrency)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _, err := ledger.Deduct(ctx, userID, initialBalance, models.ReasonSpend, nil, nil, nil)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, insufficient int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, models.ErrInsufficientFunds):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, concurrency-1, insufficient)

	balance, err := ledger.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	// Количество строк журнала равно числу успешных операций: грант + 1 spend.
	transactions, err := ledger.ListTransactions(ctx, userID, 100)
	require.NoError(t, err)
	assert.Len(t, transactions, 2)
}

func TestCredit(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	t.Run("Grant increases the balance and appends a row", func(t *testing.T) {
		ledger, _ := newMemoryLedger(t, 0)

		tx, newBalance, _, err := ledger.Credit(ctx, userID, 200, models.ReasonGrant, nil, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(200), newBalance)
		assert.Equal(t, int64(200), tx.Delta)
	})

	t.Run("Spend reason cannot increase the balance", func(t *testing.T) {
		ledger, _ := newMemoryLedger(t, 0)

		_, _, _, err := ledger.Credit(ctx, userID, 200, models.ReasonSpend, nil, nil, nil)
		assert.ErrorIs(t, err, models.ErrInvalidInput)
	})
}

// Отказ журнала после успешного декремента - фатальная несогласованность,
// она откатывает всю транзакцию и возвращается как ErrLedgerInconsistent.
func TestDeduct_AppendFailureIsLedgerInconsistency(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	userRepo := new(mocks.UserRepository)
	balanceRepo := new(mocks.BalanceRepository)
	txLogRepo := new(mocks.TransactionLogRepository)
	txRunner := new(mocks.TxRunner)

	txRunner.On("WithTx", mock.Anything, mock.Anything).Return(nil)
	userRepo.On("EnsureExists", mock.Anything, mock.Anything, userID).Return(nil)
	balanceRepo.On("Ensure", mock.Anything, mock.Anything, userID, int64(0)).Return(false, nil)
	balanceRepo.On("DebitGuarded", mock.Anything, mock.Anything, userID, int64(30)).Return(int64(20), nil)
	txLogRepo.On("Append", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("disk full"))

	ledger := service.NewLedgerService(nil, txRunner, userRepo, balanceRepo, txLogRepo, nil, 0, zap.NewNop())

	_, _, _, err := ledger.Deduct(ctx, userID, 30, models.ReasonSpend, nil, nil, nil)
	assert.ErrorIs(t, err, models.ErrLedgerInconsistent)
	balanceRepo.AssertExpectations(t)
	txLogRepo.AssertExpectations(t)
}

// Событие об изменении баланса уходит после коммита; отказ брокера не
// отменяет уже зафиксированное списание.
func TestDeduct_PublishesBalanceUpdate(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	store := database.NewMemoryStore()
	publisher := new(messagingmocks.ClientUpdatePublisher)
	publisher.On("PublishBalanceUpdate", mock.Anything, mock.MatchedBy(func(p messaging.BalanceUpdate) bool {
		return p.UserID == userID && p.Delta == -30 && p.Balance == 70
	})).Return(errors.New("broker down"))

	ledger := service.NewLedgerService(
		nil,
		store,
		database.NewMemoryUserRepository(store),
		database.NewMemoryBalanceRepository(store),
		database.NewMemoryTransactionLogRepository(store),
		publisher,
		100,
		zap.NewNop(),
	)

	_, newBalance, _, err := ledger.Deduct(ctx, userID, 30, models.ReasonSpend, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(70), newBalance)
	publisher.AssertExpectations(t)
}

// Интерфейсная проверка: MemoryStore пригоден как TxRunner для сервисов.
var _ interfaces.TxRunner = (*database.MemoryStore)(nil)
