package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"companion-server/internal/interfaces"
	"companion-server/internal/messaging"
	"companion-server/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LedgerService владеет балансом кредитов и журналом транзакций.
//
// Каждая мутация баланса и ее запись в журнал фиксируются в одной атомарной
// единице работы хранилища. Агрегаты для клиента всегда выводятся из строк
// журнала, а не из отдельного счетчика.
type LedgerService struct {
	db          interfaces.DBTX
	txRunner    interfaces.TxRunner
	userRepo    interfaces.UserRepository
	balanceRepo interfaces.BalanceRepository
	txLogRepo   interfaces.TransactionLogRepository
	publisher   messaging.ClientUpdatePublisher // может быть nil
	startingBal int64
	logger      *zap.Logger
}

// NewLedgerService создает сервис леджера.
// db - исполнитель запросов вне транзакций (*pgxpool.Pool; nil для memory).
// publisher может быть nil, тогда события клиенту не публикуются.
func NewLedgerService(
	db interfaces.DBTX,
	txRunner interfaces.TxRunner,
	userRepo interfaces.UserRepository,
	balanceRepo interfaces.BalanceRepository,
	txLogRepo interfaces.TransactionLogRepository,
	publisher messaging.ClientUpdatePublisher,
	startingBalance int64,
	logger *zap.Logger,
) *LedgerService {
	return &LedgerService{
		db:          db,
		txRunner:    txRunner,
		userRepo:    userRepo,
		balanceRepo: balanceRepo,
		txLogRepo:   txLogRepo,
		publisher:   publisher,
		startingBal: startingBalance,
		logger:      logger.Named("LedgerService"),
	}
}

// ResolveTelegramUser возвращает ID внутреннего пользователя для аккаунта
// Telegram, создавая его при первом контакте. Используется auth middleware.
func (s *LedgerService) ResolveTelegramUser(ctx context.Context, telegramUserID int64) (uuid.UUID, error) {
	user, err := s.userRepo.GetByTelegramID(ctx, s.db, telegramUserID)
	if err == nil {
		return user.ID, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return uuid.Nil, fmt.Errorf("failed to look up telegram user %d: %w", telegramUserID, err)
	}

	user, err = s.userRepo.CreateWithTelegramID(ctx, s.db, telegramUserID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create user for telegram account %d: %w", telegramUserID, err)
	}
	s.logger.Info("Created user for first telegram contact",
		zap.String("userID", user.ID.String()),
		zap.Int64("telegramUserID", telegramUserID),
	)
	return user.ID, nil
}

// ensureBalanceInTx лениво создает строку баланса со стартовым грантом.
// Грант фиксируется в журнале той же транзакцией, что и создание строки.
// Строка пользователя создается первой: личность из JWT или внутреннего
// маршрута до этого момента могла ни разу не касаться хранилища.
func (s *LedgerService) ensureBalanceInTx(ctx context.Context, q interfaces.DBTX, userID uuid.UUID) error {
	if err := s.userRepo.EnsureExists(ctx, q, userID); err != nil {
		return fmt.Errorf("failed to ensure user row: %w", err)
	}
	created, err := s.balanceRepo.Ensure(ctx, q, userID, s.startingBal)
	if err != nil {
		return fmt.Errorf("failed to ensure balance row: %w", err)
	}
	if !created || s.startingBal == 0 {
		return nil
	}
	desc := "starting balance"
	grant := &models.Transaction{
		ID:          uuid.New(),
		UserID:      userID,
		Delta:       s.startingBal,
		Reason:      models.ReasonGrant,
		Description: &desc,
		CreatedAt:   time.Now(),
	}
	if err := s.txLogRepo.Append(ctx, q, grant); err != nil {
		return fmt.Errorf("%w: starting grant not recorded: %v", models.ErrLedgerInconsistent, err)
	}
	s.logger.Info("Granted starting balance",
		zap.String("userID", userID.String()),
		zap.Int64("amount", s.startingBal),
	)
	return nil
}

// GetBalance возвращает текущий баланс без побочных эффектов.
func (s *LedgerService) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	balance, err := s.balanceRepo.Get(ctx, s.db, userID)
	if errors.Is(err, models.ErrNotFound) {
		return 0, nil
	}
	return balance, err
}

// GetCredits возвращает агрегат кредитов и последние транзакции пользователя.
// Строка баланса создается лениво при первом обращении.
func (s *LedgerService) GetCredits(ctx context.Context, userID uuid.UUID) (*models.CreditsSummary, []models.Transaction, error) {
	err := s.txRunner.WithTx(ctx, func(q interfaces.DBTX) error {
		return s.ensureBalanceInTx(ctx, q, userID)
	})
	if err != nil {
		return nil, nil, err
	}

	// Total/Used выводятся из строк журнала, остаток - их разность.
	granted, spent, err := s.txLogRepo.Summary(ctx, s.db, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to aggregate transactions: %w", err)
	}
	summary := &models.CreditsSummary{
		Total:     granted,
		Used:      spent,
		Remaining: granted - spent,
	}

	// Сверка с авторитетной строкой баланса. Расхождение означает, что
	// какая-то мутация прошла мимо журнала.
	balance, err := s.balanceRepo.Get(ctx, s.db, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read balance: %w", err)
	}
	if balance != summary.Remaining {
		s.logger.Error("Ledger drift detected between balance row and transaction log",
			zap.String("userID", userID.String()),
			zap.Int64("balance", balance),
			zap.Int64("derivedRemaining", summary.Remaining),
		)
		summary.Remaining = balance
	}

	transactions, err := s.txLogRepo.ListRecent(ctx, s.db, userID, defaultTransactionListLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return summary, transactions, nil
}

// ListTransactions возвращает последние транзакции пользователя.
func (s *LedgerService) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]models.Transaction, error) {
	SanitizeLimit(&limit, defaultTransactionListLimit, 100)
	return s.txLogRepo.ListRecent(ctx, s.db, userID, limit)
}

// DebitInTx списывает кредиты и фиксирует запись журнала в рамках переданной
// транзакции. Проверка достатка и декремент выполняются одним условным
// UPDATE, никогда чтением с последующей записью.
func (s *LedgerService) DebitInTx(
	ctx context.Context,
	q interfaces.DBTX,
	userID uuid.UUID,
	amount int64,
	reason models.TransactionReason,
	reference, description, idempotencyKey *string,
) (*models.Transaction, int64, error) {
	if amount <= 0 {
		return nil, 0, models.ErrInvalidTransactionAmount
	}
	if err := s.ensureBalanceInTx(ctx, q, userID); err != nil {
		return nil, 0, err
	}

	newBalance, err := s.balanceRepo.DebitGuarded(ctx, q, userID, amount)
	if err != nil {
		if errors.Is(err, models.ErrInsufficientFunds) {
			return nil, 0, models.ErrInsufficientFunds
		}
		return nil, 0, fmt.Errorf("failed to debit balance: %w", err)
	}

	tx := &models.Transaction{
		ID:             uuid.New(),
		UserID:         userID,
		Delta:          -amount,
		Reason:         reason,
		Reference:      reference,
		Description:    description,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now(),
	}
	if err := s.txLogRepo.Append(ctx, q, tx); err != nil {
		if errors.Is(err, models.ErrDuplicateIdempotencyKey) {
			// Повтор уже примененного запроса; транзакция откатится,
			// вызывающий перечитает зафиксированное состояние.
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("%w: debit not recorded: %v", models.ErrLedgerInconsistent, err)
	}
	return tx, newBalance, nil
}

// CreditInTx начисляет кредиты и фиксирует запись журнала в рамках переданной
// транзакции.
func (s *LedgerService) CreditInTx(
	ctx context.Context,
	q interfaces.DBTX,
	userID uuid.UUID,
	amount int64,
	reason models.TransactionReason,
	reference, description, idempotencyKey *string,
) (*models.Transaction, int64, error) {
	if amount <= 0 {
		return nil, 0, models.ErrInvalidTransactionAmount
	}
	if err := s.ensureBalanceInTx(ctx, q, userID); err != nil {
		return nil, 0, err
	}

	newBalance, err := s.balanceRepo.Credit(ctx, q, userID, amount)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to credit balance: %w", err)
	}

	tx := &models.Transaction{
		ID:             uuid.New(),
		UserID:         userID,
		Delta:          amount,
		Reason:         reason,
		Reference:      reference,
		Description:    description,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now(),
	}
	if err := s.txLogRepo.Append(ctx, q, tx); err != nil {
		if errors.Is(err, models.ErrDuplicateIdempotencyKey) {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("%w: credit not recorded: %v", models.ErrLedgerInconsistent, err)
	}
	return tx, newBalance, nil
}

// RecordNoChargeInTx фиксирует нулевую запись журнала для бесплатной
// операции с ключом идемпотентности, чтобы ее повтор распознавался так же,
// как повтор платной. Без ключа запись не создается. Возвращает текущий
// баланс после ленивой инициализации строки.
func (s *LedgerService) RecordNoChargeInTx(
	ctx context.Context,
	q interfaces.DBTX,
	userID uuid.UUID,
	reference, description, idempotencyKey *string,
) (*models.Transaction, int64, error) {
	if err := s.ensureBalanceInTx(ctx, q, userID); err != nil {
		return nil, 0, err
	}
	balance, err := s.balanceRepo.Get(ctx, q, userID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read balance: %w", err)
	}
	if idempotencyKey == nil || *idempotencyKey == "" {
		return nil, balance, nil
	}

	tx := &models.Transaction{
		ID:             uuid.New(),
		UserID:         userID,
		Delta:          0,
		Reason:         models.ReasonSpend,
		Reference:      reference,
		Description:    description,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now(),
	}
	if err := s.txLogRepo.Append(ctx, q, tx); err != nil {
		if errors.Is(err, models.ErrDuplicateIdempotencyKey) {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("%w: no-charge record not written: %v", models.ErrLedgerInconsistent, err)
	}
	return tx, balance, nil
}

// Deduct списывает кредиты в собственной транзакции. Повтор запроса с уже
// примененным ключом идемпотентности возвращает зафиксированное состояние
// без повторного списания; флаг replayed отличает повтор от нового списания.
func (s *LedgerService) Deduct(
	ctx context.Context,
	userID uuid.UUID,
	amount int64,
	reason models.TransactionReason,
	reference, description, idempotencyKey *string,
) (*models.Transaction, int64, bool, error) {
	if amount <= 0 {
		return nil, 0, false, models.ErrInvalidTransactionAmount
	}

	if replayed, balance, ok, err := s.replayByKey(ctx, userID, idempotencyKey); err != nil {
		return nil, 0, false, err
	} else if ok {
		return replayed, balance, true, nil
	}

	var (
		tx         *models.Transaction
		newBalance int64
	)
	err := s.txRunner.WithTx(ctx, func(q interfaces.DBTX) error {
		var txErr error
		tx, newBalance, txErr = s.DebitInTx(ctx, q, userID, amount, reason, reference, description, idempotencyKey)
		return txErr
	})
	if errors.Is(err, models.ErrDuplicateIdempotencyKey) {
		replayed, balance, ok, replayErr := s.replayByKey(ctx, userID, idempotencyKey)
		if replayErr != nil {
			return nil, 0, false, replayErr
		}
		if ok {
			return replayed, balance, true, nil
		}
		return nil, 0, false, err
	}
	if err != nil {
		return nil, 0, false, err
	}

	s.publishBalanceUpdate(ctx, userID, newBalance, tx)
	return tx, newBalance, false, nil
}

// Credit начисляет кредиты в собственной транзакции (покупки, возвраты).
func (s *LedgerService) Credit(
	ctx context.Context,
	userID uuid.UUID,
	amount int64,
	reason models.TransactionReason,
	reference, description, idempotencyKey *string,
) (*models.Transaction, int64, bool, error) {
	if amount <= 0 {
		return nil, 0, false, models.ErrInvalidTransactionAmount
	}
	if reason != models.ReasonGrant && reason != models.ReasonRefund {
		return nil, 0, false, fmt.Errorf("%w: reason %q cannot increase the balance", models.ErrInvalidInput, reason)
	}

	if replayed, balance, ok, err := s.replayByKey(ctx, userID, idempotencyKey); err != nil {
		return nil, 0, false, err
	} else if ok {
		return replayed, balance, true, nil
	}

	var (
		tx         *models.Transaction
		newBalance int64
	)
	err := s.txRunner.WithTx(ctx, func(q interfaces.DBTX) error {
		var txErr error
		tx, newBalance, txErr = s.CreditInTx(ctx, q, userID, amount, reason, reference, description, idempotencyKey)
		return txErr
	})
	if errors.Is(err, models.ErrDuplicateIdempotencyKey) {
		replayed, balance, ok, replayErr := s.replayByKey(ctx, userID, idempotencyKey)
		if replayErr != nil {
			return nil, 0, false, replayErr
		}
		if ok {
			return replayed, balance, true, nil
		}
		return nil, 0, false, err
	}
	if err != nil {
		return nil, 0, false, err
	}

	s.publishBalanceUpdate(ctx, userID, newBalance, tx)
	return tx, newBalance, false, nil
}

// replayByKey ищет уже зафиксированную транзакцию по ключу идемпотентности.
func (s *LedgerService) replayByKey(ctx context.Context, userID uuid.UUID, idempotencyKey *string) (*models.Transaction, int64, bool, error) {
	if idempotencyKey == nil || *idempotencyKey == "" {
		return nil, 0, false, nil
	}
	tx, err := s.txLogRepo.GetByIdempotencyKey(ctx, s.db, userID, *idempotencyKey)
	if errors.Is(err, models.ErrNotFound) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	balance, err := s.balanceRepo.Get(ctx, s.db, userID)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to read balance for replay: %w", err)
	}
	s.logger.Info("Replayed transaction by idempotency key",
		zap.String("userID", userID.String()),
		zap.String("transactionID", tx.ID.String()),
	)
	return tx, balance, true, nil
}

func (s *LedgerService) publishBalanceUpdate(ctx context.Context, userID uuid.UUID, balance int64, tx *models.Transaction) {
	if s.publisher == nil || tx == nil {
		return
	}
	payload := messaging.BalanceUpdate{
		UserID:        userID,
		Balance:       balance,
		Delta:         tx.Delta,
		Reason:        string(tx.Reason),
		TransactionID: tx.ID,
	}
	if err := s.publisher.PublishBalanceUpdate(ctx, payload); err != nil {
		// Доставка события не входит в атомарную единицу; списание уже
		// зафиксировано, поэтому только логируем.
		s.logger.Warn("Failed to publish balance update", zap.String("userID", userID.String()), zap.Error(err))
	}
}
