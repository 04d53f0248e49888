package interfaces

import (
	"context"

	"companion-server/internal/models"

	"github.com/google/uuid"
)

// BalanceRepository владеет строкой баланса пользователя.
// Инвариант хранилища: amount >= 0 всегда; любое списание - условный UPDATE
// с guard-ом amount >= X, никогда не отдельное чтение + отдельная запись.
//
//go:generate mockery --name BalanceRepository --output ./mocks --outpkg mocks --case=underscore
type BalanceRepository interface {
	// Get returns the current balance.
	// Returns models.ErrNotFound if the row does not exist yet.
	Get(ctx context.Context, q DBTX, userID uuid.UUID) (int64, error)

	// Ensure creates the balance row with the given initial amount if it does
	// not exist. Returns created=true when this call inserted the row.
	Ensure(ctx context.Context, q DBTX, userID uuid.UUID, initial int64) (created bool, err error)

	// DebitGuarded atomically decrements the balance iff amount <= balance.
	// Returns the new balance, or models.ErrInsufficientFunds without any
	// state change when the guard rejects the write.
	DebitGuarded(ctx context.Context, q DBTX, userID uuid.UUID, amount int64) (int64, error)

	// Credit atomically increments the balance and returns the new value.
	// The row must already exist (callers go through Ensure first).
	Credit(ctx context.Context, q DBTX, userID uuid.UUID, amount int64) (int64, error)
}

// TransactionLogRepository - append-only журнал мутаций баланса.
// Никаких update/delete по существующим записям не существует.
//
//go:generate mockery --name TransactionLogRepository --output ./mocks --outpkg mocks --case=underscore
type TransactionLogRepository interface {
	// Append inserts exactly one audit row. Called only by the ledger, in the
	// same atomic unit as the balance mutation.
	// Returns models.ErrDuplicateIdempotencyKey if the (user, idempotency key)
	// pair was already recorded.
	Append(ctx context.Context, q DBTX, tx *models.Transaction) error

	// GetByIdempotencyKey returns the previously recorded transaction for a
	// retried request. Returns models.ErrNotFound if the key is unknown.
	GetByIdempotencyKey(ctx context.Context, q DBTX, userID uuid.UUID, key string) (*models.Transaction, error)

	// ListRecent returns the newest transactions for display/audit.
	ListRecent(ctx context.Context, q DBTX, userID uuid.UUID, limit int) ([]models.Transaction, error)

	// Summary aggregates the granted and spent totals from the underlying rows.
	// Derived on read, never stored as a counter (see credits endpoint).
	Summary(ctx context.Context, q DBTX, userID uuid.UUID) (granted int64, spent int64, err error)
}

// SubscriptionRepository - авторитетная запись о подписке пользователя.
//
//go:generate mockery --name SubscriptionRepository --output ./mocks --outpkg mocks --case=underscore
type SubscriptionRepository interface {
	// Get returns the subscription record.
	// Returns models.ErrNotFound when the user never had one (treated as free).
	Get(ctx context.Context, q DBTX, userID uuid.UUID) (*models.Subscription, error)

	// Upsert creates or replaces the subscription record. Driven by payment
	// webhooks through the internal API.
	Upsert(ctx context.Context, q DBTX, sub *models.Subscription) error
}
