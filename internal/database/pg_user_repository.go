package database

import (
	"context"
	"errors"
	"fmt"

	"companion-server/internal/interfaces"
	"companion-server/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Compile-time check to ensure implementation satisfies the interface.
var _ interfaces.UserRepository = (*pgUserRepository)(nil)

type pgUserRepository struct {
	logger *zap.Logger
}

// NewPgUserRepository создает новый экземпляр репозитория пользователей.
func NewPgUserRepository(logger *zap.Logger) interfaces.UserRepository {
	return &pgUserRepository{
		logger: logger.Named("PgUserRepo"),
	}
}

const getUserByIDQuery = `
SELECT id, telegram_user_id, created_at
FROM users
WHERE id = $1`

const getUserByTelegramIDQuery = `
SELECT id, telegram_user_id, created_at
FROM users
WHERE telegram_user_id = $1`

const insertUserWithTelegramIDQuery = `
INSERT INTO users (id, telegram_user_id, created_at)
VALUES ($1, $2, now())
ON CONFLICT (telegram_user_id) DO NOTHING`

const ensureUserQuery = `
INSERT INTO users (id, created_at)
VALUES ($1, now())
ON CONFLICT (id) DO NOTHING`

func (r *pgUserRepository) GetByID(ctx context.Context, q interfaces.DBTX, id uuid.UUID) (*models.User, error) {
	user := &models.User{}
	err := q.QueryRow(ctx, getUserByIDQuery, id).Scan(&user.ID, &user.TelegramUserID, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		r.logger.Error("Failed to get user by id", zap.Stringer("userID", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

func (r *pgUserRepository) GetByTelegramID(ctx context.Context, q interfaces.DBTX, telegramUserID int64) (*models.User, error) {
	user := &models.User{}
	err := q.QueryRow(ctx, getUserByTelegramIDQuery, telegramUserID).Scan(&user.ID, &user.TelegramUserID, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		r.logger.Error("Failed to get user by telegram id", zap.Int64("telegramUserID", telegramUserID), zap.Error(err))
		return nil, fmt.Errorf("failed to get user by telegram id: %w", err)
	}
	return user, nil
}

// CreateWithTelegramID вставляет пользователя для аккаунта бот-платформы.
// Конкурентное создание для одного telegram id разрешается через
// ON CONFLICT DO NOTHING + повторное чтение: обе стороны получат одну строку.
func (r *pgUserRepository) CreateWithTelegramID(ctx context.Context, q interfaces.DBTX, telegramUserID int64) (*models.User, error) {
	id := uuid.New()
	if _, err := q.Exec(ctx, insertUserWithTelegramIDQuery, id, telegramUserID); err != nil {
		r.logger.Error("Failed to insert user for telegram id", zap.Int64("telegramUserID", telegramUserID), zap.Error(err))
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return r.GetByTelegramID(ctx, q, telegramUserID)
}

// EnsureExists лениво создает строку пользователя для внешней личности
// (JWT, внутренние маршруты). Остальные таблицы ссылаются на users по FK,
// поэтому первая запись баланса или прогресса обязана идти после этой вставки.
func (r *pgUserRepository) EnsureExists(ctx context.Context, q interfaces.DBTX, id uuid.UUID) error {
	if _, err := q.Exec(ctx, ensureUserQuery, id); err != nil {
		r.logger.Error("Failed to ensure user row", zap.Stringer("userID", id), zap.Error(err))
		return fmt.Errorf("failed to ensure user: %w", err)
	}
	return nil
}
