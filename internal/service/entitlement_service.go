package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"companion-server/internal/config"
	"companion-server/internal/interfaces"
	"companion-server/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EntitlementService вычисляет эффективный план пользователя и стоимость
// платных действий.
//
// План пересчитывается при каждом обращении из таблицы подписок и нигде не
// кешируется: платежные вебхуки меняют подписку асинхронно, и устаревший
// кеш означал бы списание по неверному тарифу.
type EntitlementService struct {
	db       interfaces.DBTX
	userRepo interfaces.UserRepository
	subRepo  interfaces.SubscriptionRepository
	cfg      *config.Config
	logger   *zap.Logger
}

// NewEntitlementService создает резолвер тарифов.
func NewEntitlementService(db interfaces.DBTX, userRepo interfaces.UserRepository, subRepo interfaces.SubscriptionRepository, cfg *config.Config, logger *zap.Logger) *EntitlementService {
	return &EntitlementService{
		db:       db,
		userRepo: userRepo,
		subRepo:  subRepo,
		cfg:      cfg,
		logger:   logger.Named("EntitlementService"),
	}
}

// Resolve возвращает эффективный план пользователя на момент вызова.
// Отсутствие записи о подписке означает бесплатный план, не ошибку.
func (s *EntitlementService) Resolve(ctx context.Context, userID uuid.UUID) (*models.Entitlement, error) {
	sub, err := s.subRepo.Get(ctx, s.db, userID)
	if errors.Is(err, models.ErrNotFound) {
		return &models.Entitlement{Plan: models.PlanFree, IsPremium: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read subscription: %w", err)
	}

	isPremium := sub.Plan == models.PlanPremium &&
		(sub.ExpiresAt == nil || sub.ExpiresAt.After(time.Now()))

	plan := sub.Plan
	if !isPremium {
		// Истекшая премиум-подписка ведет себя как бесплатный план.
		plan = models.PlanFree
	}
	return &models.Entitlement{
		Plan:      plan,
		IsPremium: isPremium,
		ExpiresAt: sub.ExpiresAt,
	}, nil
}

// CostFor возвращает стоимость платного действия для пользователя с учетом
// его текущего плана.
func (s *EntitlementService) CostFor(ctx context.Context, userID uuid.UUID, action models.PaidAction) (int64, error) {
	ent, err := s.Resolve(ctx, userID)
	if err != nil {
		return 0, err
	}
	cost, ok := s.cfg.CostFor(action, ent.Plan)
	if !ok {
		return 0, fmt.Errorf("%w: unknown paid action %q", models.ErrBadRequest, action)
	}
	if cost < 0 {
		return 0, fmt.Errorf("%w: negative cost configured for action %q", models.ErrInternalServer, action)
	}
	return cost, nil
}

// ActivatePremium создает или продлевает премиум-подписку пользователя.
// Вызывается внутренним маршрутом по завершении оплаты.
func (s *EntitlementService) ActivatePremium(ctx context.Context, userID uuid.UUID, expiresAt *time.Time) (*models.Subscription, error) {
	sub := &models.Subscription{
		UserID:    userID,
		Plan:      models.PlanPremium,
		ExpiresAt: expiresAt,
		UpdatedAt: time.Now(),
	}
	// Платежный вебхук может прийти раньше первого касания хранилища этим
	// пользователем; подписка ссылается на users по FK.
	if err := s.userRepo.EnsureExists(ctx, s.db, userID); err != nil {
		return nil, fmt.Errorf("failed to ensure user row: %w", err)
	}
	if err := s.subRepo.Upsert(ctx, s.db, sub); err != nil {
		return nil, fmt.Errorf("failed to upsert subscription: %w", err)
	}
	s.logger.Info("Premium activated",
		zap.String("userID", userID.String()),
		zap.Timep("expiresAt", expiresAt),
	)
	return sub, nil
}
