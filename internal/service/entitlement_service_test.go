package service_test

import (
	"context"
	"testing"
	"time"

	"companion-server/internal/config"
	"companion-server/internal/database"
	"companion-server/internal/models"
	"companion-server/internal/service"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMemoryEntitlement(t *testing.T) (*service.EntitlementService, *database.MemoryStore) {
	t.Helper()
	store := database.NewMemoryStore()
	cfg := &config.Config{
		ChapterAdvanceCost:     10,
		AssetUnlockCost:        25,
		MessageCost:            1,
		PremiumChapterCost:     5,
		PremiumAssetUnlockCost: 15,
		PremiumMessageCost:     0,
	}
	svc := service.NewEntitlementService(nil, database.NewMemoryUserRepository(store), database.NewMemorySubscriptionRepository(store), cfg, zap.NewNop())
	return svc, store
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("User without a subscription record is free", func(t *testing.T) {
		svc, _ := newMemoryEntitlement(t)

		ent, err := svc.Resolve(ctx, uuid.New())
		require.NoError(t, err)
		assert.Equal(t, models.PlanFree, ent.Plan)
		assert.False(t, ent.IsPremium)
	})

	t.Run("Active premium without expiry", func(t *testing.T) {
		svc, _ := newMemoryEntitlement(t)
		userID := uuid.New()
		_, err := svc.ActivatePremium(ctx, userID, nil)
		require.NoError(t, err)

		ent, err := svc.Resolve(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, models.PlanPremium, ent.Plan)
		assert.True(t, ent.IsPremium)
		assert.Nil(t, ent.ExpiresAt)
	})

	t.Run("Premium with a future expiry is active", func(t *testing.T) {
		svc, _ := newMemoryEntitlement(t)
		userID := uuid.New()
		future := time.Now().Add(30 * 24 * time.Hour)
		_, err := svc.ActivatePremium(ctx, userID, &future)
		require.NoError(t, err)

		ent, err := svc.Resolve(ctx, userID)
		require.NoError(t, err)
		assert.True(t, ent.IsPremium)
	})

	t.Run("Expired premium resolves to free on every call", func(t *testing.T) {
		svc, _ := newMemoryEntitlement(t)
		userID := uuid.New()
		past := time.Now().Add(-time.Minute)
		_, err := svc.ActivatePremium(ctx, userID, &past)
		require.NoError(t, err)

		ent, err := svc.Resolve(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, models.PlanFree, ent.Plan)
		assert.False(t, ent.IsPremium)
	})
}

func TestCostFor(t *testing.T) {
	ctx := context.Background()

	t.Run("Free plan tariffs", func(t *testing.T) {
		svc, _ := newMemoryEntitlement(t)
		userID := uuid.New()

		cases := []struct {
			action models.PaidAction
			want   int64
		}{
			{models.ActionChapterAdvance, 10},
			{models.ActionAssetUnlock, 25},
			{models.ActionMessage, 1},
		}
		for _, tc := range cases {
			cost, err := svc.CostFor(ctx, userID, tc.action)
			require.NoError(t, err)
			assert.Equal(t, tc.want, cost, string(tc.action))
		}
	})

	t.Run("Premium plan tariffs", func(t *testing.T) {
		svc, _ := newMemoryEntitlement(t)
		userID := uuid.New()
		_, err := svc.ActivatePremium(ctx, userID, nil)
		require.NoError(t, err)

		cases := []struct {
			action models.PaidAction
			want   int64
		}{
			{models.ActionChapterAdvance, 5},
			{models.ActionAssetUnlock, 15},
			{models.ActionMessage, 0},
		}
		for _, tc := range cases {
			cost, err := svc.CostFor(ctx, userID, tc.action)
			require.NoError(t, err)
			assert.Equal(t, tc.want, cost, string(tc.action))
		}
	})

	t.Run("Unknown action is a bad request", func(t *testing.T) {
		svc, _ := newMemoryEntitlement(t)

		_, err := svc.CostFor(ctx, uuid.New(), models.PaidAction("teleport"))
		assert.ErrorIs(t, err, models.ErrBadRequest)
	})
}

func TestActivatePremium(t *testing.T) {
	ctx := context.Background()

	t.Run("Renewal extends an expired subscription", func(t *testing.T) {
		svc, _ := newMemoryEntitlement(t)
		userID := uuid.New()
		past := time.Now().Add(-time.Hour)
		_, err := svc.ActivatePremium(ctx, userID, &past)
		require.NoError(t, err)

		future := time.Now().Add(time.Hour)
		sub, err := svc.ActivatePremium(ctx, userID, &future)
		require.NoError(t, err)
		assert.Equal(t, models.PlanPremium, sub.Plan)

		ent, err := svc.Resolve(ctx, userID)
		require.NoError(t, err)
		assert.True(t, ent.IsPremium)
	})
}
