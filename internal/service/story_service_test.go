package service_test

import (
	"context"
	"testing"

	"companion-server/internal/database"
	"companion-server/internal/models"
	"companion-server/internal/service"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newMemoryStory собирает StoryService поверх свежего in-memory хранилища.
func newMemoryStory(t *testing.T) (*service.StoryService, *database.MemoryStore) {
	t.Helper()
	store := database.NewMemoryStore()
	story := service.NewStoryService(
		nil,
		store,
		database.NewMemoryUserRepository(store),
		database.NewMemoryChapterRepository(store),
		database.NewMemoryProgressRepository(store),
		zap.NewNop(),
	)
	return story, store
}

// seedLinearChapters создает главы 1..n с единственной веткой "continue" (+1).
func seedLinearChapters(store *database.MemoryStore, characterID uuid.UUID, n int) {
	for i := 1; i <= n; i++ {
		store.SeedChapter(&models.StoryChapter{
			CharacterID:   characterID,
			ChapterNumber: i,
			Title:         "Chapter",
			Content: models.ChapterContent{
				Opening: "...",
				Branches: []models.Branch{
					{ID: "continue", Label: "Continue", Response: "Onward."},
				},
			},
		})
	}
}

func TestGetProgress(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	characterID := uuid.New()

	t.Run("New pair lazily creates chapter 1 progress", func(t *testing.T) {
		story, _ := newMemoryStory(t)

		progress, err := story.GetProgress(ctx, userID, characterID)
		require.NoError(t, err)
		assert.Equal(t, 1, progress.CurrentChapterNumber)
		assert.Equal(t, []int{1}, progress.UnlockedChapters)
		assert.False(t, progress.IsCompleted)
	})

	t.Run("Existing progress is returned as is", func(t *testing.T) {
		story, store := newMemoryStory(t)
		existing := &models.UserStoryProgress{
			ID:                   uuid.New(),
			UserID:               userID,
			CharacterID:          characterID,
			CurrentChapterNumber: 3,
			UnlockedChapters:     []int{1, 2, 3},
		}
		require.NoError(t, database.NewMemoryProgressRepository(store).Create(ctx, nil, existing))

		progress, err := story.GetProgress(ctx, userID, characterID)
		require.NoError(t, err)
		assert.Equal(t, 3, progress.CurrentChapterNumber)
		assert.Equal(t, []int{1, 2, 3}, progress.UnlockedChapters)
	})
}

func TestAdvance(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	characterID := uuid.New()

	seedProgressAt := func(t *testing.T, store *database.MemoryStore, chapter int, unlocked []int) {
		t.Helper()
		require.NoError(t, database.NewMemoryProgressRepository(store).Create(ctx, nil, &models.UserStoryProgress{
			ID:                   uuid.New(),
			UserID:               userID,
			CharacterID:          characterID,
			CurrentChapterNumber: chapter,
			UnlockedChapters:     unlocked,
		}))
	}

	t.Run("Advance to a missing chapter completes the story", func(t *testing.T) {
		story, store := newMemoryStory(t)
		seedLinearChapters(store, characterID, 3)
		seedProgressAt(t, store, 3, []int{1, 2, 3})

		progress, _, err := story.AdvanceInTx(ctx, nil, userID, characterID, "continue")
		require.NoError(t, err)
		assert.Equal(t, 4, progress.CurrentChapterNumber)
		assert.True(t, progress.IsCompleted)
		assert.Equal(t, []int{1, 2, 3}, progress.UnlockedChapters) // цель не добавлена
	})

	t.Run("Advance to an existing chapter unlocks it", func(t *testing.T) {
		story, store := newMemoryStory(t)
		seedLinearChapters(store, characterID, 4)
		seedProgressAt(t, store, 3, []int{1, 2, 3})

		progress, branch, err := story.AdvanceInTx(ctx, nil, userID, characterID, "continue")
		require.NoError(t, err)
		assert.Equal(t, 4, progress.CurrentChapterNumber)
		assert.False(t, progress.IsCompleted)
		assert.Equal(t, []int{1, 2, 3, 4}, progress.UnlockedChapters)
		assert.Equal(t, "Onward.", branch.Response)
	})

	t.Run("Completed story rejects further advances", func(t *testing.T) {
		story, store := newMemoryStory(t)
		seedLinearChapters(store, characterID, 3)
		require.NoError(t, database.NewMemoryProgressRepository(store).Create(ctx, nil, &models.UserStoryProgress{
			ID:                   uuid.New(),
			UserID:               userID,
			CharacterID:          characterID,
			CurrentChapterNumber: 4,
			IsCompleted:          true,
			UnlockedChapters:     []int{1, 2, 3},
		}))

		_, _, err := story.AdvanceInTx(ctx, nil, userID, characterID, "continue")
		assert.ErrorIs(t, err, models.ErrStoryCompleted)
	})

	t.Run("Unknown branch is rejected", func(t *testing.T) {
		story, store := newMemoryStory(t)
		seedLinearChapters(store, characterID, 2)

		_, _, err := story.AdvanceInTx(ctx, nil, userID, characterID, "no-such-branch")
		assert.ErrorIs(t, err, models.ErrInvalidBranch)
	})

	t.Run("Backward branch revisits without shrinking unlocked set", func(t *testing.T) {
		story, store := newMemoryStory(t)
		back := -1
		store.SeedChapter(&models.StoryChapter{
			CharacterID:   characterID,
			ChapterNumber: 1,
			Content: models.ChapterContent{
				Branches: []models.Branch{{ID: "continue"}},
			},
		})
		store.SeedChapter(&models.StoryChapter{
			CharacterID:   characterID,
			ChapterNumber: 2,
			Content: models.ChapterContent{
				Branches: []models.Branch{{ID: "back", NextChapterIncrement: &back}},
			},
		})
		seedProgressAt(t, store, 2, []int{1, 2})

		progress, _, err := story.AdvanceInTx(ctx, nil, userID, characterID, "back")
		require.NoError(t, err)
		assert.Equal(t, 1, progress.CurrentChapterNumber)
		assert.False(t, progress.IsCompleted)
		// Набор открытых глав монотонен: возврат назад ничего не отзывает.
		assert.Equal(t, []int{1, 2}, progress.UnlockedChapters)
	})

	t.Run("First advance without prior progress starts at chapter 1", func(t *testing.T) {
		story, store := newMemoryStory(t)
		seedLinearChapters(store, characterID, 2)

		progress, _, err := story.AdvanceInTx(ctx, nil, userID, characterID, "continue")
		require.NoError(t, err)
		assert.Equal(t, 2, progress.CurrentChapterNumber)
		assert.Equal(t, []int{1, 2}, progress.UnlockedChapters)
	})
}

func TestGetChapter(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	characterID := uuid.New()

	t.Run("Unlocked chapter is returned", func(t *testing.T) {
		story, store := newMemoryStory(t)
		seedLinearChapters(store, characterID, 2)

		chapter, err := story.GetChapter(ctx, userID, characterID, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, chapter.ChapterNumber)
	})

	t.Run("Locked chapter is indistinguishable from a missing one", func(t *testing.T) {
		story, store := newMemoryStory(t)
		seedLinearChapters(store, characterID, 3)

		_, err := story.GetChapter(ctx, userID, characterID, 3)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("Missing chapter returns not found", func(t *testing.T) {
		story, _ := newMemoryStory(t)

		_, err := story.GetChapter(ctx, userID, characterID, 42)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestListChapters(t *testing.T) {
	ctx := context.Background()
	characterID := uuid.New()

	t.Run("Chapters are listed in order", func(t *testing.T) {
		story, store := newMemoryStory(t)
		seedLinearChapters(store, characterID, 3)

		summaries, err := story.ListChapters(ctx, characterID)
		require.NoError(t, err)
		require.Len(t, summaries, 3)
		assert.Equal(t, 1, summaries[0].ChapterNumber)
		assert.Equal(t, 3, summaries[2].ChapterNumber)
	})

	t.Run("Unknown character returns not found", func(t *testing.T) {
		story, _ := newMemoryStory(t)

		_, err := story.ListChapters(ctx, uuid.New())
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}
