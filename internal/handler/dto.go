package handler

import (
	"time"

	"companion-server/internal/models"
)

// --- DTO запросов --- //

// DeductRequest - тело POST /credits/deduct.
type DeductRequest struct {
	Credits         int64   `json:"credits" validate:"required,gt=0"`
	TransactionType string  `json:"transactionType" validate:"required,oneof=spend"`
	Description     *string `json:"description,omitempty" validate:"omitempty,max=500"`
	ConversationID  *string `json:"conversationId,omitempty" validate:"omitempty,max=100"`
	CharacterID     *string `json:"characterId,omitempty" validate:"omitempty,uuid"`
	IdempotencyKey  *string `json:"idempotencyKey,omitempty" validate:"omitempty,min=1,max=100"`
}

// AdvanceRequest - тело POST /stories/:character_id/advance.
type AdvanceRequest struct {
	BranchID       string  `json:"branchId" validate:"required,min=1,max=100"`
	IdempotencyKey *string `json:"idempotencyKey,omitempty" validate:"omitempty,min=1,max=100"`
}

// UnlockAssetRequest - тело POST /stories/:character_id/unlock-asset.
type UnlockAssetRequest struct {
	AssetID        string  `json:"assetId" validate:"required,uuid"`
	IdempotencyKey *string `json:"idempotencyKey,omitempty" validate:"omitempty,min=1,max=100"`
}

// GrantCreditsRequest - тело POST /internal/users/:user_id/credits/grant.
type GrantCreditsRequest struct {
	Credits        int64   `json:"credits" validate:"required,gt=0"`
	Reason         string  `json:"reason" validate:"required,oneof=grant refund"`
	Reference      *string `json:"reference,omitempty" validate:"omitempty,max=100"`
	Description    *string `json:"description,omitempty" validate:"omitempty,max=500"`
	IdempotencyKey *string `json:"idempotencyKey,omitempty" validate:"omitempty,min=1,max=100"`
}

// ActivatePremiumRequest - тело POST /internal/users/:user_id/premium.
type ActivatePremiumRequest struct {
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// --- DTO ответов --- //

// CreditsResponse - ответ GET /credits.
type CreditsResponse struct {
	Credits      models.CreditsSummary `json:"credits"`
	Transactions []TransactionDTO      `json:"transactions"`
}

// TransactionDTO - одна запись журнала для клиента.
type TransactionDTO struct {
	ID          string    `json:"id"`
	Delta       int64     `json:"delta"`
	Reason      string    `json:"reason"`
	Reference   *string   `json:"reference,omitempty"`
	Description *string   `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// DeductResponse - ответ POST /credits/deduct.
type DeductResponse struct {
	Credits       int64  `json:"credits"`
	TransactionID string `json:"transactionId"`
	Replayed      bool   `json:"replayed,omitempty"`
}

// ProgressResponse - прогресс по истории персонажа.
type ProgressResponse struct {
	CharacterID          string `json:"characterId"`
	CurrentChapterNumber int    `json:"currentChapterNumber"`
	IsCompleted          bool   `json:"isCompleted"`
	UnlockedChapters     []int  `json:"unlockedChapters"`
}

// ChapterResponse - контент главы.
type ChapterResponse struct {
	CharacterID   string      `json:"characterId"`
	ChapterNumber int         `json:"chapterNumber"`
	Title         string      `json:"title"`
	Opening       string      `json:"opening"`
	Branches      []BranchDTO `json:"branches"`
}

// BranchDTO - вариант выбора внутри главы. Смещение перехода клиенту не
// раскрывается.
type BranchDTO struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// AdvanceResponse - ответ POST /stories/:character_id/advance.
type AdvanceResponse struct {
	Progress ProgressResponse `json:"progress"`
	Chapter  *ChapterResponse `json:"chapter,omitempty"`
	Response string           `json:"response,omitempty"`
	Cost     int64            `json:"cost"`
	Credits  int64            `json:"credits"`
	Replayed bool             `json:"replayed,omitempty"`
}

// UnlockAssetResponse - ответ POST /stories/:character_id/unlock-asset.
type UnlockAssetResponse struct {
	AssetID         string `json:"assetId"`
	AlreadyUnlocked bool   `json:"alreadyUnlocked,omitempty"`
	Cost            int64  `json:"cost"`
	Credits         int64  `json:"credits"`
	Replayed        bool   `json:"replayed,omitempty"`
}

// GrantCreditsResponse - ответ внутреннего начисления.
type GrantCreditsResponse struct {
	Credits       int64  `json:"credits"`
	TransactionID string `json:"transactionId"`
	Replayed      bool   `json:"replayed,omitempty"`
}

// PremiumResponse - ответ внутренней активации премиума.
type PremiumResponse struct {
	Plan      string     `json:"plan"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// --- Преобразования --- //

func toTransactionDTOs(transactions []models.Transaction) []TransactionDTO {
	result := make([]TransactionDTO, 0, len(transactions))
	for i := range transactions {
		tx := &transactions[i]
		result = append(result, TransactionDTO{
			ID:          tx.ID.String(),
			Delta:       tx.Delta,
			Reason:      string(tx.Reason),
			Reference:   tx.Reference,
			Description: tx.Description,
			CreatedAt:   tx.CreatedAt,
		})
	}
	return result
}

func toProgressResponse(p *models.UserStoryProgress) ProgressResponse {
	return ProgressResponse{
		CharacterID:          p.CharacterID.String(),
		CurrentChapterNumber: p.CurrentChapterNumber,
		IsCompleted:          p.IsCompleted,
		UnlockedChapters:     p.UnlockedChapters,
	}
}

func toChapterResponse(ch *models.StoryChapter) *ChapterResponse {
	branches := make([]BranchDTO, 0, len(ch.Content.Branches))
	for i := range ch.Content.Branches {
		branches = append(branches, BranchDTO{
			ID:    ch.Content.Branches[i].ID,
			Label: ch.Content.Branches[i].Label,
		})
	}
	return &ChapterResponse{
		CharacterID:   ch.CharacterID.String(),
		ChapterNumber: ch.ChapterNumber,
		Title:         ch.Title,
		Opening:       ch.Content.Opening,
		Branches:      branches,
	}
}
