package models

import (
	"time"

	"github.com/google/uuid"
)

// User представляет аккаунт платформы. Аккаунт может быть связан с
// пользователем бот-платформы через TelegramUserID.
type User struct {
	ID             uuid.UUID `json:"id"`
	TelegramUserID *int64    `json:"telegramUserId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// TransactionReason - причина мутации баланса.
type TransactionReason string

const (
	ReasonSpend  TransactionReason = "spend"
	ReasonGrant  TransactionReason = "grant"
	ReasonRefund TransactionReason = "refund"
)

// Transaction - одна запись журнала мутаций баланса. Журнал append-only:
// записи никогда не обновляются и не удаляются.
type Transaction struct {
	ID             uuid.UUID         `json:"id"`
	UserID         uuid.UUID         `json:"userId"`
	Delta          int64             `json:"delta"` // отрицательное для списаний
	Reason         TransactionReason `json:"reason"`
	Reference      *string           `json:"reference,omitempty"` // id диалога/персонажа/ассета
	Description    *string           `json:"description,omitempty"`
	IdempotencyKey *string           `json:"-"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// CreditsSummary - агрегат для выдачи клиенту: сколько всего начислено,
// сколько потрачено и сколько осталось.
type CreditsSummary struct {
	Total     int64 `json:"total"`
	Used      int64 `json:"used"`
	Remaining int64 `json:"remaining"`
}

// Plan - тарифный план пользователя.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanPremium Plan = "premium"
)

// Subscription - авторитетная запись о подписке/оплате пользователя.
type Subscription struct {
	UserID    uuid.UUID  `json:"userId"`
	Plan      Plan       `json:"plan"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Entitlement - производный (никогда не кешируемый отдельно) эффективный план.
// IsPremium пересчитывается при каждом обращении: платежные вебхуки могут
// изменить подписку асинхронно в любой момент.
type Entitlement struct {
	Plan      Plan       `json:"plan"`
	IsPremium bool       `json:"isPremium"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// PaidAction - платное действие, стоимость которого определяет резолвер.
type PaidAction string

const (
	ActionChapterAdvance PaidAction = "chapter_advance"
	ActionAssetUnlock    PaidAction = "asset_unlock"
	ActionMessage        PaidAction = "message"
)

// Branch - выбор игрока внутри главы. Ветка может указывать на главу с
// номером меньше, равным или больше текущего: граф глав может циклиться,
// главы адресуются парой (characterID, номер), а не ссылками между собой.
type Branch struct {
	ID string `json:"id"`
	// Label - текст кнопки выбора.
	Label string `json:"label"`
	// Response - реплика персонажа на выбор этой ветки.
	Response string `json:"response"`
	// NextChapterIncrement - смещение номера следующей главы. nil означает +1.
	NextChapterIncrement *int `json:"nextChapterIncrement,omitempty"`
}

// Increment возвращает эффективное смещение ветки (по умолчанию 1).
func (b *Branch) Increment() int {
	if b.NextChapterIncrement == nil {
		return 1
	}
	return *b.NextChapterIncrement
}

// ChapterContent - авторский контент главы, хранится в jsonb.
type ChapterContent struct {
	Opening  string   `json:"opening"`
	Branches []Branch `json:"branches"`
}

// FindBranch ищет ветку по id внутри главы.
func (c *ChapterContent) FindBranch(branchID string) *Branch {
	for i := range c.Branches {
		if c.Branches[i].ID == branchID {
			return &c.Branches[i]
		}
	}
	return nil
}

// StoryChapter - неизменяемая авторская глава истории персонажа.
// Номер главы уникален в пределах персонажа.
type StoryChapter struct {
	CharacterID   uuid.UUID      `json:"characterId"`
	ChapterNumber int            `json:"chapterNumber"`
	Title         string         `json:"title"`
	Content       ChapterContent `json:"content"`
}

// ChapterSummary - метаданные главы для списков (без контента).
type ChapterSummary struct {
	ChapterNumber int    `json:"chapterNumber"`
	Title         string `json:"title"`
}

// UserStoryProgress - прогресс пользователя по истории персонажа.
//
// Инварианты:
//   - CurrentChapterNumber ∈ UnlockedChapters, кроме терминального состояния,
//     когда текущая глава не существует как контент;
//   - UnlockedChapters монотонно не убывает (главы не отзываются);
//   - IsCompleted - one-way флаг, после установки не сбрасывается.
type UserStoryProgress struct {
	ID                   uuid.UUID `json:"id"`
	UserID               uuid.UUID `json:"userId"`
	CharacterID          uuid.UUID `json:"characterId"`
	CurrentChapterNumber int       `json:"currentChapterNumber"`
	IsCompleted          bool      `json:"isCompleted"`
	UnlockedChapters     []int     `json:"unlockedChapters"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// HasUnlocked проверяет, открыта ли глава.
func (p *UserStoryProgress) HasUnlocked(chapter int) bool {
	for _, n := range p.UnlockedChapters {
		if n == chapter {
			return true
		}
	}
	return false
}

// NewInitialProgress возвращает стартовый прогресс: глава 1, unlocked={1}.
func NewInitialProgress(userID, characterID uuid.UUID) *UserStoryProgress {
	return &UserStoryProgress{
		ID:                   uuid.New(),
		UserID:               userID,
		CharacterID:          characterID,
		CurrentChapterNumber: 1,
		IsCompleted:          false,
		UnlockedChapters:     []int{1},
		UpdatedAt:            time.Now(),
	}
}
