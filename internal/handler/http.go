package handler

import (
	"errors"
	"net/http"

	"companion-server/internal/authutils"
	"companion-server/internal/middleware"
	"companion-server/internal/models"
	"companion-server/internal/service"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// APIError представляет стандартизированный ответ об ошибке.
type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Handler обрабатывает HTTP запросы сервиса кредитов и прогрессии историй.
type Handler struct {
	ledger      *service.LedgerService
	entitlement *service.EntitlementService
	story       *service.StoryService
	gating      *service.GatingService
	logger      *zap.Logger

	jwtVerifier        *authutils.JWTVerifier
	initDataVerifier   *authutils.InitDataVerifier
	interServiceSecret string
}

// NewHandler создает HTTP хендлер.
func NewHandler(
	ledger *service.LedgerService,
	entitlement *service.EntitlementService,
	story *service.StoryService,
	gating *service.GatingService,
	jwtVerifier *authutils.JWTVerifier,
	initDataVerifier *authutils.InitDataVerifier,
	interServiceSecret string,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		ledger:             ledger,
		entitlement:        entitlement,
		story:              story,
		gating:             gating,
		jwtVerifier:        jwtVerifier,
		initDataVerifier:   initDataVerifier,
		interServiceSecret: interServiceSecret,
		logger:             logger.Named("Handler"),
	}
}

// RegisterRoutes регистрирует маршруты сервиса.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	authMiddleware := middleware.AuthMiddleware(
		h.jwtVerifier.VerifyToken,
		h.initDataVerifier,
		h.ledger.ResolveTelegramUser,
		h.logger,
	)
	interServiceAuthMiddleware := middleware.InterServiceAuthMiddleware(h.interServiceSecret, h.logger)

	// --- Кредиты (API для пользователей) ---
	creditsGroup := e.Group("/credits", authMiddleware)
	{
		creditsGroup.GET("", h.getCredits)
		creditsGroup.POST("/deduct", h.deductCredits)
	}

	// --- Истории (API для пользователей) ---
	storiesGroup := e.Group("/stories", authMiddleware)
	{
		storiesGroup.GET("/:character_id/progress", h.getProgress)
		storiesGroup.GET("/:character_id/chapters", h.listChapters)
		storiesGroup.GET("/:character_id/chapters/:number", h.getChapter)
		storiesGroup.POST("/:character_id/advance", h.advanceChapter)
		storiesGroup.POST("/:character_id/unlock-asset", h.unlockAsset)
	}

	// --- Внутренние маршруты (платежные вебхуки и пр.) ---
	internalGroup := e.Group("/internal", interServiceAuthMiddleware)
	{
		internalGroup.POST("/users/:user_id/credits/grant", h.grantCredits)
		internalGroup.POST("/users/:user_id/premium", h.activatePremium)
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
}

// getUserIDFromContext извлекает ID пользователя, положенный auth middleware.
func getUserIDFromContext(c echo.Context) (uuid.UUID, error) {
	userID, ok := models.GetUserIDFromContext(c.Request().Context())
	if !ok {
		return uuid.Nil, models.ErrUnauthorized
	}
	return userID, nil
}

// handleServiceError преобразует ошибки сервисного слоя в HTTP ответы.
// Бизнес-отказы - значения, а не паники; сюда они приходят как sentinel
// ошибки из models.
func handleServiceError(c echo.Context, err error) error {
	var statusCode int
	var apiErr APIError

	switch {
	case errors.Is(err, models.ErrUnauthorized) || errors.Is(err, models.ErrTokenInvalid) ||
		errors.Is(err, models.ErrTokenExpired) || errors.Is(err, models.ErrTokenMalformed) ||
		errors.Is(err, models.ErrInvalidSignature):
		statusCode = http.StatusUnauthorized
		apiErr = APIError{Message: "Unauthorized"}
	case errors.Is(err, models.ErrForbidden):
		statusCode = http.StatusForbidden
		apiErr = APIError{Message: "Forbidden"}
	case errors.Is(err, models.ErrInsufficientFunds):
		statusCode = http.StatusPaymentRequired
		apiErr = APIError{Message: "Insufficient credits", Code: "INSUFFICIENT_CREDITS"}
	case errors.Is(err, models.ErrNotFound):
		statusCode = http.StatusNotFound
		apiErr = APIError{Message: "Resource not found"}
	case errors.Is(err, models.ErrStoryCompleted):
		statusCode = http.StatusConflict
		apiErr = APIError{Message: err.Error(), Code: "STORY_COMPLETED"}
	case errors.Is(err, models.ErrInvalidBranch):
		statusCode = http.StatusBadRequest
		apiErr = APIError{Message: err.Error()}
	case errors.Is(err, models.ErrInvalidTransactionAmount) ||
		errors.Is(err, models.ErrBadRequest) || errors.Is(err, models.ErrInvalidInput):
		statusCode = http.StatusBadRequest
		apiErr = APIError{Message: err.Error()}
	case errors.Is(err, models.ErrConflict):
		statusCode = http.StatusConflict
		apiErr = APIError{Message: "Concurrent modification, please retry"}
	default:
		statusCode = http.StatusInternalServerError
		apiErr = APIError{Message: "Internal server error"}
	}
	return c.JSON(statusCode, apiErr)
}

// parseCharacterID читает :character_id из пути.
func (h *Handler) parseCharacterID(c echo.Context) (uuid.UUID, error) {
	raw := c.Param("character_id")
	characterID, err := uuid.Parse(raw)
	if err != nil {
		h.logger.Warn("Invalid character ID format", zap.String("characterID", raw), zap.Error(err))
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "Invalid character ID format")
	}
	return characterID, nil
}
