package handler

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// getProgress - GET /stories/:character_id/progress.
// Первый запрос лениво создает стартовый прогресс (глава 1).
func (h *Handler) getProgress(c echo.Context) error {
	userID, err := getUserIDFromContext(c)
	if err != nil {
		return handleServiceError(c, err)
	}
	characterID, err := h.parseCharacterID(c)
	if err != nil {
		return err
	}

	progress, err := h.story.GetProgress(c.Request().Context(), userID, characterID)
	if err != nil {
		h.logger.Error("Failed to get progress", zap.String("userID", userID.String()), zap.Error(err))
		return handleServiceError(c, err)
	}
	return c.JSON(http.StatusOK, toProgressResponse(progress))
}

// listChapters - GET /stories/:character_id/chapters.
func (h *Handler) listChapters(c echo.Context) error {
	if _, err := getUserIDFromContext(c); err != nil {
		return handleServiceError(c, err)
	}
	characterID, err := h.parseCharacterID(c)
	if err != nil {
		return err
	}

	summaries, err := h.story.ListChapters(c.Request().Context(), characterID)
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(http.StatusOK, summaries)
}

// getChapter - GET /stories/:character_id/chapters/:number.
// Неоткрытая глава неотличима от несуществующей.
func (h *Handler) getChapter(c echo.Context) error {
	userID, err := getUserIDFromContext(c)
	if err != nil {
		return handleServiceError(c, err)
	}
	characterID, err := h.parseCharacterID(c)
	if err != nil {
		return err
	}
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid chapter number")
	}

	chapter, err := h.story.GetChapter(c.Request().Context(), userID, characterID, number)
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(http.StatusOK, toChapterResponse(chapter))
}

// advanceChapter - POST /stories/:character_id/advance.
// Списание и переход фиксируются одной транзакцией хранилища.
func (h *Handler) advanceChapter(c echo.Context) error {
	userID, err := getUserIDFromContext(c)
	if err != nil {
		return handleServiceError(c, err)
	}
	characterID, err := h.parseCharacterID(c)
	if err != nil {
		return err
	}

	var req AdvanceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	result, err := h.gating.AdvanceChapter(c.Request().Context(), userID, characterID, req.BranchID, req.IdempotencyKey)
	if err != nil {
		h.logger.Warn("Chapter advance failed",
			zap.String("userID", userID.String()),
			zap.String("characterID", characterID.String()),
			zap.String("branchID", req.BranchID),
			zap.Error(err),
		)
		return handleServiceError(c, err)
	}

	resp := AdvanceResponse{
		Progress: toProgressResponse(result.Progress),
		Response: result.Response,
		Cost:     result.Cost,
		Credits:  result.NewBalance,
		Replayed: result.Replayed,
	}
	if result.Chapter != nil {
		resp.Chapter = toChapterResponse(result.Chapter)
	}
	return c.JSON(http.StatusOK, resp)
}

// unlockAsset - POST /stories/:character_id/unlock-asset.
// Уже открытый ассет не списывает кредиты повторно.
func (h *Handler) unlockAsset(c echo.Context) error {
	userID, err := getUserIDFromContext(c)
	if err != nil {
		return handleServiceError(c, err)
	}
	if _, err := h.parseCharacterID(c); err != nil {
		return err
	}

	var req UnlockAssetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	assetID, err := uuid.Parse(req.AssetID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid asset ID format")
	}

	result, err := h.gating.UnlockAsset(c.Request().Context(), userID, assetID, req.IdempotencyKey)
	if err != nil {
		h.logger.Warn("Asset unlock failed",
			zap.String("userID", userID.String()),
			zap.String("assetID", assetID.String()),
			zap.Error(err),
		)
		return handleServiceError(c, err)
	}

	return c.JSON(http.StatusOK, UnlockAssetResponse{
		AssetID:         result.AssetID.String(),
		AlreadyUnlocked: result.AlreadyUnlocked,
		Cost:            result.Cost,
		Credits:         result.NewBalance,
		Replayed:        result.Replayed,
	})
}
