package handler

import (
	"net/http"

	"companion-server/internal/models"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// getCredits - GET /credits. Агрегат выводится из строк журнала транзакций.
func (h *Handler) getCredits(c echo.Context) error {
	userID, err := getUserIDFromContext(c)
	if err != nil {
		return handleServiceError(c, err)
	}

	summary, transactions, err := h.ledger.GetCredits(c.Request().Context(), userID)
	if err != nil {
		h.logger.Error("Failed to get credits", zap.String("userID", userID.String()), zap.Error(err))
		return handleServiceError(c, err)
	}

	return c.JSON(http.StatusOK, CreditsResponse{
		Credits:      *summary,
		Transactions: toTransactionDTOs(transactions),
	})
}

// deductCredits - POST /credits/deduct. Проверка достатка и списание - один
// условный UPDATE; недостаток кредитов отображается в 402.
func (h *Handler) deductCredits(c echo.Context) error {
	userID, err := getUserIDFromContext(c)
	if err != nil {
		return handleServiceError(c, err)
	}

	var req DeductRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	reference := req.ConversationID
	if reference == nil {
		reference = req.CharacterID
	}

	tx, newBalance, replayed, err := h.ledger.Deduct(
		c.Request().Context(),
		userID,
		req.Credits,
		models.ReasonSpend,
		reference,
		req.Description,
		req.IdempotencyKey,
	)
	if err != nil {
		h.logger.Warn("Deduct failed",
			zap.String("userID", userID.String()),
			zap.Int64("credits", req.Credits),
			zap.Error(err),
		)
		return handleServiceError(c, err)
	}

	return c.JSON(http.StatusOK, DeductResponse{
		Credits:       newBalance,
		TransactionID: tx.ID.String(),
		Replayed:      replayed,
	})
}
